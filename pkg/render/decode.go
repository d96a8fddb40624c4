package render

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/oowenn/NYC-Taxi-Analysis/pkg/engine"
)

// dateDecoder interprets a raw X value as a point in time. Decoders are tried
// in order and the first result inside the valid range wins.
type dateDecoder struct {
	name   string
	decode func(v any, row engine.Row) (time.Time, bool)
}

var dateDecoders = []dateDecoder{
	{name: "native", decode: decodeNative},
	{name: "epoch_seconds", decode: decodeEpochSeconds},
	{name: "epoch_days", decode: decodeEpochDays},
	{name: "yyyymmdd", decode: decodeCompactDate},
	{name: "year_month", decode: decodeYearMonth},
}

var nativeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
	"2006-01",
}

// DecodeDate runs the decoder chain against v and reports the first date in
// [from, to).
func DecodeDate(v any, row engine.Row, from, to time.Time) (time.Time, bool) {
	for _, d := range dateDecoders {
		t, ok := d.decode(v, row)
		if !ok {
			continue
		}
		if !t.Before(from) && t.Before(to) {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func decodeNative(v any, _ engine.Row) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range nativeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func decodeEpochSeconds(v any, _ engine.Row) (time.Time, bool) {
	n, ok := integral(v)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(n, 0).UTC(), true
}

func decodeEpochDays(v any, _ engine.Row) (time.Time, bool) {
	n, ok := integral(v)
	if !ok || n > math.MaxInt64/86400 || n < math.MinInt64/86400 {
		return time.Time{}, false
	}
	return time.Unix(n*86400, 0).UTC(), true
}

func decodeCompactDate(v any, _ engine.Row) (time.Time, bool) {
	n, ok := integral(v)
	if !ok || n < 10000101 || n > 99991231 {
		return time.Time{}, false
	}
	t, err := time.Parse("20060102", strconv.FormatInt(n, 10))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// decodeYearMonth ignores v and builds the first of the month from separate
// year and month columns on the row.
func decodeYearMonth(_ any, row engine.Row) (time.Time, bool) {
	var year, month int64
	var haveYear, haveMonth bool
	for k, val := range row {
		switch strings.ToLower(k) {
		case "year":
			year, haveYear = integral(val)
		case "month":
			month, haveMonth = integral(val)
		}
	}
	if !haveYear || !haveMonth || month < 1 || month > 12 {
		return time.Time{}, false
	}
	return time.Date(int(year), time.Month(month), 1, 0, 0, 0, 0, time.UTC), true
}

// integral reports v as a whole number. Numeric strings are accepted.
func integral(v any) (int64, bool) {
	switch n := v.(type) {
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	case float32, float64:
		f, _ := toFloat(n)
		if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
			return 0, false
		}
		return int64(f), true
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// toFloat coerces a scalar to a float. Invalid values report false.
func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case nil:
		return 0, false
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case bool:
		if n {
			f = 1
		}
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	case time.Time:
		f = float64(n.Unix())
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// label formats a value for a category axis or a grouping key.
func label(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
			return t.Format("2006-01-02")
		}
		return t.Format("2006-01-02 15:04")
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	}
	return fmt.Sprint(v)
}
