// Package llm talks to the text generation services that author SQL and
// chart specifications.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/metrics"
)

const (
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"
	ProviderGroq      = "groq"
	ProviderOpenAI    = "openai"
)

// Client completes a single prompt. Implementations are safe for concurrent
// use and apply their own per-call timeout.
type Client interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

type Kind string

const (
	KindUnreachable Kind = "unreachable"
	KindTimeout     Kind = "timeout"
	KindBadStatus   Kind = "bad_status"
	KindMalformed   Kind = "malformed"
)

// UnavailableError reports that the generation service could not produce a
// response. Only KindUnreachable should stop a correction loop outright.
type UnavailableError struct {
	Provider string
	Kind     Kind
	Endpoint string
	Timeout  time.Duration
	Status   int
	Body     string
	Err      error
}

func (e *UnavailableError) Error() string {
	switch e.Kind {
	case KindUnreachable:
		return fmt.Sprintf("cannot connect to %s at %s: %v", e.Provider, e.Endpoint, e.Err)
	case KindTimeout:
		return fmt.Sprintf("%s request timed out after %s", e.Provider, e.Timeout)
	case KindBadStatus:
		return fmt.Sprintf("%s returned error %d: %s", e.Provider, e.Status, e.Body)
	default:
		return fmt.Sprintf("%s returned a malformed response: %v", e.Provider, e.Err)
	}
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err carries an UnavailableError of kind k.
func IsKind(err error, k Kind) bool {
	var ue *UnavailableError
	return errors.As(err, &ue) && ue.Kind == k
}

// classify maps transport failures onto UnavailableError. Caller
// cancellation is returned unchanged.
func classify(provider, endpoint string, timeout time.Duration, err error) error {
	if err == nil {
		return nil
	}
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &UnavailableError{Provider: provider, Kind: KindTimeout, Endpoint: endpoint, Timeout: timeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &UnavailableError{Provider: provider, Kind: KindTimeout, Endpoint: endpoint, Timeout: timeout, Err: err}
	}
	var opErr *net.OpError
	var urlErr *url.Error
	if errors.As(err, &opErr) || errors.As(err, &urlErr) {
		return &UnavailableError{Provider: provider, Kind: KindUnreachable, Endpoint: endpoint, Err: err}
	}
	return err
}

func observe(provider string, start time.Time, err error) {
	metrics.GenerationCallDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	status := "success"
	var ue *UnavailableError
	switch {
	case errors.As(err, &ue):
		status = string(ue.Kind)
	case err != nil:
		status = "error"
	}
	metrics.GenerationCallsTotal.WithLabelValues(provider, status).Inc()
}

// newHTTPClient returns a client without a global timeout; callers bound
// each request with a context deadline instead.
func newHTTPClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConnsPerHost = 8
	tr.TLSHandshakeTimeout = 10 * time.Second
	return &http.Client{
		Transport: gzhttp.Transport(tr),
	}
}
