package catalog

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SetupConfig locates the raw dataset files on disk.
type SetupConfig struct {
	DataDir        string
	TaxiZoneLookup string
	BaseLookup     string
	HVFHSLookup    string
	ParquetGlob    string
}

func (cfg *SetupConfig) applyDefaults() {
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.TaxiZoneLookup == "" {
		cfg.TaxiZoneLookup = filepath.Join(cfg.DataDir, "taxi_zone_lookup.csv")
	}
	if cfg.BaseLookup == "" {
		cfg.BaseLookup = filepath.Join(cfg.DataDir, "fhv_base_lookup.csv")
	}
	if cfg.HVFHSLookup == "" {
		cfg.HVFHSLookup = filepath.Join(cfg.DataDir, "hvfhs_license_num_lookup.csv")
	}
	if cfg.ParquetGlob == "" {
		cfg.ParquetGlob = "fhvhv_tripdata_2023-*.parquet"
	}
}

// Setup returns the statements that materialize the lookup tables and the
// layered trip views, in execution order.
func Setup(cfg SetupConfig) []string {
	cfg.applyDefaults()
	parquet := filepath.Join(cfg.DataDir, cfg.ParquetGlob)

	return []string{
		fmt.Sprintf(`CREATE OR REPLACE TABLE taxi_zones AS
SELECT * FROM read_csv(%s, header=true, auto_detect=true)`, quote(cfg.TaxiZoneLookup)),
		fmt.Sprintf(`CREATE OR REPLACE TABLE base_lookup AS
SELECT * FROM read_csv(%s, header=true, auto_detect=true)`, quote(cfg.BaseLookup)),
		fmt.Sprintf(`CREATE OR REPLACE TABLE hvfhs_lookup AS
SELECT * FROM read_csv(%s, header=true, auto_detect=true)`, quote(cfg.HVFHSLookup)),
		fmt.Sprintf(`CREATE OR REPLACE VIEW fhv_raw AS
SELECT * FROM parquet_scan(%s)`, quote(parquet)),
		`CREATE OR REPLACE VIEW fhv_clean AS
SELECT *
FROM fhv_raw
WHERE pickup_datetime IS NOT NULL
  AND dropoff_datetime IS NOT NULL
  AND trip_time > 0
  AND trip_miles > 0
  AND PULocationID IS NOT NULL
  AND DOLocationID IS NOT NULL`,
		`CREATE OR REPLACE VIEW fhv_with_zones AS
SELECT
  f.*,
  pu.Borough AS pickup_borough,
  pu.Zone AS pickup_zone,
  doff.Borough AS dropoff_borough,
  doff.Zone AS dropoff_zone
FROM fhv_clean f
LEFT JOIN taxi_zones pu ON f.PULocationID = pu.LocationID
LEFT JOIN taxi_zones doff ON f.DOLocationID = doff.LocationID`,
		`CREATE OR REPLACE VIEW fhv_with_company AS
SELECT
  f.*,
  COALESCE(h.company_name, 'Unknown') AS company,
  b.base_name
FROM fhv_with_zones f
LEFT JOIN hvfhs_lookup h ON f.hvfhs_license_num = h.hvfhs_license_num
LEFT JOIN base_lookup b ON f.originating_base_num = b.base_number`,
	}
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
