package ingest

import (
	"sort"
	"time"

	"github.com/smallbiznis/voltara/internal/meterapi"
)

// BinnerConfig tunes hourly aggregation.
type BinnerConfig struct {
	// DegradedMeterMinimum is the distinct-meter count at which a
	// single-hour day is classified as a degraded aggregate response. The
	// threshold is a heuristic tuned against one provider's failure mode;
	// validate before reusing it for a new provider.
	DegradedMeterMinimum int
}

func DefaultBinnerConfig() BinnerConfig {
	return BinnerConfig{DegradedMeterMinimum: 20}
}

func (c BinnerConfig) withDefaults() BinnerConfig {
	if c.DegradedMeterMinimum <= 0 {
		c.DegradedMeterMinimum = DefaultBinnerConfig().DegradedMeterMinimum
	}
	return c
}

// HourlyPoint is one binned (meter, hour) energy total.
type HourlyPoint struct {
	MeterSerial  string
	CustomerCode string
	Hour         time.Time
	KWh          float64
}

// BinResult is the output of binning one day's raw records.
type BinResult struct {
	Points []HourlyPoint
	// CustomerBySerial retains the last-seen customer code per meter in the
	// batch.
	CustomerBySerial map[string]string
	// Degraded is set when the upstream returned daily aggregates
	// mislabeled as interval data. Points is empty in that case; committing
	// would silently corrupt the hourly granularity invariant.
	Degraded bool
}

// BinHourly groups raw interval records into per-meter hourly energy totals.
// Output ordering is deterministic (meter serial, then hour) so commits do
// not depend on upstream response order.
func BinHourly(records []meterapi.IntervalReading, cfg BinnerConfig) BinResult {
	cfg = cfg.withDefaults()

	type key struct {
		serial string
		hour   time.Time
	}

	totals := make(map[key]float64)
	customers := make(map[string]string)
	distinctHours := make(map[time.Time]bool)

	for _, record := range records {
		if record.MeterSerial == "" || record.Timestamp.IsZero() {
			continue
		}
		hour := record.Timestamp.UTC().Truncate(time.Hour)
		totals[key{serial: record.MeterSerial, hour: hour}] += record.KWh()
		distinctHours[hour] = true
		if record.CustomerCode != "" {
			customers[record.MeterSerial] = record.CustomerCode
		}
	}

	if len(totals) == 0 {
		return BinResult{CustomerBySerial: customers}
	}

	distinctMeters := make(map[string]bool)
	for k := range totals {
		distinctMeters[k.serial] = true
	}
	if len(distinctHours) == 1 && len(distinctMeters) >= cfg.DegradedMeterMinimum {
		return BinResult{CustomerBySerial: customers, Degraded: true}
	}

	points := make([]HourlyPoint, 0, len(totals))
	for k, kwh := range totals {
		points = append(points, HourlyPoint{
			MeterSerial:  k.serial,
			CustomerCode: customers[k.serial],
			Hour:         k.hour,
			KWh:          kwh,
		})
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].MeterSerial != points[j].MeterSerial {
			return points[i].MeterSerial < points[j].MeterSerial
		}
		return points[i].Hour.Before(points[j].Hour)
	})

	return BinResult{Points: points, CustomerBySerial: customers}
}
