package vrm

import (
	"encoding/json"
	"math"
	"time"

	"github.com/vrmcollect/vrmcollect/pkg/types"
)

// attributeCodes are the VRM stats attributes we collect, in the order we
// request them.
var attributeCodes = []string{
	"ac_loads",
	"from_to_grid",
	"consumption",
	"solar_yield",
	"bs",
	"bv",
}

type statsResult struct {
	Records map[string]json.RawMessage `json:"records"`
}

// latestSample returns the newest [timestamp, value] pair of a stats
// series. VRM reports timestamps in milliseconds and substitutes `false`
// for attributes the installation doesn't have, so anything that isn't a
// well-formed series is simply treated as absent.
func latestSample(raw json.RawMessage) (tsMillis int64, value float64, ok bool) {
	var series [][]*float64
	if err := json.Unmarshal(raw, &series); err != nil {
		return 0, 0, false
	}
	for i := len(series) - 1; i >= 0; i-- {
		pair := series[i]
		if len(pair) < 2 || pair[0] == nil || pair[1] == nil {
			continue
		}
		return int64(*pair[0]), *pair[1], true
	}
	return 0, 0, false
}

// powerReading accepts any finite wattage, including negative grid flow
// (export) and zero.
func powerReading(v float64) types.Reading {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return types.Reading{}
	}
	return types.ReadingOf(v)
}

// socReading rejects state-of-charge values outside [0, 100].
func socReading(v float64) types.Reading {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 100 {
		return types.Reading{}
	}
	return types.ReadingOf(v)
}

// voltageReading rejects non-positive voltages.
func voltageReading(v float64) types.Reading {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return types.Reading{}
	}
	return types.ReadingOf(v)
}

// snapshotFromStats reduces a stats response to the latest reading per
// metric. The snapshot timestamp is the newest timestamp seen across all
// series; if no series reported anything, now is used.
func snapshotFromStats(inst types.Installation, res statsResult, now time.Time) types.InstallationSnapshot {
	var latestMillis int64

	sample := func(code string) (float64, bool) {
		raw, ok := res.Records[code]
		if !ok {
			return 0, false
		}
		ts, v, ok := latestSample(raw)
		if !ok {
			return 0, false
		}
		if ts > latestMillis {
			latestMillis = ts
		}
		return v, true
	}

	snap := types.InstallationSnapshot{Installation: inst}

	if v, ok := sample("ac_loads"); ok {
		snap.ACLoads = powerReading(v)
	}
	if v, ok := sample("from_to_grid"); ok {
		// positive = import, negative = export; the aggregator's sum
		// depends on this sign surviving untouched
		snap.GridFlow = powerReading(v)
	}
	if v, ok := sample("consumption"); ok {
		snap.Consumption = powerReading(v)
	}
	if v, ok := sample("solar_yield"); ok {
		snap.SolarYield = powerReading(v)
	}
	if v, ok := sample("bs"); ok {
		snap.BatterySOC = socReading(v)
	}
	if v, ok := sample("bv"); ok {
		snap.BatteryVoltage = voltageReading(v)
	}

	if latestMillis > 0 {
		snap.Timestamp = time.UnixMilli(latestMillis)
	} else {
		snap.Timestamp = now
	}
	return snap
}
