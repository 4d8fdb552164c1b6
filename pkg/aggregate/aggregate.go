// Package aggregate folds the per-installation snapshots of one collection
// cycle into a single site-wide summary point.
package aggregate

import (
	"time"

	"github.com/vrmcollect/vrmcollect/pkg/types"
)

// Aggregate combines snapshots into a summary stamped with the cycle's
// reference time. Power fields are summed, battery fields are averaged,
// and each field only considers the snapshots that actually report it; a
// field nobody reports stays absent. The result depends only on the set of
// snapshots, not their order.
func Aggregate(ts time.Time, snapshots []types.InstallationSnapshot) types.SummaryPoint {
	return types.SummaryPoint{
		Timestamp: ts,

		ACLoads:     sum(snapshots, func(s types.InstallationSnapshot) types.Reading { return s.ACLoads }),
		GridFlow:    sum(snapshots, func(s types.InstallationSnapshot) types.Reading { return s.GridFlow }),
		Consumption: sum(snapshots, func(s types.InstallationSnapshot) types.Reading { return s.Consumption }),
		SolarYield:  sum(snapshots, func(s types.InstallationSnapshot) types.Reading { return s.SolarYield }),

		// intensive quantities: summing SOC across batteries is meaningless
		BatterySOC:     mean(snapshots, func(s types.InstallationSnapshot) types.Reading { return s.BatterySOC }),
		BatteryVoltage: mean(snapshots, func(s types.InstallationSnapshot) types.Reading { return s.BatteryVoltage }),
	}
}

func sum(snapshots []types.InstallationSnapshot, field func(types.InstallationSnapshot) types.Reading) types.Reading {
	var total float64
	var n int
	for _, s := range snapshots {
		if r := field(s); r.OK {
			total += r.Value
			n++
		}
	}
	if n == 0 {
		return types.Reading{}
	}
	return types.ReadingOf(total)
}

func mean(snapshots []types.InstallationSnapshot, field func(types.InstallationSnapshot) types.Reading) types.Reading {
	var total float64
	var n int
	for _, s := range snapshots {
		if r := field(s); r.OK {
			total += r.Value
			n++
		}
	}
	if n == 0 {
		return types.Reading{}
	}
	return types.ReadingOf(total / float64(n))
}
