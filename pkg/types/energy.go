package types

import "time"

// SummaryInstallationID is the sentinel installation_id tag used for the
// site-wide summary point so queries can tell the total apart from the
// per-installation series.
const SummaryInstallationID = "site"

// Reading is an optional metric value. A zero Reading means the metric was
// absent from the source payload (or implausible), which is distinct from a
// reading of zero.
type Reading struct {
	Value float64
	OK    bool
}

// ReadingOf returns a present Reading with the given value.
func ReadingOf(v float64) Reading {
	return Reading{Value: v, OK: true}
}

// Installation identifies one monitored site in the VRM portal.
type Installation struct {
	ID         int64  `json:"idSite"`
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	Timezone   string `json:"timezone"`
}

// InstallationSnapshot holds the latest readings for one installation at a
// single point in time. It is built fresh every cycle and never mutated
// afterwards.
type InstallationSnapshot struct {
	Installation Installation
	Timestamp    time.Time

	// power readings in watts; GridFlow is positive when importing from the
	// grid and negative when exporting
	ACLoads     Reading
	GridFlow    Reading
	Consumption Reading
	SolarYield  Reading

	BatterySOC     Reading // percent
	BatteryVoltage Reading // volts
}

// Empty reports whether the snapshot carries no readings at all.
func (s InstallationSnapshot) Empty() bool {
	return !s.ACLoads.OK && !s.GridFlow.OK && !s.Consumption.OK &&
		!s.SolarYield.OK && !s.BatterySOC.OK && !s.BatteryVoltage.OK
}

// SummaryPoint is the site-wide aggregate for one cycle. A field is only
// present if at least one installation reported it.
type SummaryPoint struct {
	Timestamp time.Time

	ACLoads     Reading
	GridFlow    Reading
	Consumption Reading
	SolarYield  Reading

	BatterySOC     Reading
	BatteryVoltage Reading
}

// Empty reports whether the summary carries no readings at all.
func (p SummaryPoint) Empty() bool {
	return !p.ACLoads.OK && !p.GridFlow.OK && !p.Consumption.OK &&
		!p.SolarYield.OK && !p.BatterySOC.OK && !p.BatteryVoltage.OK
}

// WriteBatch is one cycle's worth of points destined for a single write to
// the store. Every point in the batch shares Timestamp so the summary can
// never skew from its constituent readings.
type WriteBatch struct {
	Timestamp time.Time
	Snapshots []InstallationSnapshot
	Summary   SummaryPoint
}
