package aggregate

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrmcollect/vrmcollect/pkg/types"
)

func snapshot(id int64, name string) types.InstallationSnapshot {
	return types.InstallationSnapshot{
		Installation: types.Installation{ID: id, Name: name},
		Timestamp:    time.Now(),
	}
}

func TestAggregate(t *testing.T) {
	ts := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	t.Run("SingleBatterySite", func(t *testing.T) {
		// a single installation is the common case: everything passes
		// through untouched
		s := snapshot(1, "home")
		s.ACLoads = types.ReadingOf(420)
		s.GridFlow = types.ReadingOf(-250)
		s.Consumption = types.ReadingOf(600)
		s.SolarYield = types.ReadingOf(1200)
		s.BatterySOC = types.ReadingOf(80)
		s.BatteryVoltage = types.ReadingOf(52.4)

		sum := Aggregate(ts, []types.InstallationSnapshot{s})

		assert.Equal(t, ts, sum.Timestamp)
		assert.Equal(t, types.ReadingOf(420.0), sum.ACLoads)
		assert.Equal(t, types.ReadingOf(-250.0), sum.GridFlow)
		assert.Equal(t, types.ReadingOf(600.0), sum.Consumption)
		assert.Equal(t, types.ReadingOf(1200.0), sum.SolarYield)
		assert.Equal(t, types.ReadingOf(80.0), sum.BatterySOC, "single battery SOC should pass through exactly")
		assert.Equal(t, types.ReadingOf(52.4), sum.BatteryVoltage, "single battery voltage should pass through exactly")
	})

	t.Run("SumsAndMeans", func(t *testing.T) {
		a := snapshot(1, "a")
		a.SolarYield = types.ReadingOf(1000)
		a.BatterySOC = types.ReadingOf(50)

		b := snapshot(2, "b")
		b.SolarYield = types.ReadingOf(1500)
		b.BatterySOC = types.ReadingOf(70)

		sum := Aggregate(ts, []types.InstallationSnapshot{a, b})

		assert.Equal(t, types.ReadingOf(2500.0), sum.SolarYield, "power fields are additive")
		assert.Equal(t, types.ReadingOf(60.0), sum.BatterySOC, "battery SOC is averaged, not summed")
	})

	t.Run("GridFlowSignedSum", func(t *testing.T) {
		a := snapshot(1, "importer")
		a.GridFlow = types.ReadingOf(800)

		b := snapshot(2, "exporter")
		b.GridFlow = types.ReadingOf(-1300)

		sum := Aggregate(ts, []types.InstallationSnapshot{a, b})

		assert.Equal(t, types.ReadingOf(-500.0), sum.GridFlow, "site grid flow is the signed sum")
	})

	t.Run("AbsentEverywhereStaysAbsent", func(t *testing.T) {
		a := snapshot(1, "a")
		a.Consumption = types.ReadingOf(100)

		b := snapshot(2, "b")
		b.Consumption = types.ReadingOf(200)

		sum := Aggregate(ts, []types.InstallationSnapshot{a, b})

		assert.False(t, sum.BatterySOC.OK, "a field nobody reports must be absent, not zero")
		assert.False(t, sum.BatteryVoltage.OK)
		assert.False(t, sum.SolarYield.OK)
		assert.Equal(t, types.ReadingOf(300.0), sum.Consumption)
	})

	t.Run("PartialReportersOnly", func(t *testing.T) {
		// only a reports SOC; b has no battery; mean is over reporters only
		a := snapshot(1, "a")
		a.BatterySOC = types.ReadingOf(40)

		b := snapshot(2, "b")
		b.SolarYield = types.ReadingOf(500)

		sum := Aggregate(ts, []types.InstallationSnapshot{a, b})

		assert.Equal(t, types.ReadingOf(40.0), sum.BatterySOC, "mean should only cover installations with the field present")
		assert.Equal(t, types.ReadingOf(500.0), sum.SolarYield)
	})

	t.Run("EmptySnapshotExcluded", func(t *testing.T) {
		a := snapshot(1, "alive")
		a.SolarYield = types.ReadingOf(900)
		a.BatterySOC = types.ReadingOf(55)

		dead := snapshot(2, "dead")
		require.True(t, dead.Empty())

		sum := Aggregate(ts, []types.InstallationSnapshot{a, dead})

		assert.Equal(t, types.ReadingOf(900.0), sum.SolarYield)
		assert.Equal(t, types.ReadingOf(55.0), sum.BatterySOC, "an empty snapshot must not drag the mean down")
	})

	t.Run("NoSnapshots", func(t *testing.T) {
		sum := Aggregate(ts, nil)
		assert.True(t, sum.Empty())
		assert.Equal(t, ts, sum.Timestamp)
	})

	t.Run("OrderIndependent", func(t *testing.T) {
		snaps := make([]types.InstallationSnapshot, 5)
		for i := range snaps {
			s := snapshot(int64(i+1), "site")
			s.ACLoads = types.ReadingOf(float64(100 * (i + 1)))
			s.GridFlow = types.ReadingOf(float64(50*i) - 100)
			s.SolarYield = types.ReadingOf(float64(1000 - 100*i))
			s.BatterySOC = types.ReadingOf(float64(20 + 10*i))
			s.BatteryVoltage = types.ReadingOf(48 + float64(i)/2)
			snaps[i] = s
		}

		expected := Aggregate(ts, snaps)

		rng := rand.New(rand.NewSource(42))
		for i := 0; i < 10; i++ {
			shuffled := make([]types.InstallationSnapshot, len(snaps))
			copy(shuffled, snaps)
			rng.Shuffle(len(shuffled), func(a, b int) {
				shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
			})
			assert.Equal(t, expected, Aggregate(ts, shuffled), "aggregate must be invariant under input permutation")
		}
	})
}
