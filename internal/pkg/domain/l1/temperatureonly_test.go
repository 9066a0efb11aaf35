package l1

import (
	"testing"
	"time"

	"github.com/matryer/is"
)

var temperatureOnlyBaseTs = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func temperatureOnlySample(ts time.Time, tamb, tsuc, tliq float64) Sample {
	return Sample{
		Ts:     ts,
		TambOk: true, Tamb: tamb,
		TsucOk: true, Tsuc: tsuc,
		TliqOk: true, Tliq: tliq,
	}
}

func TestTemperatureOnlyAbsentOnMissingChannel(t *testing.T) {
	is := is.New(t)

	cases := []struct {
		name string
		s    Sample
	}{
		{"missing tamb", Sample{Ts: temperatureOnlyBaseTs, TsucOk: true, TliqOk: true}},
		{"missing tsuc", Sample{Ts: temperatureOnlyBaseTs, TambOk: true, TliqOk: true}},
		{"missing tliq", Sample{Ts: temperatureOnlyBaseTs, TambOk: true, TsucOk: true}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			to := NewTemperatureOnlySelf()
			is.Equal(to.Step(c.s), Absent)
		})
	}
}

// Conditions 3, 10, 13, 14 and 17 are unconditional -- they read only
// the current tamb/tsuc/tliq averages, with no delta window to wait
// for -- so each is reachable from a single Step call and makes the
// clearest possible pin for that one condition.
func TestTemperatureOnlyUnconditionalOffConditions(t *testing.T) {
	is := is.New(t)

	cases := []struct {
		name             string
		tamb, tsuc, tliq float64
	}{
		{"condition 3: hot suction, liquid close to ambient", 10, 29, 11},
		{"condition 10: all three temps close together", 20, 19, 20.5},
		{"condition 13: suction warm and close to liquid", 20, 16, 18},
		{"condition 14: suction hot and near ambient", 36, 35.5, 40},
		{"condition 17: suction above ambient and close to liquid", 10, 15, 19},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			to := NewTemperatureOnlySelf()
			result := to.Step(temperatureOnlySample(temperatureOnlyBaseTs, c.tamb, c.tsuc, c.tliq))
			is.Equal(result, Off)
		})
	}
}

// A cold suction temperature well below both ambient and liquid trips
// none of the unconditional conditions, and none of the delta-gated
// ones can even be evaluated yet on a first sample, so the compressor
// is read as running.
func TestTemperatureOnlyColdSuctionWithNoConditionsTriggeredIsOn(t *testing.T) {
	is := is.New(t)

	to := NewTemperatureOnlySelf()
	result := to.Step(temperatureOnlySample(temperatureOnlyBaseTs, 20, 5, 25))

	is.Equal(result, On)
}

// NewTemperatureOnlyGeneral currently shares the exact same threshold
// table as NewTemperatureOnlySelf (see DESIGN.md open question 2), so
// it must reach the same verdict on the same inputs.
func TestTemperatureOnlyGeneralMatchesSelfOnSameInputs(t *testing.T) {
	is := is.New(t)

	self := NewTemperatureOnlySelf()
	general := NewTemperatureOnlyGeneral()

	s := temperatureOnlySample(temperatureOnlyBaseTs, 20, 16, 18)
	is.Equal(self.Step(s), general.Step(s))
}

// Regression test for a bug where the 13-slot raw tsuc/tliq buffers
// were inserted into on every Step call instead of being gated to the
// same 15s resampling tick as the filtered buffers: a device sampling
// faster than 15s must only contribute one raw sample per tick, not
// one per call.
func TestTemperatureOnlyStepGatesRawBufferInsertsToResamplingTicks(t *testing.T) {
	is := is.New(t)

	to := NewTemperatureOnlySelf()

	to.Step(temperatureOnlySample(temperatureOnlyBaseTs, 20, 1.0, 25))
	to.Step(temperatureOnlySample(temperatureOnlyBaseTs.Add(5*time.Second), 20, 2.0, 25))
	to.Step(temperatureOnlySample(temperatureOnlyBaseTs.Add(10*time.Second), 20, 3.0, 25))
	to.Step(temperatureOnlySample(temperatureOnlyBaseTs.Add(14*time.Second), 20, 4.0, 25))
	to.Step(temperatureOnlySample(temperatureOnlyBaseTs.Add(20*time.Second), 20, 5.0, 25))

	newest, okNewest := to.tsucMemory.Get(0)
	is.True(okNewest)
	is.Equal(newest, 5.0) // second resampling tick, at t=20s

	oldest, okOldest := to.tsucMemory.Get(1)
	is.True(okOldest)
	is.Equal(oldest, 1.0) // first resampling tick, at t=0s

	_, okThird := to.tsucMemory.Get(2)
	is.True(!okThird) // the three sub-tick calls at 5s/10s/14s must not have inserted
}

func TestTemperatureOnlyResetClearsBuffersAndFilterTick(t *testing.T) {
	is := is.New(t)

	to := NewTemperatureOnlySelf()
	to.Step(temperatureOnlySample(temperatureOnlyBaseTs, 20, 5, 25))

	to.Reset()

	_, ok := to.tsucMemory.Get(0)
	is.True(!ok)
	_, ok = to.tliqMemory.Get(0)
	is.True(!ok)
	_, ok = to.tsucMemoryFiltered.Get(0)
	is.True(!ok)
	is.True(!to.hasFilterTick)
}

func TestTemperatureOnlyPersistRestoreRoundTrip(t *testing.T) {
	is := is.New(t)

	to := NewTemperatureOnlySelf()
	to.Step(temperatureOnlySample(temperatureOnlyBaseTs, 20, 5, 25))
	to.Step(temperatureOnlySample(temperatureOnlyBaseTs.Add(20*time.Second), 20, 6, 25))

	blob := to.persistState()

	restored := NewTemperatureOnlySelf()
	is.NoErr(restored.restoreState(blob))

	wantTsuc, okWant := to.tsucMemory.Get(0)
	gotTsuc, okGot := restored.tsucMemory.Get(0)
	is.Equal(okWant, okGot)
	is.Equal(wantTsuc, gotTsuc)

	is.Equal(restored.hasFilterTick, to.hasFilterTick)
	is.Equal(restored.lastFilterTick.Equal(to.lastFilterTick), true)
}

func TestRound01RoundsHalfAwayFromZero(t *testing.T) {
	is := is.New(t)

	cases := []struct {
		in, want float64
	}{
		{1.24, 1.2},
		{1.25, 1.3},
		{1.26, 1.3},
		{-1.24, -1.2},
		{-1.25, -1.3},
		{0, 0},
	}

	for _, c := range cases {
		is.Equal(round01(c.in), c.want)
	}
}
