package l1

import (
	"testing"

	"github.com/matryer/is"
)

func steadyPressureSample(tamb, tsuc, tliq, psuc float64) Sample {
	return Sample{
		TambOk: true, Tamb: tamb,
		TsucOk: true, Tsuc: tsuc,
		TliqOk: true, Tliq: tliq,
		PsucOk: true, Psuc: psuc,
		RawPsucADCOk: true, RawPsucADC: 200,
	}
}

func TestPressureBasedL1AbsentOnMissingChannel(t *testing.T) {
	is := is.New(t)

	cases := []struct {
		name string
		s    Sample
	}{
		{"missing tsuc", Sample{PsucOk: true, TambOk: true, TliqOk: true}},
		{"missing psuc", Sample{TsucOk: true, TambOk: true, TliqOk: true}},
		{"missing tamb", Sample{TsucOk: true, PsucOk: true, TliqOk: true}},
		{"missing tliq", Sample{TsucOk: true, PsucOk: true, TambOk: true}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := NewPressureBasedL1("r410a")
			is.Equal(p.Step(c.s), Absent)
		})
	}
}

func TestPressureBasedL1AbsentBelowMinRawADC(t *testing.T) {
	is := is.New(t)

	p := NewPressureBasedL1("r410a")
	s := steadyPressureSample(30, 10, 10, 5)
	s.RawPsucADC = 69 // one below minRawPsucADC

	is.Equal(p.Step(s), Absent)
}

func TestPressureBasedL1FluidSelectsPressureLimits(t *testing.T) {
	is := is.New(t)

	r410a := NewPressureBasedL1("r410a")
	is.Equal(r410a.pressureLimit1, 9.5)
	is.Equal(r410a.pressureLimit2, 8.0)

	r32 := NewPressureBasedL1("r32")
	is.Equal(r32.pressureLimit1, 9.5)
	is.Equal(r32.pressureLimit2, 8.0)

	other := NewPressureBasedL1("r134a")
	is.Equal(other.pressureLimit1, 6.5)
	is.Equal(other.pressureLimit2, 5.5)
}

// Conditions 11 and 13 are unconditional -- evaluated on the very first
// sample, with no delta window to wait for -- so they double as the
// simplest possible pins for the "should be off" bank.
func TestPressureBasedL1UnconditionalOffConditions(t *testing.T) {
	is := is.New(t)

	cases := []struct {
		name                   string
		tamb, tsuc, tliq, psuc float64
	}{
		{"condition 11: warm suction near liquid and above ambient", 20, 22, 23, 5},
		{"condition 13: suction close to ambient, low pressure", 20, 19.8, 22, 0.5},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := NewPressureBasedL1("r410a")
			result := p.Step(steadyPressureSample(c.tamb, c.tsuc, c.tliq, c.psuc))
			is.Equal(result, Off)
		})
	}
}

// A cold suction temperature, well below ambient and liquid, with none
// of the unconditional conditions' thresholds crossed, is read as the
// compressor running.
func TestPressureBasedL1ColdSuctionWithNoConditionsTriggeredIsOn(t *testing.T) {
	is := is.New(t)

	p := NewPressureBasedL1("r410a")
	result := p.Step(steadyPressureSample(30, 5, 8, 8))

	is.Equal(result, On)
}

// Condition 9 fires from a sustained rise in suction pressure alone
// (no temperature terms), but only once both its delta windows (600s
// and 30min) have enough history -- requiring the longer of the two,
// 1800s, to be filled before the condition is even evaluated.
func TestPressureBasedL1SustainedPressureRiseIsOff(t *testing.T) {
	is := is.New(t)

	p := NewPressureBasedL1("r410a")

	var last Tri
	for i := 0; i <= 30*60; i++ {
		psuc := 2.0 + float64(i)*0.01 // +18 bar over 1800s, past the 5.0 bar thresholds on both windows
		last = p.Step(steadyPressureSample(30, 5, 8, psuc))
	}

	is.Equal(last, Off)
}

func TestPressureBasedL1ResetClearsAllBuffers(t *testing.T) {
	is := is.New(t)

	p := NewPressureBasedL1("r410a")
	p.Step(steadyPressureSample(20, 19.8, 22, 0.5))

	p.Reset()

	_, ok := p.tsucMemory.Get(0)
	is.True(!ok)
	_, ok = p.psucMemory.Get(0)
	is.True(!ok)
	_, ok = p.tliqMemory.Get(0)
	is.True(!ok)
	_, ok = p.tsucMemoryFiltered.Get(0)
	is.True(!ok)
}

func TestPressureBasedL1PersistRestoreRoundTrip(t *testing.T) {
	is := is.New(t)

	p := NewPressureBasedL1("r410a")
	for i := 0; i < 5; i++ {
		p.Step(steadyPressureSample(20, 19.8+float64(i)*0.1, 22, 0.5))
	}

	blob := p.persistState()

	restored := NewPressureBasedL1("r410a")
	is.NoErr(restored.restoreState(blob))

	wantTsuc, okWant := p.tsucMemory.Get(0)
	gotTsuc, okGot := restored.tsucMemory.Get(0)
	is.Equal(okWant, okGot)
	is.Equal(wantTsuc, gotTsuc)

	wantFiltered, okWantF := p.tsucMemoryFiltered.Get(0)
	gotFiltered, okGotF := restored.tsucMemoryFiltered.Get(0)
	is.Equal(okWantF, okGotF)
	is.Equal(wantFiltered, gotFiltered)
}
