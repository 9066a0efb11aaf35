package l1

import (
	"encoding/json"
	"fmt"

	"github.com/diwise/iotpipe/internal/pkg/domain/ringbuffer"
)

// majorityWindow is how many raw per-second decisions the 30-sample
// majority filter smooths over before DacVirtualL1 reports a verdict.
const majorityWindow = 30

// DacVirtualL1 is the composite inner-strategy dispatcher used for VRF
// and simulated-L1 devices: each second it asks its inner strategies,
// in a fixed priority order, for a verdict and keeps the first
// non-absent one; that raw per-second decision then feeds a 30-sample
// majority filter before being reported.
//
// The priority order mirrors dac_l1_calculator.rs's calc_l1_inner:
// PressureBasedL1 first (omitted entirely when the device has no
// suction-pressure channel or no configured refrigerant), then the
// TemperatureOnly variant selected
// at construction, then TemperatureDifferenceL1, then NoTsucL1 as the
// always-absent terminal fallback.
//
// Unlike the original, which threads its own gap-specific repeat/absent
// rule through the unfiltered-decision buffer (fill_gaps), this type
// relies entirely on l1.State's generic per-second replay to keep it
// stepped exactly once per elapsed second during a gap; every decision
// produced by a Step call, synthetic or real, is pushed into the
// majority window unconditionally. See DESIGN.md for why this
// generalization is equivalent in the cases that matter and simpler to
// reason about than porting the Rust buffer-specific gap rule.
type DacVirtualL1 struct {
	pressure       *PressureBasedL1 // nil when the device has no suction-pressure channel or no configured refrigerant
	tsucDependent  Strategy         // TemperatureOnlySelf or TemperatureOnlyGeneral
	tempDifference *TemperatureDifferenceL1
	noTsuc         *NoTsucL1

	psucOffset float64

	unfiltered *ringbuffer.Buffer[bool]
}

// NewDacVirtualL1 builds the composite. pressure may be nil (device has
// no suction-pressure channel or no configured refrigerant);
// tsucDependent must not be nil.
func NewDacVirtualL1(pressure *PressureBasedL1, tsucDependent Strategy, psucOffset float64) *DacVirtualL1 {
	return &DacVirtualL1{
		pressure:       pressure,
		tsucDependent:  tsucDependent,
		tempDifference: NewTemperatureDifferenceL1(),
		noTsuc:         NewNoTsucL1(),
		psucOffset:     psucOffset,
		unfiltered:     ringbuffer.New[bool](majorityWindow),
	}
}

func (d *DacVirtualL1) Reset() {
	if d.pressure != nil {
		d.pressure.Reset()
	}
	d.tsucDependent.Reset()
	d.tempDifference.Reset()
	d.noTsuc.Reset()
	d.unfiltered.Clear()
}

func (d *DacVirtualL1) Step(s Sample) Tri {
	if s.PsucOk {
		s.Psuc += d.psucOffset
	}

	raw := d.stepInner(s)

	switch on, ok := raw.Bool(); {
	case ok:
		d.unfiltered.Insert(on)
	default:
		d.unfiltered.InsertAbsent()
	}

	return d.majority()
}

// stepInner runs every configured inner strategy in priority order and
// keeps the first non-absent verdict, matching calc_l1_inner's
// first-non-absent-wins fold. Every strategy is still stepped (never
// short-circuited), since each must see every sample to keep its
// rolling buffers correct for future calls.
func (d *DacVirtualL1) stepInner(s Sample) Tri {
	var result Tri = Absent
	var haveResult bool

	take := func(t Tri) {
		if !haveResult && t != Absent {
			result = t
			haveResult = true
		}
	}

	if d.pressure != nil {
		take(d.pressure.Step(s))
	}
	take(d.tsucDependent.Step(s))
	take(d.tempDifference.Step(s))
	take(d.noTsuc.Step(s))

	return result
}

// dacVirtualL1State is DacVirtualL1's persisted form: the nested
// states of whichever inner strategies carry buffers, plus the raw
// decision history the majority filter reads. Which inner strategies
// are wired in (pressure present/absent, self/general TemperatureOnly)
// is not persisted -- NewStrategy re-derives that from HwConfig, and
// restoreState only ever runs against a DacVirtualL1 already built
// that way for the current config.
type dacVirtualL1State struct {
	HasPressure    bool
	Pressure       json.RawMessage `json:",omitempty"`
	TsucDependent  json.RawMessage `json:",omitempty"`
	TempDifference json.RawMessage
	Unfiltered     []ringbuffer.Entry[bool]
}

func (d *DacVirtualL1) persistState() json.RawMessage {
	state := dacVirtualL1State{
		HasPressure:    d.pressure != nil,
		TempDifference: d.tempDifference.persistState(),
		Unfiltered:     d.unfiltered.Snapshot(),
	}
	if d.pressure != nil {
		state.Pressure = d.pressure.persistState()
	}
	if p, ok := d.tsucDependent.(persistable); ok {
		state.TsucDependent = p.persistState()
	}

	b, err := json.Marshal(state)
	if err != nil {
		panic(fmt.Errorf("l1: marshal dac-virtual state: %w", err))
	}
	return b
}

func (d *DacVirtualL1) restoreState(data json.RawMessage) error {
	var s dacVirtualL1State
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	if s.HasPressure && d.pressure != nil && len(s.Pressure) > 0 {
		if err := d.pressure.restoreState(s.Pressure); err != nil {
			return err
		}
	}
	if p, ok := d.tsucDependent.(persistable); ok && len(s.TsucDependent) > 0 {
		if err := p.restoreState(s.TsucDependent); err != nil {
			return err
		}
	}
	if err := d.tempDifference.restoreState(s.TempDifference); err != nil {
		return err
	}
	d.unfiltered.Restore(s.Unfiltered)
	return nil
}

func (d *DacVirtualL1) majority() Tri {
	window := make([]Tri, 0, majorityWindow)
	for i := 0; i < d.unfiltered.Cap(); i++ {
		on, ok := d.unfiltered.Get(i)
		if !ok {
			window = append(window, Absent)
			continue
		}
		window = append(window, triFromBool(on))
	}
	return MajorityFilter(window)
}
