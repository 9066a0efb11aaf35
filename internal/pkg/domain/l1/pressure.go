package l1

import (
	"encoding/json"
	"fmt"

	"github.com/diwise/iotpipe/internal/pkg/domain/ringbuffer"
)

// PressureBasedL1 is the DacVirtualL1 inner strategy used when a
// device has a suction-pressure channel and a known refrigerant. It
// tracks raw and moving-average windows of Tsuc/Tliq/Psuc and
// evaluates 14 "should be off" heuristics; the compressor is inferred
// ON iff none of them hold.
//
// Fluid selects one of two pressure-limit pairs: r410a and r32 use
// (9.5, 8.0) bar, everything else uses (6.5, 5.5) bar.
type PressureBasedL1 struct {
	psucMemory         *ringbuffer.Buffer[float64] // 30 min at 1Hz
	tsucMemoryFiltered *ringbuffer.Buffer[float64] // 75 min at 1Hz
	tsucMemory         *ringbuffer.Buffer[float64] // 12s raw
	tliqMemory         *ringbuffer.Buffer[float64] // 12s raw

	pressureLimit1, pressureLimit2 float64

	minRawPsucADC int
}

// NewPressureBasedL1 requires a known fluid; NewStrategy in select.go
// only builds this strategy for a device with a suction-pressure
// channel and a configured refrigerant.
func NewPressureBasedL1(fluid string) *PressureBasedL1 {
	limit1, limit2 := 6.5, 5.5
	switch fluid {
	case "r410a", "r32":
		limit1, limit2 = 9.5, 8.0
	}
	p := &PressureBasedL1{
		pressureLimit1: limit1,
		pressureLimit2: limit2,
		minRawPsucADC:  70,
	}
	p.alloc()
	return p
}

func (p *PressureBasedL1) alloc() {
	p.psucMemory = ringbuffer.New[float64](30*60 + 1)
	p.tsucMemoryFiltered = ringbuffer.New[float64](75*60 + 1)
	p.tsucMemory = ringbuffer.New[float64](13)
	p.tliqMemory = ringbuffer.New[float64](13)
}

func (p *PressureBasedL1) Reset() {
	p.psucMemory.Clear()
	p.tsucMemoryFiltered.Clear()
	p.tsucMemory.Clear()
	p.tliqMemory.Clear()
}

func (p *PressureBasedL1) Step(s Sample) Tri {
	if !s.TsucOk || !s.PsucOk || !s.TambOk || !s.TliqOk {
		p.tsucMemory.InsertAbsent()
		p.tliqMemory.InsertAbsent()
		p.psucMemory.InsertAbsent()
		p.tsucMemoryFiltered.InsertAbsent()
		return Absent
	}

	p.tsucMemory.Insert(s.Tsuc)
	p.psucMemory.Insert(s.Psuc)
	p.tliqMemory.Insert(s.Tliq)

	if !s.RawPsucADCOk || s.RawPsucADC < p.minRawPsucADC {
		p.tsucMemoryFiltered.InsertAbsent()
		return Absent
	}

	tsucAvg, tsucOk := ringbuffer.MovingAvg(p.tsucMemory, 12, 0)
	psucAvg, psucOk := ringbuffer.MovingAvg(p.psucMemory, 12, 0)
	tliqAvg, tliqOk := ringbuffer.MovingAvg(p.tliqMemory, 12, 0)

	if tsucOk {
		p.tsucMemoryFiltered.Insert(tsucAvg)
	} else {
		p.tsucMemoryFiltered.InsertAbsent()
	}

	if !tsucOk || !psucOk || !tliqOk {
		return Absent
	}

	tamb := s.Tamb
	tambMTsuc := tamb - tsucAvg
	tliqMTamb := tliqAvg - tamb
	tliqMTsuc := tliqAvg - tsucAvg
	psucGtLimit1 := psucAvg > p.pressureLimit1
	psucGtLimit2 := psucAvg > p.pressureLimit2

	dtsuc30, dtsuc30ok := ringbuffer.Delta(p.tsucMemoryFiltered, 30)
	dtsuc60, dtsuc60ok := ringbuffer.Delta(p.tsucMemoryFiltered, 60)
	dtsuc120, dtsuc120ok := ringbuffer.Delta(p.tsucMemoryFiltered, 120)
	dtsuc170, dtsuc170ok := ringbuffer.Delta(p.tsucMemoryFiltered, 170)
	dpsuc15, dpsuc15ok := ringbuffer.Delta(p.psucMemory, 15)
	dpsuc240, dpsuc240ok := ringbuffer.Delta(p.psucMemory, 240)
	dpsuc600, dpsuc600ok := ringbuffer.Delta(p.psucMemory, 600)
	dpsuc30m, dpsuc30mOk := ringbuffer.Delta(p.psucMemory, 30*60)

	na := tristateBool{}
	cond := func(ok bool, val bool) tristateBool { return tristateBool{ok: ok, val: val} }

	conditions := make([]tristateBool, 14)

	conditions[0] = na
	if dtsuc60ok {
		conditions[0] = cond(true, dtsuc60 > -0.35 && tambMTsuc < 2.5 && tliqMTamb < 4.0 && (psucAvg > p.pressureLimit1 || psucAvg < 2.0))
	}

	conditions[1] = na
	if dtsuc170ok {
		conditions[1] = cond(true, dtsuc170 >= -0.4 && psucGtLimit1 && tambMTsuc < 8.0 && tliqMTsuc < 16.0)
	}

	conditions[2] = na
	if dpsuc15ok && dpsuc600ok && dtsuc60ok {
		conditions[2] = cond(true, (dpsuc15 > 2.5 || dpsuc600 > 0.4) && (dtsuc60 > 0.8 || tambMTsuc < 2.5) && tambMTsuc < 16.0 && tliqMTsuc < 16.0)
	}

	conditions[3] = na
	if dtsuc120ok {
		conditions[3] = cond(true, dtsuc120 > 0.4 && psucGtLimit1 && tambMTsuc < 16.0 && tliqMTsuc < 16.0)
	}

	conditions[4] = na
	if dtsuc60ok {
		conditions[4] = cond(true, dtsuc60 > -0.9 && psucGtLimit1 && tambMTsuc < 16.0 && tliqMTsuc < 16.0)
	}

	conditions[5] = na
	if dtsuc60ok {
		conditions[5] = cond(true, dtsuc60 > -0.35 && (tliqAvg-tsucAvg < 2.0) && tsucAvg > 20.0 && tambMTsuc < 16.0 && tliqMTamb < 16.0)
	}

	conditions[6] = na
	if dtsuc60ok {
		conditions[6] = cond(true, dtsuc60 > -0.35 && ((tambMTsuc < 4.5 && tliqMTamb < -1.2) || (tambMTsuc < 1.0 && tliqMTamb < 3.8)))
	}

	conditions[7] = na
	if dtsuc60ok {
		conditions[7] = cond(true, dtsuc60 > -0.35 && tambMTsuc < 1.5 && tliqMTamb < 3.8)
	}

	longWindows := []int{2 * 60, 3 * 60, 5 * 60, 8 * 60, 10 * 60, 15 * 60, 30 * 60, 45 * 60, 60 * 60, 75 * 60}
	deltasCondition8 := foldDeltaGT6(p.tsucMemoryFiltered, longWindows)

	conditions[8] = na
	if dtsuc30ok && dpsuc240ok && deltasCondition8.ok {
		conditions[8] = cond(true, deltasCondition8.val && dtsuc30 >= -1.3 && dpsuc240 >= -3.5 && tliqMTamb < 6.5)
	}

	conditions[9] = na
	if dpsuc600ok && dpsuc30mOk {
		conditions[9] = cond(true, dpsuc600 > 5.0 || dpsuc30m > 5.0)
	}

	shortWindows := []int{2 * 60, 4 * 60, 6 * 60, 8 * 60, 10 * 60}
	deltasCondition10 := foldDeltaGT6(p.tsucMemoryFiltered, shortWindows)

	conditions[10] = na
	if deltasCondition10.ok {
		conditions[10] = cond(true, deltasCondition10.val && psucGtLimit2)
	}

	conditions[11] = cond(true, (tsucAvg > tliqAvg || tsucAvg > tamb) && tsucAvg > 21.0 && (tliqMTamb < 4.5) && (tliqAvg-tsucAvg < 4.5))

	conditions[12] = na
	if dtsuc60ok {
		conditions[12] = cond(true, dtsuc60 > -0.35 && (tamb-tsucAvg < 4.0) && (tliqMTamb < 4.5) && (tliqAvg-tsucAvg < 4.5))
	}

	conditions[13] = cond(true, tamb-tsucAvg < 0.5 && tliqMTamb < 9.5 && psucAvg < 1.0)

	shouldBeOff := foldOr(conditions)
	if !shouldBeOff.ok {
		return Absent
	}
	return triFromBool(!shouldBeOff.val)
}

// pressureBasedL1State is PressureBasedL1's persisted form: its four
// rolling buffers. Limit/ADC-floor configuration is not persisted --
// it is re-derived from HwConfig.Fluid by NewPressureBasedL1 every
// time a strategy is constructed, and the persistence contract only
// ever restores into a strategy already built from the current config.
type pressureBasedL1State struct {
	PsucMemory         []ringbuffer.Entry[float64]
	TsucMemoryFiltered []ringbuffer.Entry[float64]
	TsucMemory         []ringbuffer.Entry[float64]
	TliqMemory         []ringbuffer.Entry[float64]
}

func (p *PressureBasedL1) persistState() json.RawMessage {
	b, err := json.Marshal(pressureBasedL1State{
		PsucMemory:         p.psucMemory.Snapshot(),
		TsucMemoryFiltered: p.tsucMemoryFiltered.Snapshot(),
		TsucMemory:         p.tsucMemory.Snapshot(),
		TliqMemory:         p.tliqMemory.Snapshot(),
	})
	if err != nil {
		panic(fmt.Errorf("l1: marshal pressure state: %w", err))
	}
	return b
}

func (p *PressureBasedL1) restoreState(data json.RawMessage) error {
	var s pressureBasedL1State
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	p.psucMemory.Restore(s.PsucMemory)
	p.tsucMemoryFiltered.Restore(s.TsucMemoryFiltered)
	p.tsucMemory.Restore(s.TsucMemory)
	p.tliqMemory.Restore(s.TliqMemory)
	return nil
}

// tristateBool is a three-valued boolean condition result: ok=false
// means absent (unknown), matching the original's Option<bool>.
type tristateBool struct {
	ok, val bool
}

// foldDeltaGT6 computes, over a list of window sizes, whether *any*
// available `delta(window) > 6.0` in the buffer, folding absent
// windows out the same way the original's Option<bool> OR-fold does:
// any true wins, else any false wins, else absent.
func foldDeltaGT6(buf *ringbuffer.Buffer[float64], windows []int) tristateBool {
	conds := make([]tristateBool, 0, len(windows))
	for _, w := range windows {
		d, ok := ringbuffer.Delta(buf, w)
		if !ok {
			conds = append(conds, tristateBool{})
			continue
		}
		conds = append(conds, tristateBool{ok: true, val: d > 6.0})
	}
	return foldOr(conds)
}

// foldOr implements the "any true wins, else any false wins, else
// absent" fold used both to combine the per-window delta conditions
// and to combine the final 14 should-be-off conditions.
func foldOr(conds []tristateBool) tristateBool {
	result := tristateBool{}
	for _, c := range conds {
		if !c.ok {
			continue
		}
		if c.val {
			return tristateBool{ok: true, val: true}
		}
		result = tristateBool{ok: true, val: false}
	}
	return result
}
