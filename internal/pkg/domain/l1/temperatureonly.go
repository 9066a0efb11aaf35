package l1

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/diwise/iotpipe/internal/pkg/domain/ringbuffer"
)

// resamplingTime is the downsample period TemperatureOnly* strategies
// filter their rolling windows at: one kept sample every 15 raw
// seconds.
const resamplingTime = 15 * time.Second

// TemperatureOnly is the DacVirtualL1 inner strategy used when no
// suction pressure is available: it infers the compressor signal from
// Tamb/Tsuc/Tliq trends alone, at a downsampled 1-sample-per-15s
// cadence. self records which external device-application variant
// constructed it; both currently evaluate against the same threshold
// table, since no distinct "general" table exists in the retrieved
// source (see DESIGN.md open question 2).
type TemperatureOnly struct {
	self bool

	tsucMemoryFiltered *ringbuffer.Buffer[float64] // 45 min at 1/15Hz
	tliqMemoryFiltered *ringbuffer.Buffer[float64] // 150 min at 1/15Hz
	tsucMemory         *ringbuffer.Buffer[float64] // 13 raw samples
	tliqMemory         *ringbuffer.Buffer[float64] // 13 raw samples

	lastFilterTick time.Time
	hasFilterTick  bool
}

// NewTemperatureOnlySelf builds the "self" numeric variant, keyed by
// the external application tag "self" (spec.md §4.3 / §9).
func NewTemperatureOnlySelf() *TemperatureOnly { return newTemperatureOnly(true) }

// NewTemperatureOnlyGeneral builds the non-"self" numeric variant.
func NewTemperatureOnlyGeneral() *TemperatureOnly { return newTemperatureOnly(false) }

func newTemperatureOnly(self bool) *TemperatureOnly {
	t := &TemperatureOnly{self: self}
	t.alloc()
	return t
}

func (t *TemperatureOnly) alloc() {
	t.tsucMemoryFiltered = ringbuffer.New[float64](45*60/15 + 1)
	t.tliqMemoryFiltered = ringbuffer.New[float64](150*60/15 + 1)
	t.tsucMemory = ringbuffer.New[float64](13)
	t.tliqMemory = ringbuffer.New[float64](13)
}

func (t *TemperatureOnly) Reset() {
	t.tsucMemoryFiltered.Clear()
	t.tliqMemoryFiltered.Clear()
	t.tsucMemory.Clear()
	t.tliqMemory.Clear()
	t.hasFilterTick = false
}

func (t *TemperatureOnly) Step(s Sample) Tri {
	if !s.TambOk || !s.TsucOk || !s.TliqOk {
		return Absent
	}

	tamb := round01(s.Tamb)
	tsucRaw := round01(s.Tsuc)
	tliqRaw := round01(s.Tliq)

	if !t.hasFilterTick || !s.Ts.Before(t.lastFilterTick.Add(resamplingTime)) {
		t.tsucMemory.Insert(tsucRaw)
		t.tliqMemory.Insert(tliqRaw)

		tsucAvg, tsucOk := ringbuffer.MovingAvg(t.tsucMemory, 12, 0)
		tliqAvg, tliqOk := ringbuffer.MovingAvg(t.tliqMemory, 12, 0)
		if tsucOk {
			t.tsucMemoryFiltered.Insert(tsucAvg)
		} else {
			t.tsucMemoryFiltered.InsertAbsent()
		}
		if tliqOk {
			t.tliqMemoryFiltered.Insert(tliqAvg)
		} else {
			t.tliqMemoryFiltered.InsertAbsent()
		}
		t.lastFilterTick = s.Ts
		t.hasFilterTick = true
	}

	tsucAvg, tsucOk := ringbuffer.MovingAvg(t.tsucMemory, 12, 0)
	tliqAvg, tliqOk := ringbuffer.MovingAvg(t.tliqMemory, 12, 0)
	if !tsucOk || !tliqOk {
		return Absent
	}

	tsuc, tliq := tsucAvg, tliqAvg

	shouldBeOff := evalTemperatureOnlyConditions(t.tsucMemoryFiltered, t.tliqMemoryFiltered, tamb, tsuc, tliq, temperatureOnlyThresholdsDefault)
	return triFromBool(!shouldBeOff)
}

// temperatureOnlyState is TemperatureOnly's persisted form. The
// self/general variant selection is not persisted: it is re-derived
// from HwConfig.ApplicationTag by NewStrategy every time, same as
// PressureBasedL1's fluid-derived limits.
type temperatureOnlyState struct {
	TsucMemoryFiltered []ringbuffer.Entry[float64]
	TliqMemoryFiltered []ringbuffer.Entry[float64]
	TsucMemory         []ringbuffer.Entry[float64]
	TliqMemory         []ringbuffer.Entry[float64]
	LastFilterTick     time.Time
	HasFilterTick      bool
}

func (t *TemperatureOnly) persistState() json.RawMessage {
	b, err := json.Marshal(temperatureOnlyState{
		TsucMemoryFiltered: t.tsucMemoryFiltered.Snapshot(),
		TliqMemoryFiltered: t.tliqMemoryFiltered.Snapshot(),
		TsucMemory:         t.tsucMemory.Snapshot(),
		TliqMemory:         t.tliqMemory.Snapshot(),
		LastFilterTick:     t.lastFilterTick,
		HasFilterTick:      t.hasFilterTick,
	})
	if err != nil {
		panic(fmt.Errorf("l1: marshal temperature-only state: %w", err))
	}
	return b
}

func (t *TemperatureOnly) restoreState(data json.RawMessage) error {
	var s temperatureOnlyState
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	t.tsucMemoryFiltered.Restore(s.TsucMemoryFiltered)
	t.tliqMemoryFiltered.Restore(s.TliqMemoryFiltered)
	t.tsucMemory.Restore(s.TsucMemory)
	t.tliqMemory.Restore(s.TliqMemory)
	t.lastFilterTick = s.LastFilterTick
	t.hasFilterTick = s.HasFilterTick
	return nil
}

func round01(v float64) float64 {
	scaled := v * 10.0
	if scaled >= 0 {
		return float64(int64(scaled+0.5)) / 10.0
	}
	return float64(int64(scaled-0.5)) / 10.0
}

// temperatureOnlyThresholds holds the numeric knobs that differ
// between the "self" and "general" variants; both share the same
// condition *shape*, ported from
// original_source/.../temperature_only_self.rs.
type temperatureOnlyThresholds struct {
	tambTsuc1, tliqTamb1 float64 // condition 0
}

// temperatureOnlyThresholdsDefault is shared by both the "self" and
// "general" variants: temperature_only_self.rs is the only threshold
// table present in the retrieved original_source, so there is no known
// distinct general-variant table to port. See DESIGN.md open question 2.
var temperatureOnlyThresholdsDefault = temperatureOnlyThresholds{tambTsuc1: 2.5, tliqTamb1: 3.0}

// evalTemperatureOnlyConditions evaluates the bank of 18 "should be
// off" conditions from temperature_only_self.rs. A condition whose
// required deltas are unavailable (buffer not yet full) counts as
// false, matching the original's `cond.unwrap_or(false)` fold.
func evalTemperatureOnlyConditions(tsucF, tliqF *ringbuffer.Buffer[float64], tamb, tsuc, tliq float64, th temperatureOnlyThresholds) bool {
	w := func(seconds int) int { return seconds / 15 }
	anyGT := func(buf *ringbuffer.Buffer[float64], windows []int, threshold float64) bool {
		for _, win := range windows {
			if d, ok := ringbuffer.Delta(buf, win); ok && d > threshold {
				return true
			}
		}
		return false
	}
	anyLT := func(buf *ringbuffer.Buffer[float64], windows []int, threshold float64) bool {
		for _, win := range windows {
			if d, ok := ringbuffer.Delta(buf, win); ok && d < threshold {
				return true
			}
		}
		return false
	}
	gt := func(buf *ringbuffer.Buffer[float64], win int, threshold float64) (bool, bool) {
		d, ok := ringbuffer.Delta(buf, win)
		return ok && d > threshold, ok
	}

	c0 := false
	if d, ok := gt(tsucF, w(60), -0.7); ok {
		c0 = d && tamb-tsuc < 2.5 && tliq-tamb < th.tliqTamb1
	}

	c1 := false
	if d, ok := ringbuffer.Delta(tsucF, w(60)); ok {
		c1 = (d > 0.8) && tliq-tamb < 2.5
	}

	commonWindows := []int{w(4 * 60), w(6 * 60), w(8 * 60), w(10 * 60), w(12 * 60), w(15 * 60)}
	deltaTsuc120GE0 := false
	if d, ok := ringbuffer.Delta(tsucF, w(120)); ok {
		deltaTsuc120GE0 = d >= 0.0
	}
	c2 := anyGT(tsucF, commonWindows, 2.0) &&
		deltaTsuc120GE0 &&
		(anyLT(tliqF, commonWindows, -2.0) || anyGT(tsucF, commonWindows, 7.0)) &&
		(tliq-tamb >= 2.5)

	c3 := tliq-tamb < 3.0 && tsuc > 28.0

	c4 := func() bool {
		tsucDeltas := anyGT(tsucF, commonWindows, 5.0)
		d, ok := ringbuffer.Delta(tsucF, w(120))
		tsucDelta120 := ok && tsucDeltas && d >= 0.0
		return tsucDelta120 && tsucDeltas && tliq-tamb < 2.5
	}()

	c5 := false
	if d, ok := ringbuffer.Delta(tliqF, w(20*60)); ok {
		c5 = tliq-tamb < 3.0 && d < 5.5 && tamb-tsuc < 2.5
	}

	smallWindows := []int{w(30), w(45), w(60), w(75), w(120), w(5 * 60), w(10 * 60)}
	c6 := func() bool {
		tsucDeltas := anyGT(tsucF, smallWindows, 5.0)
		t1m, ok1 := ringbuffer.Delta(tsucF, w(60))
		t5m, ok5 := ringbuffer.Delta(tsucF, w(300))
		return ok1 && ok5 && tsucDeltas && t1m > -5.0 && t5m > -5.0
	}()

	c7 := false
	if d, ok := ringbuffer.Delta(tsucF, w(60)); ok {
		c7 = d > -0.35 && tamb-tsuc < 4.0 && tliq-tamb < 2.3
	}

	longWindows8 := []int{w(4 * 60), w(270), w(5 * 60), w(8 * 60), w(10 * 60), w(12 * 60), w(15 * 60), w(20 * 60), w(25 * 60), w(30 * 60), w(35 * 60), w(45 * 60)}
	c8 := anyGT(tsucF, longWindows8, 6.0) && anyGT(tsucF, []int{w(60), w(5 * 60), w(10 * 60)}, 6.0)

	c9 := false
	if d, ok := ringbuffer.Delta(tsucF, w(60)); ok {
		c9 = d > -0.35 && tamb-tsuc < 4.0 && tliq-tamb < 2.3
	}

	c10 := tliq-tamb < 2.5 && tamb-tsuc < 2.5 && tliq-tsuc < 3.0

	c11 := false
	if d60s, ok60 := ringbuffer.Delta(tsucF, w(60)); ok60 {
		if d90s, ok90 := ringbuffer.Delta(tsucF, w(90)); ok90 {
			c11 = (d60s > 3.0 || d90s > 3.0) && tliq-tamb < 3.0
		}
	}

	c12 := func() bool {
		windowsA := []int{w(60), w(120), w(4 * 60), w(270), w(5 * 60), w(6 * 60), w(8 * 60), w(10 * 60), w(12 * 60), w(15 * 60), w(20 * 60), w(25 * 60), w(30 * 60), w(35 * 60), w(45 * 60)}
		tsucGt45 := anyGT(tsucF, windowsA, 4.5)
		windowsB := []int{w(60), w(5 * 60), w(10 * 60)}
		tsucGtM5 := anyGT(tsucF, windowsB, -5.0)
		return tliq-tamb < 4.0 && tsucGt45 && tsucGtM5
	}()

	c13 := tliq-tsuc < 3.0 && tsuc > 15.0

	c14 := tliq-tamb < 11.0 && tamb-tsuc < 1.0 && tsuc > 35.0

	c15 := anyGT(tsucF, []int{w(60), w(90), w(120), w(150), w(180)}, 2.0)

	c16 := anyLT(tliqF, []int{w(4 * 60), w(270), w(5 * 60), w(8 * 60), w(10 * 60), w(12 * 60), w(15 * 60), w(20 * 60), w(25 * 60), w(30 * 60), w(35 * 60), w(45 * 60), w(60 * 60), w(75 * 60), w(90 * 60), w(120 * 60), w(150 * 60)}, -5.0)

	c17 := tliq-tsuc < 5.7 && tsuc > tamb

	return c0 || c1 || c2 || c3 || c4 || c5 || c6 || c7 || c8 || c9 || c10 || c11 || c12 || c13 || c14 || c15 || c16 || c17
}
