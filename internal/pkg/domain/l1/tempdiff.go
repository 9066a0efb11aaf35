package l1

import (
	"encoding/json"
	"fmt"

	"github.com/diwise/iotpipe/internal/pkg/domain/ringbuffer"
)

// tempDiffWindow is how many samples the trend of (Tsuc - Tliq) is
// evaluated over.
const tempDiffWindow = 60

// tempDiffOnThreshold is the rising-trend threshold (deg C) above
// which the suction/liquid split is read as the compressor having
// turned on.
const tempDiffOnThreshold = 1.0

// TemperatureDifferenceL1 is the simplest DacVirtualL1 inner strategy:
// it tracks the trend of (Tsuc - Tliq) over a short rolling window and
// infers ON when that trend is rising past a threshold, OFF when it is
// falling past the negated threshold, and absent while the window is
// not yet full (see DESIGN.md open question 3: this is the literal
// "simple rule" the spec describes, not the larger DUT-specific
// algorithm original_source/ ports for a different device kind).
type TemperatureDifferenceL1 struct {
	diff *ringbuffer.Buffer[float64]
}

func NewTemperatureDifferenceL1() *TemperatureDifferenceL1 {
	return &TemperatureDifferenceL1{diff: ringbuffer.New[float64](tempDiffWindow + 1)}
}

func (t *TemperatureDifferenceL1) Reset() {
	t.diff.Clear()
}

func (t *TemperatureDifferenceL1) Step(s Sample) Tri {
	if !s.TsucOk || !s.TliqOk {
		t.diff.InsertAbsent()
		return Absent
	}

	t.diff.Insert(s.Tsuc - s.Tliq)

	trend, ok := ringbuffer.Delta(t.diff, tempDiffWindow)
	if !ok {
		return Absent
	}

	switch {
	case trend >= tempDiffOnThreshold:
		return On
	case trend <= -tempDiffOnThreshold:
		return Off
	default:
		return Absent
	}
}

type temperatureDifferenceL1State struct {
	Diff []ringbuffer.Entry[float64]
}

func (t *TemperatureDifferenceL1) persistState() json.RawMessage {
	b, err := json.Marshal(temperatureDifferenceL1State{Diff: t.diff.Snapshot()})
	if err != nil {
		panic(fmt.Errorf("l1: marshal temperature-difference state: %w", err))
	}
	return b
}

func (t *TemperatureDifferenceL1) restoreState(data json.RawMessage) error {
	var s temperatureDifferenceL1State
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	t.diff.Restore(s.Diff)
	return nil
}
