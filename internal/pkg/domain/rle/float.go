package rle

import (
	"math"
	"strconv"
)

// FloatCompiler wraps Compiler with EMA smoothing and quantization for
// numeric series: `filtered = alpha*raw + (1-alpha)*filtered_prev`,
// then `q = round(filtered*steps)/steps`, emitting a new run only when
// q changes from the last emitted quantized value.
type FloatCompiler struct {
	inner *Compiler

	lastFloatValue   float64
	hasLastFloat     bool
	filteredValue    float64
	filterFactorNew  float64
	filterFactorLast float64
	roundSteps       float64
}

// NewFloatCompiler builds a float compiler with the given
// quantization step (roundStepsNum/roundStepsDen) and EMA factor.
func NewFloatCompiler(roundStepsNum, roundStepsDen int, filterFactorNew float64) *FloatCompiler {
	f := &FloatCompiler{
		inner:            NewCompiler(),
		roundSteps:       float64(roundStepsNum) / float64(roundStepsDen),
		filterFactorNew:  filterFactorNew,
		filterFactorLast: 1 - filterFactorNew,
	}
	f.Clear()
	return f
}

// Clear resets both the smoothing filter and the wrapped compiler.
func (f *FloatCompiler) Clear() {
	f.lastFloatValue = 0
	f.hasLastFloat = true
	f.filteredValue = 0
	f.inner.Clear()
}

// AddPoint records one floating-point sample, or an absent one when
// present is false. The EMA filter resets (takes the raw value
// verbatim) at stream start, after a gap, or right after an absent
// point, matching the Rust original's `saved_length == 0 ||
// last_value.is_empty() || delta > tolerance_time` reset condition.
func (f *FloatCompiler) AddPoint(index int, value float64, present bool, toleranceTime int) {
	if f.inner.hasError {
		return
	}
	if !present {
		f.hasLastFloat = false
		f.inner.AddPoint(index, "", toleranceTime)
		return
	}

	delta := index - f.inner.lastIndex
	if f.inner.savedLength == 0 || f.inner.lastValue == "" || delta > toleranceTime {
		f.filteredValue = value
	}

	stage1 := value*f.filterFactorNew + f.filteredValue*f.filterFactorLast
	stage2 := math.Round(stage1*f.roundSteps) / f.roundSteps
	f.filteredValue = stage1

	if f.inner.savedLength > 0 && f.hasLastFloat && f.lastFloatValue == stage2 {
		f.inner.AddPoint(index, f.inner.lastValue, toleranceTime)
		return
	}

	f.lastFloatValue = stage2
	f.hasLastFloat = true
	f.inner.AddPoint(index, strconv.FormatFloat(stage2, 'g', -1, 64), toleranceTime)
}

// Close closes the wrapped compiler exactly as Compiler.Close does.
func (f *FloatCompiler) Close(periodLength int) string { return f.inner.Close(periodLength) }

// HasError reports the wrapped compiler's error state.
func (f *FloatCompiler) HasError() bool { return f.inner.HasError() }

// IsEmpty reports the wrapped compiler's empty state.
func (f *FloatCompiler) IsEmpty() bool { return f.inner.IsEmpty() }
