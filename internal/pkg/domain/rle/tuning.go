package rle

// shortPeriod is the period length (seconds) above which the
// slower-reacting EMA factor is used for temperature/pressure/
// superheat-subcooling series, per spec.md §4.5's documented tuning.
const shortPeriod = 10000

// NewCompressorOnCompiler returns the boolean Lcmp/L1 compiler tuned
// per device kind: VRF and simulated-L1 devices hold a 60-sample
// minimum run to suppress the 1-second flips a majority-filtered
// signal can still produce at its edges; every other device kind uses
// the default of 1 (every change recorded).
func NewCompressorOnCompiler(isVRFOrSimulated bool) *Compiler {
	minRun := 1
	if isVRFOrSimulated {
		minRun = 60
	}
	return NewCompilerBuilder().WithMinRunLength(minRun).BuildCommon()
}

// NewThermostatCompiler returns the compiler tuned for thermostat
// state series.
func NewThermostatCompiler() *Compiler {
	return NewCompilerBuilder().WithMinRunLength(5).BuildCommon()
}

// NewTemperatureCompiler returns the float compiler tuned for
// temperature series: quantized at 5 steps per degC, EMA factor chosen
// by period length.
func NewTemperatureCompiler(periodLength int) *FloatCompiler {
	return NewCompilerBuilder().
		WithRoundSteps(5, 1).
		WithFilterFactor(emaFactor(periodLength, 0.1, 0.3)).
		BuildFloat()
}

// NewPressureCompiler returns the float compiler tuned for pressure
// series.
func NewPressureCompiler(periodLength int) *FloatCompiler {
	return NewCompilerBuilder().
		WithRoundSteps(5, 1).
		WithFilterFactor(emaFactor(periodLength, 0.09, 0.2)).
		BuildFloat()
}

// NewSuperheatSubcoolCompiler returns the float compiler tuned for
// Tsh/Tsc series.
func NewSuperheatSubcoolCompiler(periodLength int) *FloatCompiler {
	return NewCompilerBuilder().
		WithRoundSteps(5, 1).
		WithFilterFactor(emaFactor(periodLength, 0.075, 0.2)).
		BuildFloat()
}

func emaFactor(periodLength int, longPeriodFactor, shortPeriodFactor float64) float64 {
	if periodLength > shortPeriod {
		return longPeriodFactor
	}
	return shortPeriodFactor
}
