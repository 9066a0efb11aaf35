package rle

// CompilerBuilder configures the tuning knobs C5's contract fixes per
// variable kind (boolean compressor-on series, temperature, pressure,
// superheat/subcooling) before building either compiler flavor.
type CompilerBuilder struct {
	minRunLength    int
	roundStepsNum   int
	roundStepsDen   int
	filterFactorNew float64
}

// NewCompilerBuilder returns a builder with the defaults the Rust
// original falls back to absent explicit tuning: no minimum run
// filtering, unit quantization step, and a 0.5 EMA factor.
func NewCompilerBuilder() *CompilerBuilder {
	return &CompilerBuilder{
		minRunLength:    1,
		roundStepsNum:   1,
		roundStepsDen:   1,
		filterFactorNew: 0.5,
	}
}

func (b *CompilerBuilder) WithMinRunLength(length int) *CompilerBuilder {
	b.minRunLength = length
	return b
}

func (b *CompilerBuilder) WithRoundSteps(num, den int) *CompilerBuilder {
	b.roundStepsNum = num
	b.roundStepsDen = den
	return b
}

func (b *CompilerBuilder) WithFilterFactor(factor float64) *CompilerBuilder {
	b.filterFactorNew = factor
	return b
}

// BuildCommon returns a string-valued Compiler with the configured
// minimum run length.
func (b *CompilerBuilder) BuildCommon() *Compiler {
	c := NewCompiler()
	c.minRunLength = b.minRunLength
	return c
}

// BuildFloat returns a FloatCompiler with the configured minimum run
// length, quantization step, and EMA factor.
func (b *CompilerBuilder) BuildFloat() *FloatCompiler {
	f := NewFloatCompiler(b.roundStepsNum, b.roundStepsDen, b.filterFactorNew)
	f.inner.minRunLength = b.minRunLength
	return f
}
