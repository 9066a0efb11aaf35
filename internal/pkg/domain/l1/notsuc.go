package l1

// NoTsucL1 is the degenerate fallback inner strategy: when none of
// PressureBasedL1, TemperatureOnly*, or TemperatureDifferenceL1 can
// reach a verdict, this always returns absent.
type NoTsucL1 struct{}

func NewNoTsucL1() *NoTsucL1 { return &NoTsucL1{} }

func (n *NoTsucL1) Step(Sample) Tri { return Absent }
func (n *NoTsucL1) Reset()          {}
