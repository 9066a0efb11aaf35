package l1

// PhysicalL1 is the passthrough strategy: the device reports Lcmp
// directly, so there is nothing to infer.
type PhysicalL1 struct{}

func NewPhysicalL1() *PhysicalL1 { return &PhysicalL1{} }

func (p *PhysicalL1) Step(s Sample) Tri {
	return s.Lcmp
}

func (p *PhysicalL1) Reset() {}
