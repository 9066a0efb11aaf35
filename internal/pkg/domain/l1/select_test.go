package l1

import (
	"testing"

	"github.com/diwise/iotpipe/internal/pkg/domain/hwconfig"
	"github.com/diwise/iotpipe/internal/pkg/domain/sensors"
	"github.com/matryer/is"
)

func TestNewStrategyVRFWithSuctionPressureSelectsDacVirtualWithPressure(t *testing.T) {
	is := is.New(t)

	cfg := hwconfig.HwConfig{
		IsVRF: true,
		Fluid: "r410a",
		P0: hwconfig.PressureChannel{
			Role:        hwconfig.PressureSuction,
			Calibration: sensors.PressureCalibration{A: 1, B: 1, C: 1},
		},
	}

	s := NewStrategy(cfg)
	dv, ok := s.(*DacVirtualL1)
	is.True(ok)
	is.True(dv.pressure != nil)
}

func TestNewStrategyVRFWithoutSuctionPressureOmitsPressureStrategy(t *testing.T) {
	is := is.New(t)

	cfg := hwconfig.HwConfig{IsVRF: true}

	s := NewStrategy(cfg)
	dv, ok := s.(*DacVirtualL1)
	is.True(ok)
	is.True(dv.pressure == nil)
}

func TestNewStrategySimulateL1AlsoSelectsDacVirtual(t *testing.T) {
	is := is.New(t)

	cfg := hwconfig.HwConfig{SimulateL1: true}

	_, ok := NewStrategy(cfg).(*DacVirtualL1)
	is.True(ok)
}

func TestNewStrategySelfApplicationTagSelectsTemperatureOnlySelf(t *testing.T) {
	is := is.New(t)

	cfg := hwconfig.HwConfig{IsVRF: true, ApplicationTag: "self"}

	dv, ok := NewStrategy(cfg).(*DacVirtualL1)
	is.True(ok)
	inner, ok := dv.tsucDependent.(*TemperatureOnly)
	is.True(ok)
	is.True(inner.self)
}

func TestNewStrategyFancoilWhenNotVRF(t *testing.T) {
	is := is.New(t)

	cfg := hwconfig.HwConfig{FancoilL1: true}

	_, ok := NewStrategy(cfg).(*FancoilL1)
	is.True(ok)
}

func TestNewStrategyPhysicalByDefault(t *testing.T) {
	is := is.New(t)

	_, ok := NewStrategy(hwconfig.HwConfig{}).(*PhysicalL1)
	is.True(ok)
}

func TestShouldResetStrategyFirstObservationAlwaysResets(t *testing.T) {
	is := is.New(t)
	is.True(ShouldResetStrategy(hwconfig.HwConfig{}, false, hwconfig.HwConfig{}))
}

func TestShouldResetStrategyUnrelatedChangeDoesNotReset(t *testing.T) {
	is := is.New(t)

	prev := hwconfig.HwConfig{Fluid: "r410a"}
	next := hwconfig.HwConfig{Fluid: "r410a", TemperatureTag: "changed"}

	is.True(!ShouldResetStrategy(prev, true, next))
}

func TestShouldResetStrategyFluidChangeResets(t *testing.T) {
	is := is.New(t)

	prev := hwconfig.HwConfig{Fluid: "r410a"}
	next := hwconfig.HwConfig{Fluid: "r32"}

	is.True(ShouldResetStrategy(prev, true, next))
}

func TestShouldResetStrategyFancoilChangeIgnoredWhenVRF(t *testing.T) {
	is := is.New(t)

	prev := hwconfig.HwConfig{IsVRF: true, FancoilL1: false}
	next := hwconfig.HwConfig{IsVRF: true, FancoilL1: true}

	is.True(!ShouldResetStrategy(prev, true, next))
}

func TestShouldResetStrategyPressureChangeOnlyMattersForVRF(t *testing.T) {
	is := is.New(t)

	suction := hwconfig.PressureChannel{Role: hwconfig.PressureSuction, Calibration: sensors.PressureCalibration{A: 1, B: 1, C: 1}}

	prevNonVRF := hwconfig.HwConfig{IsVRF: false}
	nextNonVRF := hwconfig.HwConfig{IsVRF: false, P0: suction}
	is.True(!ShouldResetStrategy(prevNonVRF, true, nextNonVRF))

	prevVRF := hwconfig.HwConfig{IsVRF: true}
	nextVRF := hwconfig.HwConfig{IsVRF: true, P0: suction}
	is.True(ShouldResetStrategy(prevVRF, true, nextVRF))
}
