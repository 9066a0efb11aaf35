package l1

import "github.com/diwise/iotpipe/internal/pkg/domain/hwconfig"

// NewStrategy chooses the top-level L1 strategy for a device's current
// hardware configuration, mirroring create_l1_calculator:
//
//   - IsVRF or SimulateL1 selects DacVirtualL1. PressureBasedL1 is
//     included in it only when the device has a suction-pressure
//     channel and a configured refrigerant (Fluid); otherwise the
//     composite falls straight through to its
//     temperature-only strategies.
//   - Otherwise FancoilL1 is selected when FancoilL1 is configured.
//   - Otherwise PhysicalL1 (the device reports Lcmp directly).
func NewStrategy(cfg hwconfig.HwConfig) Strategy {
	if cfg.IsVRF || cfg.SimulateL1 {
		var pressure *PressureBasedL1
		if cfg.HasSuctionPressure() && cfg.Fluid != "" {
			pressure = NewPressureBasedL1(cfg.Fluid)
		}

		var tsucDependent Strategy
		if cfg.ApplicationTag == "self" {
			tsucDependent = NewTemperatureOnlySelf()
		} else {
			tsucDependent = NewTemperatureOnlyGeneral()
		}

		return NewDacVirtualL1(pressure, tsucDependent, cfg.PsucOffset)
	}

	if cfg.FancoilL1 {
		return NewFancoilL1()
	}

	return NewPhysicalL1()
}

// ShouldResetStrategy reports whether a config change is significant
// enough that the L1 strategy (and therefore its state) must be
// rebuilt from scratch rather than kept across the change, mirroring
// should_update_l1_calc. hasPrev is false the first time a device's
// config is ever observed, which always forces a rebuild.
func ShouldResetStrategy(prev hwconfig.HwConfig, hasPrev bool, next hwconfig.HwConfig) bool {
	if !hasPrev {
		return true
	}

	virtualL1Changed := prev.SimulateL1 != next.SimulateL1
	vrfChanged := prev.IsVRF != next.IsVRF
	fancoilChanged := prev.FancoilL1 != next.FancoilL1 && !next.IsVRF
	pressureChanged := prev.HasSuctionPressure() != next.HasSuctionPressure()
	fluidChanged := prev.Fluid != next.Fluid

	return virtualL1Changed ||
		vrfChanged ||
		fancoilChanged ||
		(next.IsVRF && pressureChanged) ||
		fluidChanged
}
