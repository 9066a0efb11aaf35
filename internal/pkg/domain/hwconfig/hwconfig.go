// Package hwconfig models per-device hardware configuration and its
// fingerprint: L1 state is valid only while the fingerprint of the
// config it was created under still matches the device's current
// config.
package hwconfig

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/diwise/iotpipe/internal/pkg/domain/sensors"
	"github.com/samber/lo"
)

// PressureRole names how a physical pressure channel (P0 or P1) is
// used, if at all.
type PressureRole int

const (
	PressureUnused PressureRole = iota
	PressureSuction
	PressureLiquid
)

// PressureChannel is one physical pressure input with its role and
// calibration.
type PressureChannel struct {
	Role        PressureRole
	Calibration sensors.PressureCalibration
}

// HwConfig is the compressor-controller (DAC) hardware configuration:
// the superset of fields the L1 engine and pack decoration need.
// Kind-common fields for other device kinds (thermostats, bridges)
// live alongside it but are not exercised by the L1 engine.
type HwConfig struct {
	DevID string

	IsVRF            bool
	HasAutomation    bool
	SimulateL1       bool
	FancoilL1        bool
	DebugL1Fancoil   bool
	Fluid            string
	PsucOffset       float64
	ApplicationTag   string // external device-application tag; "self" selects TemperatureOnlySelf
	TemperatureTag   string

	P0 PressureChannel
	P1 PressureChannel

	TemperatureMapping sensors.TemperatureMapping

	// Thermostat-only.
	TemperatureOffset float64

	// Bridge-only.
	FormulaMap map[string]string
}

// Validate enforces the spec's config invariant: a pressure channel
// tagged suction or liquid must carry its calibration coefficients,
// and a channel cannot be both roles at once.
func (c HwConfig) Validate() error {
	for _, ch := range []struct {
		name string
		pc   PressureChannel
	}{{"P0", c.P0}, {"P1", c.P1}} {
		if ch.pc.Role == PressureUnused {
			continue
		}
		if ch.pc.Calibration == (sensors.PressureCalibration{}) {
			return fmt.Errorf("hwconfig: %s is tagged suction/liquid but has no calibration coefficients", ch.name)
		}
	}
	return nil
}

// Fingerprint derives a stable, deterministic digest of the config.
// L1 state persisted under one fingerprint is discarded the moment a
// newly loaded config fingerprints differently.
func (c HwConfig) Fingerprint() string {
	// Marshal through an explicit, field-ordered struct rather than c
	// itself so that key order in the JSON encoding (and therefore the
	// digest) never depends on struct field reordering refactors.
	canonical := struct {
		DevID              string
		IsVRF              bool
		HasAutomation      bool
		SimulateL1         bool
		FancoilL1          bool
		DebugL1Fancoil     bool
		Fluid              string
		PsucOffset         float64
		ApplicationTag     string
		TemperatureTag     string
		P0Role             PressureRole
		P0Cal              sensors.PressureCalibration
		P1Role             PressureRole
		P1Cal              sensors.PressureCalibration
		TemperatureMapping sensors.TemperatureMapping
		TemperatureOffset  float64
		FormulaKeys        []string
		FormulaValues      []string
	}{
		DevID:              c.DevID,
		IsVRF:              c.IsVRF,
		HasAutomation:      c.HasAutomation,
		SimulateL1:         c.SimulateL1,
		FancoilL1:          c.FancoilL1,
		DebugL1Fancoil:     c.DebugL1Fancoil,
		Fluid:              c.Fluid,
		PsucOffset:         c.PsucOffset,
		ApplicationTag:     c.ApplicationTag,
		TemperatureTag:     c.TemperatureTag,
		P0Role:             c.P0.Role,
		P0Cal:              c.P0.Calibration,
		P1Role:             c.P1.Role,
		P1Cal:              c.P1.Calibration,
		TemperatureMapping: c.TemperatureMapping,
		TemperatureOffset:  c.TemperatureOffset,
	}

	keys := lo.Keys(c.FormulaMap)
	canonical.FormulaKeys, canonical.FormulaValues = sortedFormulaPairs(keys, c.FormulaMap)

	b, err := json.Marshal(canonical)
	if err != nil {
		// json.Marshal only fails on un-encodable types (channels,
		// funcs); canonical contains neither, so this is unreachable.
		panic(fmt.Errorf("hwconfig: fingerprint marshal: %w", err))
	}

	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum)
}

func sortedFormulaPairs(keys []string, m map[string]string) ([]string, []string) {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	values := make([]string, len(sorted))
	for i, k := range sorted {
		values[i] = m[k]
	}
	return sorted, values
}

// HasSuctionPressure reports whether either pressure channel is tagged
// as the suction-line sensor.
func (c HwConfig) HasSuctionPressure() bool {
	return c.P0.Role == PressureSuction || c.P1.Role == PressureSuction
}

// SuctionCalibration returns the calibration for whichever channel is
// tagged suction.
func (c HwConfig) SuctionCalibration() sensors.PressureCalibration {
	if c.P0.Role == PressureSuction {
		return c.P0.Calibration
	}
	return c.P1.Calibration
}

// LiquidCalibration returns the calibration for whichever channel is
// tagged liquid.
func (c HwConfig) LiquidCalibration() sensors.PressureCalibration {
	if c.P0.Role == PressureLiquid {
		return c.P0.Calibration
	}
	return c.P1.Calibration
}
