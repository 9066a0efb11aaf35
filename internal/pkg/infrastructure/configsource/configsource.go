// Package configsource implements dispatch.ConfigSource by polling an
// internal configuration API for the full device-id -> hardware
// configuration mapping, translated from
// original_source/src/app_relay/dash_update.rs's
// `make_cfg_http_req`/`parse_dash_update`: a single POST returns one
// array per device kind (`dacs`, `duts`, `dris`), each row parsed into
// the shared hwconfig.HwConfig shape.
package configsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/diwise/iotpipe/internal/pkg/domain/hwconfig"
	"github.com/diwise/iotpipe/internal/pkg/domain/sensors"
	"github.com/rs/zerolog"
)

const getDevsCfgPath = "/diel-internal/bgtasks/getDevsCfg"

// HTTPSource fetches the device configuration snapshot from the
// internal API server named by baseURL, the way the original
// service's `apiserver_internal_api` is used.
type HTTPSource struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// New builds an HTTPSource. baseURL carries no trailing slash
// requirement; getDevsCfgPath is appended verbatim.
func New(baseURL string, log zerolog.Logger) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

type devsCfgResponse struct {
	Dacs []dacRow `json:"dacs"`
	Duts []dutRow `json:"duts"`
	Dris []driRow `json:"dris"`
}

// dacRow mirrors parse_dac_cfg's field reads off the raw JSON row,
// including the same not-present-defaults-to-zero behavior for the
// pressure calibration coefficients.
type dacRow struct {
	DacID              string   `json:"DAC_ID"`
	IsVrf              bool     `json:"isVrf"`
	HasAutomation      bool     `json:"hasAutomation"`
	CalculateL1Fancoil bool     `json:"calculate_L1_fancoil"`
	DebugL1Fancoil     bool     `json:"debug_L1_fancoil"`
	SimulateL1         bool     `json:"virtualL1"`
	P0Psuc             bool     `json:"P0Psuc"`
	P1Psuc             bool     `json:"P1Psuc"`
	P0Pliq             bool     `json:"P0Pliq"`
	P1Pliq             bool     `json:"P1Pliq"`
	P0MultQuad         float64  `json:"P0multQuad"`
	P0MultLin          float64  `json:"P0multLin"`
	P0Ofst             float64  `json:"P0ofst"`
	P1MultQuad         float64  `json:"P1multQuad"`
	P1MultLin          float64  `json:"P1multLin"`
	P1Ofst             float64  `json:"P1ofst"`
	FluidType          string   `json:"FLUID_TYPE"`
	DacAppl            string   `json:"DAC_APPL"`
	T0T1T2             []string `json:"T0_T1_T2"`
	L1CalcCfg          struct {
		PsucOffset float64 `json:"psucOffset"`
	} `json:"L1CalcCfg"`
}

type dutRow struct {
	DutID             string  `json:"DUT_ID"`
	TemperatureOffset float64 `json:"TEMPERATURE_OFFSET"`
}

type driRow struct {
	DriID    string            `json:"DRI_ID"`
	Formulas map[string]string `json:"FORMULAS"`
}

// LoadAll implements dispatch.ConfigSource.
func (s *HTTPSource) LoadAll(ctx context.Context) (map[string]hwconfig.HwConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+getDevsCfgPath, bytes.NewReader([]byte(`{}`)))
	if err != nil {
		return nil, fmt.Errorf("configsource: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("configsource: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("configsource: unexpected status %d", resp.StatusCode)
	}

	var parsed devsCfgResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("configsource: failed to decode response: %w", err)
	}

	out := make(map[string]hwconfig.HwConfig, len(parsed.Dacs)+len(parsed.Duts)+len(parsed.Dris))

	for _, row := range parsed.Dacs {
		if row.DacID == "" {
			s.log.Warn().Msg("dropping dac row with no DAC_ID")
			continue
		}
		out[row.DacID] = dacToHwConfig(row)
	}
	for _, row := range parsed.Duts {
		if row.DutID == "" {
			s.log.Warn().Msg("dropping dut row with no DUT_ID")
			continue
		}
		out[row.DutID] = hwconfig.HwConfig{DevID: row.DutID, TemperatureOffset: row.TemperatureOffset}
	}
	for _, row := range parsed.Dris {
		if row.DriID == "" {
			s.log.Warn().Msg("dropping dri row with no DRI_ID")
			continue
		}
		out[row.DriID] = hwconfig.HwConfig{DevID: row.DriID, FormulaMap: row.Formulas}
	}

	return out, nil
}

func dacToHwConfig(row dacRow) hwconfig.HwConfig {
	cfg := hwconfig.HwConfig{
		DevID:          row.DacID,
		IsVRF:          row.IsVrf,
		HasAutomation:  row.HasAutomation,
		SimulateL1:     row.SimulateL1,
		FancoilL1:      row.CalculateL1Fancoil,
		DebugL1Fancoil: row.DebugL1Fancoil,
		Fluid:          row.FluidType,
		PsucOffset:     row.L1CalcCfg.PsucOffset,
		ApplicationTag: row.DacAppl,
	}

	if row.P0Psuc {
		cfg.P0 = hwconfig.PressureChannel{Role: hwconfig.PressureSuction, Calibration: sensors.PressureCalibration{A: row.P0MultQuad, B: row.P0MultLin, C: row.P0Ofst}}
	} else if row.P0Pliq {
		cfg.P0 = hwconfig.PressureChannel{Role: hwconfig.PressureLiquid, Calibration: sensors.PressureCalibration{A: row.P0MultQuad, B: row.P0MultLin, C: row.P0Ofst}}
	}
	if row.P1Psuc {
		cfg.P1 = hwconfig.PressureChannel{Role: hwconfig.PressureSuction, Calibration: sensors.PressureCalibration{A: row.P1MultQuad, B: row.P1MultLin, C: row.P1Ofst}}
	} else if row.P1Pliq {
		cfg.P1 = hwconfig.PressureChannel{Role: hwconfig.PressureLiquid, Calibration: sensors.PressureCalibration{A: row.P1MultQuad, B: row.P1MultLin, C: row.P1Ofst}}
	}

	cfg.TemperatureMapping = temperatureMappingFromT0T1T2(row.T0T1T2)

	return cfg
}

// temperatureMappingFromT0T1T2 translates the three-element
// ["Tamb"|"Tsuc"|"Tliq"|...] array into a sensors.TemperatureMapping,
// per parse_dac_cfg's per-role linear scan over T0_T1_T2.
func temperatureMappingFromT0T1T2(t0t1t2 []string) sensors.TemperatureMapping {
	var mapping sensors.TemperatureMapping
	channels := []sensors.TemperatureSensor{sensors.SensorT0, sensors.SensorT1, sensors.SensorT2}

	for i, label := range t0t1t2 {
		if i >= len(channels) {
			break
		}
		switch label {
		case "Tamb":
			mapping.Tamb = channels[i]
		case "Tsuc":
			mapping.Tsuc = channels[i]
		case "Tliq":
			mapping.Tliq = channels[i]
		}
	}

	return mapping
}
