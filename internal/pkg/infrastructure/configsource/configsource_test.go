package configsource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/diwise/iotpipe/internal/pkg/domain/hwconfig"
	"github.com/diwise/iotpipe/internal/pkg/domain/sensors"
	"github.com/matryer/is"
	"github.com/rs/zerolog"
)

const sampleResponse = `{
	"dacs": [{
		"DAC_ID": "DCMP00001001",
		"isVrf": true,
		"hasAutomation": false,
		"virtualL1": false,
		"P0Psuc": true,
		"P0multQuad": 0.001,
		"P0multLin": 0.2,
		"P0ofst": -1.5,
		"FLUID_TYPE": "R410A",
		"T0_T1_T2": ["Tamb", "Tsuc", "Tliq"],
		"L1CalcCfg": {"psucOffset": 2.5}
	}],
	"duts": [{
		"DUT_ID": "DTHM00001001",
		"TEMPERATURE_OFFSET": 1.2
	}],
	"dris": [{
		"DRI_ID": "DBRG00001001",
		"FORMULAS": {"power": "v*i"}
	}]
}`

func TestLoadAllParsesAllDeviceKinds(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is.Equal(r.URL.Path, getDevsCfgPath)
		is.Equal(r.Method, http.MethodPost)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(sampleResponse))
	}))
	defer srv.Close()

	source := New(srv.URL, zerolog.Nop())
	configs, err := source.LoadAll(context.Background())
	is.NoErr(err)
	is.Equal(len(configs), 3)

	dac := configs["DCMP00001001"]
	is.True(dac.IsVRF)
	is.Equal(dac.P0.Role, hwconfig.PressureSuction)
	is.Equal(dac.P0.Calibration, sensors.PressureCalibration{A: 0.001, B: 0.2, C: -1.5})
	is.Equal(dac.TemperatureMapping.Tamb, sensors.SensorT0)
	is.Equal(dac.TemperatureMapping.Tsuc, sensors.SensorT1)
	is.Equal(dac.TemperatureMapping.Tliq, sensors.SensorT2)
	is.Equal(dac.PsucOffset, 2.5)

	dut := configs["DTHM00001001"]
	is.Equal(dut.TemperatureOffset, 1.2)

	dri := configs["DBRG00001001"]
	is.Equal(dri.FormulaMap["power"], "v*i")
}

func TestLoadAllSkipsRowsMissingDeviceID(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"dacs":[{"isVrf":true}],"duts":[],"dris":[]}`))
	}))
	defer srv.Close()

	source := New(srv.URL, zerolog.Nop())
	configs, err := source.LoadAll(context.Background())
	is.NoErr(err)
	is.Equal(len(configs), 0)
}

func TestLoadAllSurfacesNon200Status(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	source := New(srv.URL, zerolog.Nop())
	_, err := source.LoadAll(context.Background())
	is.True(err != nil)
}
