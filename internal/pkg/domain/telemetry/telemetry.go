// Package telemetry turns one batched device "pack" -- parallel
// sample arrays sharing a single pack timestamp and sampling period --
// into a sequence of timestamped, decorated single-sample records. It
// drives the sensors package (sanitization and channel projection) and
// the l1 package (compressor-on inference) once per sample, then adds
// the automation (Lcut/Lcmp/Levp) translation and the superheat/
// subcooling computation on top.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/diwise/iotpipe/internal/pkg/domain/hwconfig"
	"github.com/diwise/iotpipe/internal/pkg/domain/l1"
	"github.com/diwise/iotpipe/internal/pkg/domain/sensors"
	"github.com/samber/lo"
)

// Opt is a present-or-absent value, mirroring the three-state optional
// fields the wire payloads and decorated records carry throughout this
// pipeline.
type Opt[T any] struct {
	Value T
	Ok    bool
}

// MarshalJSON encodes an absent value as JSON null rather than the
// zero value, so a decorated record's JSON shape matches what a
// warehouse consumer (or a JSON-decoding test) expects for a sample
// field that couldn't be computed.
func (o Opt[T]) MarshalJSON() ([]byte, error) {
	if !o.Ok {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// UnmarshalJSON is MarshalJSON's inverse, needed to read a decorated
// Record back out of a warehouse row's JSON payload (the history
// compiler's input) -- a JSON null decodes to the absent zero value,
// anything else decodes into Value with Ok set.
func (o *Opt[T]) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*o = Opt[T]{}
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Opt[T]{Value: v, Ok: true}
	return nil
}

// Some wraps a present value.
func Some[T any](v T) Opt[T] { return Opt[T]{Value: v, Ok: true} }

// Pack is one inbound batched sample: parallel per-sample arrays all
// sharing pack-level Timestamp/SamplingTime, plus pack-level state
// fields that apply to every sample in the batch. An omitted optional
// array (e.g. a device with no P1 channel) is represented as nil; a
// nil or empty array is never length-checked against N (the length of
// L1), but a non-empty array of the wrong length rejects the whole
// pack.
type Pack struct {
	DevID        string
	Timestamp    time.Time
	SamplingTime int

	L1         []Opt[bool]
	T0, T1, T2 []Opt[float64]
	P0, P1     []Opt[int]

	State     Opt[string]
	Mode      Opt[string]
	GMT       Opt[int]
	SavedData Opt[bool]
}

// Record is one decorated single-sample output, per spec.md's
// single-sample record shape.
type Record struct {
	Ts time.Time

	Tamb, Tsuc, Tliq Opt[float64]
	Psuc, Pliq       Opt[float64]
	Lcmp, Lcut, Levp Opt[bool]
	State, Mode      Opt[string]
	Tsc, Tsh         Opt[float64]
	SavedData        Opt[bool]
}

// arrayLength pairs a pack field's name with its observed length, for
// the batch length-validation pass.
type arrayLength struct {
	name string
	n    int
}

// ErrLengthMismatch is returned when a non-nil sample array's length
// does not equal the pack length; the whole pack is rejected.
var ErrLengthMismatch = errors.New("telemetry: sample array length mismatch")

// ErrInvalidSamplingTime is returned for a non-positive sampling
// period, which would make per-sample timestamps non-monotonic.
var ErrInvalidSamplingTime = errors.New("telemetry: sampling_time must be positive")

// Cursor is the long-lived per-device expansion state: the L1 state
// machine plus the last fully-sanitized sample, which is the base
// point linear gap-fill interpolates from when packs are not
// perfectly contiguous in time.
type Cursor struct {
	L1 *l1.State

	last    l1.Sample
	hasLast bool
}

// NewCursor creates a fresh expansion cursor for a device's chosen L1
// strategy.
func NewCursor(strategy l1.Strategy) *Cursor {
	return &Cursor{L1: l1.NewState(strategy)}
}

// Seed primes the cursor's interpolation base with a previously
// observed sample. l1.State's own persisted blob carries enough
// bookkeeping (last_ts/start_ts) to resume warm-up/reset tracking
// across process restarts, but not the full sample values gap-fill
// needs as its interpolation base -- callers that cache the last
// sample per device across dispatch calls use Seed to restore that
// continuity on a freshly rebuilt Cursor.
func (c *Cursor) Seed(sample l1.Sample) {
	c.last = sample
	c.hasLast = true
}

// LastSample returns the most recent sample Expand processed, for a
// caller to cache and Seed into the next Cursor built for this device.
func (c *Cursor) LastSample() (l1.Sample, bool) {
	return c.last, c.hasLast
}

// Expand validates and decorates one pack per spec.md §4.4, driving
// sensor sanitization and L1 inference one sample at a time. It
// returns the decorated records in sample order; a validation failure
// rejects the whole pack and returns no records.
func Expand(pack Pack, cfg hwconfig.HwConfig, cur *Cursor) ([]Record, error) {
	n := len(pack.L1)
	checks := []arrayLength{
		{"T0", len(pack.T0)}, {"T1", len(pack.T1)}, {"T2", len(pack.T2)},
		{"P0", len(pack.P0)}, {"P1", len(pack.P1)},
	}
	if bad := lo.Filter(checks, func(c arrayLength, _ int) bool { return c.n != 0 && c.n != n }); len(bad) > 0 {
		names := lo.Map(bad, func(c arrayLength, _ int) string { return c.name })
		return nil, fmt.Errorf("%w: %s", ErrLengthMismatch, strings.Join(names, ", "))
	}
	if pack.SamplingTime <= 0 {
		return nil, ErrInvalidSamplingTime
	}

	records := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		remaining := n - 1 - i
		ts := pack.Timestamp.Add(-time.Duration(remaining*pack.SamplingTime) * time.Second)

		sample := sanitizeSample(pack, cfg, i, ts)

		var gapFill func(elapsed, total int) l1.Sample
		if cur.hasLast {
			base, target := cur.last, sample
			gapFill = func(elapsed, total int) l1.Sample {
				return interpolateSample(base, target, elapsed, total)
			}
		}

		tri, err := cur.L1.Step(sample, gapFill)
		cur.last = sample
		cur.hasLast = true
		if err != nil {
			// A backward time jump affects only this sample's L1
			// inference; the rest of the pack is still decorated.
			tri = l1.Absent
		}

		rec := decorate(pack, cfg, sample, tri, ts)
		records = append(records, rec)
	}

	return records, nil
}

func sanitizeSample(pack Pack, cfg hwconfig.HwConfig, i int, ts time.Time) l1.Sample {
	t0, t0ok := sanitizeChannel(pack.T0, i)
	t1, t1ok := sanitizeChannel(pack.T1, i)
	t2, t2ok := sanitizeChannel(pack.T2, i)

	raw := sensors.RawTemperatures{T0: t0, T0ok: t0ok, T1: t1, T1ok: t1ok, T2: t2, T2ok: t2ok}
	tamb, tsuc, tliq, tambOk, tsucOk, tliqOk := sensors.Project(raw, cfg.TemperatureMapping)

	p0, p0ok := intChannel(pack.P0, i)
	p1, p1ok := intChannel(pack.P1, i)

	psuc, psucOk, rawPsucADC, rawPsucOk := calibrateRole(cfg.P0, p0, p0ok, cfg.P1, p1, p1ok, hwconfig.PressureSuction)
	pliq, pliqOk, _, _ := calibrateRole(cfg.P0, p0, p0ok, cfg.P1, p1, p1ok, hwconfig.PressureLiquid)

	var lcmp l1.Tri
	if i < len(pack.L1) && pack.L1[i].Ok {
		lcmp = triFromBool(pack.L1[i].Value)
	}

	return l1.Sample{
		Ts:           ts,
		Tamb:         tamb,
		Tsuc:         tsuc,
		Tliq:         tliq,
		TambOk:       tambOk,
		TsucOk:       tsucOk,
		TliqOk:       tliqOk,
		Psuc:         psuc,
		Pliq:         pliq,
		PsucOk:       psucOk,
		PliqOk:       pliqOk,
		RawPsucADC:   rawPsucADC,
		RawPsucADCOk: rawPsucOk,
		Lcmp:         lcmp,
	}
}

func sanitizeChannel(arr []Opt[float64], i int) (float64, bool) {
	if i >= len(arr) {
		return 0, false
	}
	return sensors.SanitizeTemperature(arr[i].Value, arr[i].Ok)
}

func intChannel(arr []Opt[int], i int) (int, bool) {
	if i >= len(arr) {
		return 0, false
	}
	return arr[i].Value, arr[i].Ok
}

// calibrateRole calibrates whichever physical channel (P0 or P1) is
// tagged with the wanted role, also surfacing the raw ADC count backing
// the suction channel for PressureBasedL1's minimum-signal gate.
func calibrateRole(p0 hwconfig.PressureChannel, p0raw int, p0ok bool, p1 hwconfig.PressureChannel, p1raw int, p1ok bool, role hwconfig.PressureRole) (float64, bool, int, bool) {
	if p0.Role == role {
		v, ok := sensors.CalibratePressure(p0raw, p0ok, p0.Calibration)
		return v, ok, p0raw, p0ok
	}
	if p1.Role == role {
		v, ok := sensors.CalibratePressure(p1raw, p1ok, p1.Calibration)
		return v, ok, p1raw, p1ok
	}
	return 0, false, 0, false
}

func triFromBool(on bool) l1.Tri {
	if on {
		return l1.On
	}
	return l1.Off
}

// decorate applies the automation translation (spec.md §4.4 step 3)
// and the superheat/subcooling computation (step 4) on top of one
// sample's raw L1 inference.
func decorate(pack Pack, cfg hwconfig.HwConfig, sample l1.Sample, tri l1.Tri, ts time.Time) Record {
	rec := Record{
		Ts:        ts,
		Tamb:      optFloat(sample.Tamb, sample.TambOk),
		Tsuc:      optFloat(sample.Tsuc, sample.TsucOk),
		Tliq:      optFloat(sample.Tliq, sample.TliqOk),
		Psuc:      optFloat(sample.Psuc, sample.PsucOk),
		Pliq:      optFloat(sample.Pliq, sample.PliqOk),
		State:     pack.State,
		Mode:      pack.Mode,
		SavedData: pack.SavedData,
	}

	l1Opt := optTri(tri)

	switch {
	case cfg.HasAutomation && pack.State.Ok && pack.State.Value == "Disabled":
		rec.Lcut = Some(true)
		rec.Lcmp = Some(false)
		rec.Levp = l1Opt
	case cfg.HasAutomation && pack.State.Ok && pack.State.Value == "Enabled":
		rec.Lcut = Some(false)
		rec.Lcmp = l1Opt
		rec.Levp = l1Opt
	case cfg.HasAutomation:
		rec.Levp = l1Opt
	default:
		rec.Lcmp = l1Opt
	}

	if cfg.Fluid != "" {
		if rec.Psuc.Ok && rec.Tsuc.Ok {
			if tsh, ok := superheat(rec.Psuc.Value, rec.Tsuc.Value, rec.Lcmp, cfg.Fluid); ok {
				rec.Tsh = Some(tsh)
			}
		}
		if rec.Pliq.Ok && rec.Tliq.Ok {
			if tsc, ok := subcool(rec.Pliq.Value, rec.Tliq.Value, rec.Lcmp, cfg.Fluid); ok {
				rec.Tsc = Some(tsc)
			}
		}
	}

	return rec
}

func optFloat(v float64, ok bool) Opt[float64] { return Opt[float64]{Value: v, Ok: ok} }

func optTri(t l1.Tri) Opt[bool] {
	on, ok := t.Bool()
	return Opt[bool]{Value: on, Ok: ok}
}

// superheat computes Tsuc minus the refrigerant's saturation
// temperature at Psuc, absent when the compressor is known OFF or the
// pressure falls outside the fluid's table domain.
func superheat(psuc, tsuc float64, lcmp Opt[bool], fluid string) (float64, bool) {
	if lcmp.Ok && !lcmp.Value {
		return 0, false
	}
	tsat, ok := SaturationTemp(fluid, psuc)
	if !ok {
		return 0, false
	}
	return tsuc - tsat, true
}

// subcool computes the refrigerant's saturation temperature at Pliq
// minus Tliq, absent when the compressor is known OFF or the pressure
// falls outside the fluid's table domain.
func subcool(pliq, tliq float64, lcmp Opt[bool], fluid string) (float64, bool) {
	if lcmp.Ok && !lcmp.Value {
		return 0, false
	}
	tsat, ok := SaturationTemp(fluid, pliq)
	if !ok {
		return 0, false
	}
	return tsat - tliq, true
}

// interpolateSample linearly interpolates every present field between
// base and target, per spec.md §4.3's gap-fill formula
// `base + (elapsed+1)*(target-base)/total`. A field absent on either
// end stays absent in the synthesized sample.
func interpolateSample(base, target l1.Sample, elapsed, total int) l1.Sample {
	frac := float64(elapsed+1) / float64(total)
	out := l1.Sample{Ts: base.Ts.Add(time.Duration(elapsed+1) * time.Second)}

	out.Tamb, out.TambOk = lerp(base.Tamb, base.TambOk, target.Tamb, target.TambOk, frac)
	out.Tsuc, out.TsucOk = lerp(base.Tsuc, base.TsucOk, target.Tsuc, target.TsucOk, frac)
	out.Tliq, out.TliqOk = lerp(base.Tliq, base.TliqOk, target.Tliq, target.TliqOk, frac)
	out.Psuc, out.PsucOk = lerp(base.Psuc, base.PsucOk, target.Psuc, target.PsucOk, frac)
	out.Pliq, out.PliqOk = lerp(base.Pliq, base.PliqOk, target.Pliq, target.PliqOk, frac)

	return out
}

func lerp(base float64, baseOk bool, target float64, targetOk bool, frac float64) (float64, bool) {
	if !baseOk || !targetOk {
		return 0, false
	}
	return base + frac*(target-base), true
}
