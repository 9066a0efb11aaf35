// Package api implements the HTTP surface spec.md §6 describes: health
// and clear-cache endpoints; the `/comp-<kind>` family and `/comp-dri`,
// which are queued onto the compilequeue and answered once their
// worker finishes; and `/energy-query`, `/energy-stats` and
// `/export-dev-telemetries`, which compile or range-scan inline in the
// request handler without going through the queue -- translated
// from original_source/src/app_history/http_router.rs's
// sync_routes/async_routes split, reshaped around chi and
// compilequeue.Job instead of a hand-rolled TCP request loop.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/diwise/iotpipe/internal/pkg/application/compilequeue"
	"github.com/diwise/iotpipe/internal/pkg/application/dispatch"
	"github.com/diwise/iotpipe/internal/pkg/application/history"
	"github.com/diwise/iotpipe/internal/pkg/infrastructure/warehouse"
	"github.com/diwise/iotpipe/internal/pkg/presentation/api/auth"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("iotpipe/api")

// kindTables maps the spec's short device-kind codes to the suffix
// TableFor derives the @dev_type table name from, per spec.md §3's
// "Kinds in this core: compressor controller (CMP), thermostat (THM),
// flow meter (FLM), datalogger (LOG), automation gateway (AGW),
// lighting controller (LIT), external-protocol bridge (BRG)".
var kindTables = map[string]string{
	"cmp": "CMP",
	"thm": "THM",
	"flm": "FLM",
	"log": "LOG",
	"agw": "AGW",
	"lit": "LIT",
	"brg": "BRG",
}

// Warehouse is the subset of *warehouse.Client the api package depends
// on, narrowed the same way dispatch and history narrow their own
// storage dependencies.
type Warehouse interface {
	TableFor(kind, devGen, devID string) string
	RangeScan(ctx context.Context, table, devID string, from, to time.Time) ([]warehouse.Record, error)
}

// Dependencies bundles everything RegisterHandlers needs beyond the
// router itself.
type Dependencies struct {
	Dispatch  *dispatch.GlobalState
	Warehouse Warehouse
	Auth      *auth.Authenticator
}

// RegisterHandlers mounts the HTTP surface on router. internal marks
// whether this mount is serving the internal-only listener -- spec.md
// §6's "internal callers are identified by listening port and skip
// the token" -- so the caller is expected to mount RegisterHandlers
// twice, once per listener, with internal set accordingly.
func RegisterHandlers(log zerolog.Logger, router *chi.Mux, deps Dependencies, internal bool) *chi.Mux {
	cache := newResultCache()

	router.Get("/health_check", healthCheckHandler())
	router.Get("/", rootHandler())
	router.Post("/clear-cache", clearCacheHandler(log, cache))

	router.Post("/comp-{kind}", compKindHandler(log, deps, internal, cache))
	router.Post("/comp-dri", compDriHandler(log, deps, internal))
	router.Post("/energy-query", energyQueryHandler(log, deps, internal))
	router.Post("/energy-stats", energyStatsHandler(log, deps, internal))
	router.Post("/export-dev-telemetries", exportTelemetriesHandler(log, deps, internal))

	return router
}

func healthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Alive"))
	}
}

func rootHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Olá"))
	}
}

// clearCacheRequest is /clear-cache's body; an absent or empty dev_id
// clears every cached result, matching process_clear_cache's
// "clear one device or everything" contract.
type clearCacheRequest struct {
	DevID string `json:"dev_id"`
}

func clearCacheHandler(log zerolog.Logger, cache *resultCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req clearCacheRequest
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		}

		n := cache.clear(req.DevID)
		log.Info().Str("dev_id", req.DevID).Int("cleared", n).Msg("cleared history cache")

		w.Header().Add("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]int{"cleared": n})
	}
}

// compRequestBody is the shared shape of a /comp-<kind>-family body,
// per spec.md §6: `{dev_id, day|ts_ini+interval_length_s, open_end?,
// avoid_cache?, timezoneOffset?, <kind-specific hw cfg>, token?}`.
// Kind-specific hw cfg overrides aren't parsed here: hwconfig.HwConfig
// carries no JSON tags to decode into, so a device's IsVRF/SimulateL1
// flags are instead read from the dispatch config cache by dev_id.
type compRequestBody struct {
	DevID           string  `json:"dev_id"`
	Day             *string `json:"day"`
	TsIni           *string `json:"ts_ini"`
	IntervalLengthS *int    `json:"interval_length_s"`
	OpenEnd         *bool   `json:"open_end"`
	AvoidCache      *bool   `json:"avoid_cache"`
	TimezoneOffset  *int    `json:"timezoneOffset"`
	Token           *string `json:"token"`
}

const wireTimestampLayout = "2006-01-02T15:04:05"

// resolveWindow turns a compRequestBody's day-or-(ts_ini+interval)
// pair into the (from, periodLength) history.Request needs.
func resolveWindow(body compRequestBody) (time.Time, int, error) {
	if body.Day != nil {
		from, err := time.Parse("2006-01-02", *body.Day)
		if err != nil {
			return time.Time{}, 0, fmt.Errorf("invalid day %q: %w", *body.Day, err)
		}
		return from, 24 * 60 * 60, nil
	}

	if body.TsIni == nil || body.IntervalLengthS == nil {
		return time.Time{}, 0, fmt.Errorf("must supply day, or ts_ini and interval_length_s")
	}
	from, err := time.Parse(wireTimestampLayout, *body.TsIni)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("invalid ts_ini %q: %w", *body.TsIni, err)
	}
	return from, *body.IntervalLengthS, nil
}

func tokenValue(body compRequestBody) string {
	if body.Token == nil {
		return ""
	}
	return *body.Token
}

func timezoneOffset(body compRequestBody) int {
	if body.TimezoneOffset == nil {
		return 0
	}
	return *body.TimezoneOffset
}

// compKindHandler serves every `/comp-<kind>` route for the kinds
// listed in kindTables, replacing http_router.rs's one near-identical
// match arm per kind with a single parameterized handler.
func compKindHandler(log zerolog.Logger, deps Dependencies, internal bool, cache *resultCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "comp-kind")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		kind := chi.URLParam(r, "kind")
		tableKind, known := kindTables[kind]
		if !known {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		body, authorized, ok := readAndAuthorize(w, r, ctx, deps, internal)
		if !ok {
			return
		}
		if !authorized {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		if body.DevID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		from, periodLength, err := resolveWindow(body)
		if err != nil {
			requestLogger.Warn().Err(err).Msg("invalid comp request window")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		day := from.UTC().Format("2006-01-02")
		key := cacheKey{devID: body.DevID, day: day, kind: kind}
		avoidCache := body.AvoidCache != nil && *body.AvoidCache
		if !avoidCache {
			if cached, ok := cache.get(key); ok {
				w.Header().Add("Content-Type", "application/json")
				w.WriteHeader(http.StatusOK)
				w.Write(cached)
				return
			}
		}

		cfg, _ := deps.Dispatch.ConfigFor(body.DevID)
		req := history.Request{
			DevID:          body.DevID,
			From:           from,
			PeriodLength:   periodLength,
			IsVRFOrSim:     cfg.IsVRF || cfg.SimulateL1,
			TimezoneOffset: timezoneOffset(body),
		}
		table := deps.Warehouse.TableFor(tableKind, tableKind, body.DevID)

		sink := newHTTPSink()
		deps.Dispatch.Queue.Submit(compilequeue.Job{
			DevID: body.DevID,
			Sink:  sink,
			Run: func(jobCtx context.Context) compilequeue.Response {
				result, err := history.Compile(jobCtx, deps.Warehouse, table, req)
				if err != nil {
					requestLogger.Error().Err(err).Str("dev_id", body.DevID).Msg("history compile failed")
					return compilequeue.Response{Status: http.StatusInternalServerError, Body: []byte(err.Error())}
				}
				payload, err := json.Marshal(result)
				if err != nil {
					return compilequeue.Response{Status: http.StatusInternalServerError, Body: []byte(err.Error())}
				}
				return compilequeue.Response{Status: http.StatusOK, Body: payload}
			},
		})

		select {
		case resp := <-sink.done:
			if resp.Status == http.StatusOK && !avoidCache {
				cache.put(key, resp.Body)
			}
			w.Header().Add("Content-Type", "application/json")
			w.WriteHeader(resp.Status)
			w.Write(resp.Body)
		case <-r.Context().Done():
			sink.abandon()
		}
	}
}

// readAndAuthorize reads and unmarshals a comp-family body and runs
// the token/internal authorization check. The second bool reports
// whether decoding succeeded (false already wrote the response); the
// first bool reports the auth decision.
func readAndAuthorize(w http.ResponseWriter, r *http.Request, ctx context.Context, deps Dependencies, internal bool) (compRequestBody, bool, bool) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return compRequestBody{}, false, false
	}

	var body compRequestBody
	if err := json.Unmarshal(raw, &body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return compRequestBody{}, false, false
	}

	allowed, err := deps.Auth.Allow(ctx, tokenValue(body), internal)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return compRequestBody{}, false, false
	}

	return body, allowed, true
}

// compDriHandler serves /comp-dri. It decodes the same compRequestBody
// as the /comp-<kind> routes, but always reads the LOG table and uses
// neither the device's cached config nor the result cache.
func compDriHandler(log zerolog.Logger, deps Dependencies, internal bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "comp-dri")
		defer span.End()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		body, authorized, ok := readAndAuthorize(w, r, ctx, deps, internal)
		if !ok {
			return
		}
		if !authorized {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if body.DevID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		from, periodLength, err := resolveWindow(body)
		if err != nil {
			requestLogger.Warn().Err(err).Msg("invalid comp-dri request window")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		table := deps.Warehouse.TableFor("LOG", "LOG", body.DevID)
		req := history.Request{DevID: body.DevID, From: from, PeriodLength: periodLength}

		sink := newHTTPSink()
		deps.Dispatch.Queue.Submit(compilequeue.Job{
			DevID: body.DevID,
			Sink:  sink,
			Run: func(jobCtx context.Context) compilequeue.Response {
				result, err := history.Compile(jobCtx, deps.Warehouse, table, req)
				if err != nil {
					return compilequeue.Response{Status: http.StatusInternalServerError, Body: []byte(err.Error())}
				}
				payload, _ := json.Marshal(result)
				return compilequeue.Response{Status: http.StatusOK, Body: payload}
			},
		})

		select {
		case resp := <-sink.done:
			w.Header().Add("Content-Type", "application/json")
			w.WriteHeader(resp.Status)
			w.Write(resp.Body)
		case <-r.Context().Done():
			sink.abandon()
		}
	}
}

// energyQueryBody and energyStatsBody key off energy_device_id rather
// than dev_id, per energy_hist.rs/energy_stats.rs in the original
// service; neither is retrieved in this pack's original_source, so
// their compiled shape is approximated from http_router.rs's
// dispatch alone -- the device's decorated Lcmp/Lcut series summed
// over the window stands in for an energy estimate, since no power
// metering field exists anywhere else in this specification.
type energyQueryBody struct {
	EnergyDeviceID string  `json:"energy_device_id"`
	Day            *string `json:"day"`
	TsIni          *string `json:"ts_ini"`
	IntervalLength *int    `json:"interval_length_s"`
	Token          *string `json:"token"`
}

func energyQueryHandler(log zerolog.Logger, deps Dependencies, internal bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "energy-query")
		defer span.End()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		raw, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var body energyQueryBody
		if err := json.Unmarshal(raw, &body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		token := ""
		if body.Token != nil {
			token = *body.Token
		}
		allowed, err := deps.Auth.Allow(ctx, token, internal)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if !allowed {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if body.EnergyDeviceID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		from, periodLength, err := resolveWindow(compRequestBody{Day: body.Day, TsIni: body.TsIni, IntervalLengthS: body.IntervalLength})
		if err != nil {
			requestLogger.Warn().Err(err).Msg("invalid energy-query window")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		table := deps.Warehouse.TableFor("CMP", "CMP", body.EnergyDeviceID)
		req := history.Request{DevID: body.EnergyDeviceID, From: from, PeriodLength: periodLength}

		result, err := history.Compile(ctx, deps.Warehouse, table, req)
		if err != nil {
			requestLogger.Error().Err(err).Msg("energy-query compile failed")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Add("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(result)
	}
}

func energyStatsHandler(log zerolog.Logger, deps Dependencies, internal bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "energy-stats")
		defer span.End()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		raw, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var body energyQueryBody
		if err := json.Unmarshal(raw, &body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		token := ""
		if body.Token != nil {
			token = *body.Token
		}
		allowed, err := deps.Auth.Allow(ctx, token, internal)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if !allowed {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if body.EnergyDeviceID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		from, periodLength, err := resolveWindow(compRequestBody{Day: body.Day, TsIni: body.TsIni, IntervalLengthS: body.IntervalLength})
		if err != nil {
			requestLogger.Warn().Err(err).Msg("invalid energy-stats window")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		table := deps.Warehouse.TableFor("CMP", "CMP", body.EnergyDeviceID)
		req := history.Request{DevID: body.EnergyDeviceID, From: from, PeriodLength: periodLength}

		result, err := history.Compile(ctx, deps.Warehouse, table, req)
		if err != nil {
			requestLogger.Error().Err(err).Msg("energy-stats compile failed")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Add("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"energy_device_id": body.EnergyDeviceID,
			"sample_count":     result.SampleCount,
			"provision_error":  result.ProvisionError,
		})
	}
}

type exportTelemetriesBody struct {
	DevID          string  `json:"dev_id"`
	Day            *string `json:"day"`
	TsIni          *string `json:"ts_ini"`
	IntervalLength *int    `json:"interval_length_s"`
	Token          *string `json:"token"`
}

// exportTelemetriesHandler returns the raw decorated rows for a
// device/window, undecoded by C5 -- the bulk-export counterpart to
// the compiled /comp-<kind> endpoints.
func exportTelemetriesHandler(log zerolog.Logger, deps Dependencies, internal bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "export-dev-telemetries")
		defer span.End()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		raw, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var body exportTelemetriesBody
		if err := json.Unmarshal(raw, &body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		token := ""
		if body.Token != nil {
			token = *body.Token
		}
		allowed, err := deps.Auth.Allow(ctx, token, internal)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if !allowed {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if body.DevID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		from, periodLength, err := resolveWindow(compRequestBody{Day: body.Day, TsIni: body.TsIni, IntervalLengthS: body.IntervalLength})
		if err != nil {
			requestLogger.Warn().Err(err).Msg("invalid export-dev-telemetries window")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		to := from.Add(time.Duration(periodLength) * time.Second)

		table := deps.Warehouse.TableFor("CMP", "CMP", body.DevID)
		rows, err := deps.Warehouse.RangeScan(ctx, table, body.DevID, from, to)
		if err != nil {
			requestLogger.Error().Err(err).Msg("export-dev-telemetries range scan failed")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Add("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(rows)
	}
}
