// Package dispatch implements the per-device single-writer path that
// makes concurrent message arrival for C3/C4 safe: fingerprint the
// device's current configuration, load (or discard-and-recreate) its
// L1 state, run the sample through C1/C3/C4, and write the state back
// -- spec.md §3's "per-device single-writer dispatch".
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/diwise/iotpipe/internal/pkg/application/compilequeue"
	"github.com/diwise/iotpipe/internal/pkg/domain/hwconfig"
	"github.com/diwise/iotpipe/internal/pkg/domain/l1"
	"github.com/diwise/iotpipe/internal/pkg/domain/telemetry"
	"github.com/diwise/iotpipe/internal/pkg/infrastructure/warehouse"
	"github.com/diwise/iotpipe/internal/pkg/infrastructure/warmkv"
	"github.com/rs/zerolog"
)

// ErrUnknownDevice is returned when a message arrives for a dev_id
// with no loaded configuration -- no generation information means no
// way to pick a strategy or validate the message, so it is dropped.
var ErrUnknownDevice = errors.New("dispatch: unknown device")

// ConfigSource loads the full current device-id -> HwConfig mapping,
// the way `ConversionVars.devs` is populated in the original service.
// Implementations own how they reach it (HTTP, file, static map);
// dispatch only needs the snapshot.
type ConfigSource interface {
	LoadAll(ctx context.Context) (map[string]hwconfig.HwConfig, error)
}

// WarmStore is the subset of *warmkv.Client dispatch depends on,
// narrowed to an interface the way the teacher depends on
// database.Datastore rather than a concrete store type.
type WarmStore interface {
	Load(ctx context.Context, devID string) ([]byte, error)
	Store(ctx context.Context, devID string, blob []byte) error
}

// Warehouse is the subset of *warehouse.Client dispatch depends on.
type Warehouse interface {
	TableFor(kind, devGen, devID string) string
	Insert(table string, rec warehouse.Record)
}

// Notifier is the subset of *notify.Notifier dispatch depends on,
// narrowed the same way every other external dependency here is.
type Notifier interface {
	NotifyConfigInvalidated(ctx context.Context, reason string)
}

// Stats mirrors the original's `statistics.rs` atomic counters.
type Stats struct {
	MqttRecv          atomic.Int64
	TopicData         atomic.Int64
	TopicCtrl         atomic.Int64
	PayloadsDiscarded atomic.Int64
}

// storedState is the warm KV envelope: the L1 state blob plus the
// config fingerprint it was produced under, per spec.md §4.3's
// persistence contract ("serialized ... together with the config
// fingerprint").
type storedState struct {
	Fingerprint string          `json:"fingerprint"`
	State       json.RawMessage `json:"state"`
}

// GlobalState exclusively owns the config cache, the warm KV and
// warehouse handles, the compilation queue, and the stats counters --
// spec.md §3's ownership summary for GlobalState.
type GlobalState struct {
	log zerolog.Logger

	source          ConfigSource
	refreshInterval time.Duration

	mu      sync.RWMutex
	configs map[string]hwconfig.HwConfig

	dirty atomic.Bool
	stop  chan struct{}
	wg    sync.WaitGroup

	kv       WarmStore
	wh       Warehouse
	Queue    *compilequeue.Queue
	notifier Notifier

	lastSamples sync.Map // dev_id -> l1.Sample

	Stats Stats
}

// New builds a GlobalState and performs the first blocking config
// load; callers should treat a non-nil error as fatal per spec.md §6
// exit code 2.
func New(ctx context.Context, source ConfigSource, refreshInterval time.Duration, kv WarmStore, wh Warehouse, queue *compilequeue.Queue, log zerolog.Logger) (*GlobalState, error) {
	g := &GlobalState{
		log:             log,
		source:          source,
		refreshInterval: refreshInterval,
		configs:         map[string]hwconfig.HwConfig{},
		stop:            make(chan struct{}),
		kv:              kv,
		wh:              wh,
		Queue:           queue,
	}

	if err := g.refresh(ctx); err != nil {
		return nil, fmt.Errorf("dispatch: initial config load failed: %w", err)
	}

	g.wg.Add(1)
	go g.refreshLoop(ctx)

	return g, nil
}

func (g *GlobalState) Stop() {
	close(g.stop)
	g.wg.Wait()
}

// SetNotifier wires an optional downstream cache-busting hook: when
// set, Invalidate emits a CloudEvent to it in addition to marking the
// config cache dirty. Left unset, Invalidate behaves exactly as before.
func (g *GlobalState) SetNotifier(n Notifier) {
	g.notifier = n
}

// Invalidate marks the config cache dirty, to be picked up on the
// next refresh tick, matching `apiserver/hwcfg-change`'s effect on
// `need_update_configs` in the original service. It also notifies any
// configured downstream cache-busting consumer, per SPEC_FULL.md's
// DOMAIN STACK extension of that signal.
func (g *GlobalState) Invalidate(ctx context.Context) {
	g.dirty.Store(true)
	if g.notifier != nil {
		g.notifier.NotifyConfigInvalidated(ctx, "apiserver/hwcfg-change")
	}
}

func (g *GlobalState) refreshLoop(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.maybeRefresh(ctx)
		}
	}
}

func (g *GlobalState) maybeRefresh(ctx context.Context) {
	if !g.dirty.Load() {
		if err := g.refresh(ctx); err != nil {
			g.log.Error().Err(err).Msg("scheduled config refresh failed")
		}
		return
	}
	if err := g.refresh(ctx); err != nil {
		g.log.Error().Err(err).Msg("invalidation-triggered config refresh failed")
		return
	}
	g.dirty.Store(false)
}

// refresh reloads the config snapshot and, for any device whose
// config changed in a strategy-shape-relevant way, drops that
// device's cached gap-fill seed sample -- its interpolation base was
// computed under a strategy that no longer applies.
func (g *GlobalState) refresh(ctx context.Context) error {
	next, err := g.source.LoadAll(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	prev := g.configs
	g.configs = next
	g.mu.Unlock()

	for devID, cfg := range next {
		prevCfg, hasPrev := prev[devID]
		if prevCfg.Fingerprint() == cfg.Fingerprint() {
			continue
		}
		if l1.ShouldResetStrategy(prevCfg, hasPrev, cfg) {
			g.lastSamples.Delete(devID)
		}
	}

	return nil
}

// RecordMqttRecv, RecordTopicData, RecordTopicCtrl, and
// RecordPayloadsDiscarded let the broker package attribute its own
// topic-classification and payload-rejection counts to the same Stats
// struct Dispatch itself increments on an Expand failure, mirroring
// `statistics.rs`'s single shared counter set.
func (g *GlobalState) RecordMqttRecv()          { g.Stats.MqttRecv.Add(1) }
func (g *GlobalState) RecordTopicData()         { g.Stats.TopicData.Add(1) }
func (g *GlobalState) RecordTopicCtrl()         { g.Stats.TopicCtrl.Add(1) }
func (g *GlobalState) RecordPayloadsDiscarded() { g.Stats.PayloadsDiscarded.Add(1) }

func (g *GlobalState) configFor(devID string) (hwconfig.HwConfig, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	cfg, ok := g.configs[devID]
	return cfg, ok
}

// ConfigFor exposes the cached config for a device to callers outside
// the dispatch path -- the history compiler needs it to pick the
// right compressor-on RLE tuning and warehouse table for a device.
func (g *GlobalState) ConfigFor(devID string) (hwconfig.HwConfig, bool) {
	return g.configFor(devID)
}

// Dispatch runs one inbound pack through the per-device single-writer
// path: load config, load-or-discard L1 state by fingerprint, expand
// the pack via C4, persist the new state, and cache the interpolation
// seed for the next call. It never returns an error for a malformed
// or rejected single device message -- per spec.md §7's propagation
// policy, failures become either absent fields or counter increments
// -- except for ErrUnknownDevice and cfg.Validate()'s
// InvariantViolation, which the caller is expected to count and drop,
// and a pack that telemetry.Expand rejects, which is counted in
// Stats.PayloadsDiscarded here and returned as an error without the
// L1 state being written back.
func (g *GlobalState) Dispatch(ctx context.Context, devID string, pack telemetry.Pack) ([]telemetry.Record, error) {
	cfg, ok := g.configFor(devID)
	if !ok {
		return nil, ErrUnknownDevice
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch: invariant violation for %s: %w", devID, err)
	}

	fingerprint := cfg.Fingerprint()
	cur := g.loadCursor(ctx, devID, cfg, fingerprint)

	records, err := telemetry.Expand(pack, cfg, cur)
	if err != nil {
		g.Stats.PayloadsDiscarded.Add(1)
		return nil, fmt.Errorf("dispatch: expand failed for %s: %w", devID, err)
	}

	if sample, ok := cur.LastSample(); ok {
		g.lastSamples.Store(devID, sample)
	}
	g.storeCursor(ctx, devID, cur, fingerprint)

	return records, nil
}

// loadCursor implements spec.md §4.3's persistence contract: no
// persisted blob -> fresh; persisted fingerprint matches -> restore;
// mismatch or schema mismatch -> discard and start fresh.
func (g *GlobalState) loadCursor(ctx context.Context, devID string, cfg hwconfig.HwConfig, fingerprint string) *telemetry.Cursor {
	strategy := l1.NewStrategy(cfg)
	cur := telemetry.NewCursor(strategy)

	if sample, ok := g.lastSamples.Load(devID); ok {
		cur.Seed(sample.(l1.Sample))
	}

	blob, err := g.kv.Load(ctx, devID)
	if err != nil {
		if !errors.Is(err, warmkv.ErrNotFound) {
			g.log.Error().Err(err).Str("dev_id", devID).Msg("warm KV load failed, starting fresh L1 state")
		}
		return cur
	}

	var stored storedState
	if err := json.Unmarshal(blob, &stored); err != nil {
		g.log.Error().Err(err).Str("dev_id", devID).Msg("corrupt warm KV blob, starting fresh L1 state")
		return cur
	}
	if stored.Fingerprint != fingerprint {
		return cur
	}

	if err := cur.L1.Unmarshal(stored.State); err != nil {
		if !errors.Is(err, l1.ErrStateSchemaMismatch) {
			g.log.Error().Err(err).Str("dev_id", devID).Msg("failed to restore L1 state, starting fresh")
		}
		fresh := telemetry.NewCursor(strategy)
		if sample, ok := g.lastSamples.Load(devID); ok {
			fresh.Seed(sample.(l1.Sample))
		}
		return fresh
	}

	return cur
}

func (g *GlobalState) storeCursor(ctx context.Context, devID string, cur *telemetry.Cursor, fingerprint string) {
	stateBlob, err := cur.L1.Marshal()
	if err != nil {
		g.log.Error().Err(err).Str("dev_id", devID).Msg("failed to marshal L1 state")
		return
	}

	blob, err := json.Marshal(storedState{Fingerprint: fingerprint, State: stateBlob})
	if err != nil {
		g.log.Error().Err(err).Str("dev_id", devID).Msg("failed to marshal warm KV envelope")
		return
	}

	if err := g.kv.Store(ctx, devID, blob); err != nil {
		g.log.Error().Err(err).Str("dev_id", devID).Msg("warm KV store failed")
	}
}

// Persist writes a decorated record to the warehouse under the table
// the configured mode derives for this kind/generation/device.
func (g *GlobalState) Persist(kind, devGen, devID string, rec telemetry.Record) {
	if g.wh == nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		g.log.Error().Err(err).Str("dev_id", devID).Msg("failed to marshal record for warehouse")
		return
	}
	table := g.wh.TableFor(kind, devGen, devID)
	g.wh.Insert(table, warehouse.Record{
		Timestamp: rec.Ts,
		Day:       rec.Ts.UTC().Format("2006-01-02"),
		DevID:     devID,
		Payload:   string(payload),
	})
}
