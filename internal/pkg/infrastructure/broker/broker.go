// Package broker wires the inbound/outbound message broker transport
// to dispatch: classify each inbound topic by prefix, decode its
// payload, hand telemetry packs to dispatch.GlobalState, and republish
// decorated results (and normalized control echoes) under a rewritten
// topic for real-time subscribers -- spec.md §6's "Inbound broker" /
// "Outbound broker" contracts, translated from
// original_source/src/app_telserv/on_mqtt_message.rs's
// process_payload/process_payload_on_data/process_payload_on_control/
// process_payload_on_others.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/diwise/iotpipe/internal/pkg/domain/telemetry"
	"github.com/diwise/messaging-golang/pkg/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	prefixData    = "data/"
	prefixControl = "control/"
	topicHwcfg    = "apiserver/hwcfg-change"

	defaultGMT = -3

	// y2kUnix is the earliest timestamp process_payload_on_data
	// accepts; anything older is almost certainly a device with a
	// dead real-time clock reporting an epoch-adjacent bogus time.
	y2kUnix = 946684800

	wireTimestampLayout = "2006-01-02T15:04:05"
)

// Dispatcher is the subset of *dispatch.GlobalState the broker depends
// on, narrowed to an interface so broker_test.go can exercise topic
// classification and payload decoding without a live config source,
// warm KV, or warehouse behind it.
type Dispatcher interface {
	Dispatch(ctx context.Context, devID string, pack telemetry.Pack) ([]telemetry.Record, error)
	Persist(kind, devGen, devID string, rec telemetry.Record)
	Invalidate(ctx context.Context)
	RecordMqttRecv()
	RecordTopicData()
	RecordTopicCtrl()
	RecordPayloadsDiscarded()
}

// Messenger is the subset of messaging.MsgContext the broker depends
// on, narrowed for the same testability reason as Dispatcher.
type Messenger interface {
	RegisterTopicMessageHandler(routingKey string, handler messaging.TopicMessageHandler)
	PublishOnTopic(ctx context.Context, message messaging.Message) error
}

// Handler owns topic classification and outbound relay; it holds no
// state of its own beyond its dependencies.
type Handler struct {
	dispatch  Dispatcher
	messenger Messenger
	log       zerolog.Logger
}

// Register wires Handler.handle as the message callback for every
// configured topic filter and returns the Handler, mainly so tests
// can deliver messages to it directly.
func Register(messenger Messenger, topics []string, dispatch Dispatcher, log zerolog.Logger) *Handler {
	h := &Handler{dispatch: dispatch, messenger: messenger, log: log}
	for _, topic := range topics {
		messenger.RegisterTopicMessageHandler(topic, h.handle)
	}
	return h
}

func (h *Handler) handle(ctx context.Context, msg amqp.Delivery, logger zerolog.Logger) {
	h.dispatch.RecordMqttRecv()

	topic := msg.RoutingKey
	if !validJSONBody(msg.Body) {
		return
	}

	switch {
	case strings.HasPrefix(topic, prefixData):
		h.dispatch.RecordTopicData()
		h.onData(ctx, topic, msg.Body, logger)
	case strings.HasPrefix(topic, prefixControl):
		h.dispatch.RecordTopicCtrl()
		h.onControl(ctx, topic, msg.Body, logger)
	case topic == topicHwcfg:
		h.dispatch.Invalidate(ctx)
	default:
		logger.Debug().Str("topic", topic).Msg("ignoring unknown topic")
	}
}

// validJSONBody rejects non-UTF8 bodies and anything not beginning
// with '{', per spec.md §6's "Any payload not beginning with `{` is
// ignored."
func validJSONBody(body []byte) bool {
	if !utf8.Valid(body) {
		return false
	}
	trimmed := strings.TrimSpace(string(body))
	return strings.HasPrefix(trimmed, "{")
}

// splitTopic pulls <kind> and <dev_id> out of a "<prefix>/<kind>/<dev_id>"
// routing key.
func splitTopic(topic string) (kind, devID string, ok bool) {
	parts := strings.SplitN(topic, "/", 3)
	if len(parts) != 3 {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func (h *Handler) onData(ctx context.Context, topic string, body []byte, logger zerolog.Logger) {
	kind, devID, ok := splitTopic(topic)
	if !ok {
		logger.Warn().Str("topic", topic).Msg("malformed data topic")
		return
	}

	pack, err := decodeDataPayload(devID, body)
	if err != nil {
		h.dispatch.RecordPayloadsDiscarded()
		logger.Warn().Err(err).Str("dev_id", devID).Msg("discarding malformed data payload")
		return
	}

	records, err := h.dispatch.Dispatch(ctx, devID, pack)
	if err != nil {
		logger.Warn().Err(err).Str("dev_id", devID).Msg("dispatch rejected payload")
		return
	}

	for _, rec := range records {
		h.dispatch.Persist(kind, devGenFromKind(kind), devID, rec)
	}

	h.relay(ctx, topic, body, logger)
}

// devGenFromKind is the fallback device-generation tag used when no
// richer generation metadata travels with the pack; the warehouse's
// @dev_gen table mode degrades to this until a device registry is
// wired in.
func devGenFromKind(kind string) string {
	return kind
}

// dataWire is the inbound JSON shape for "data/<kind>/<dev_id>",
// spec.md §6: top-level dev_id, first-level timestamp string, optional
// GMT (default -3), optional saved_data, plus the parallel sample
// arrays.
type dataWire struct {
	DevID        string  `json:"dev_id"`
	Timestamp    string  `json:"timestamp"`
	SamplingTime int     `json:"sampling_time"`
	GMT          *int    `json:"GMT"`
	SavedData    *bool   `json:"saved_data"`
	State        *string `json:"state"`
	Mode         *string `json:"mode"`

	L1 []*bool    `json:"l1"`
	T0 []*float64 `json:"t0"`
	T1 []*float64 `json:"t1"`
	T2 []*float64 `json:"t2"`
	P0 []*int     `json:"p0"`
	P1 []*int     `json:"p1"`
}

func decodeDataPayload(topicDevID string, body []byte) (telemetry.Pack, error) {
	var w dataWire
	if err := json.Unmarshal(body, &w); err != nil {
		return telemetry.Pack{}, fmt.Errorf("broker: invalid data payload: %w", err)
	}

	if w.DevID == "" {
		return telemetry.Pack{}, fmt.Errorf("broker: data payload missing dev_id")
	}
	if w.DevID != topicDevID {
		return telemetry.Pack{}, fmt.Errorf("broker: dev_id %q does not match topic device %q", w.DevID, topicDevID)
	}

	ts, err := time.Parse(wireTimestampLayout, w.Timestamp)
	if err != nil {
		return telemetry.Pack{}, fmt.Errorf("broker: invalid timestamp %q: %w", w.Timestamp, err)
	}
	if ts.Unix() < y2kUnix {
		return telemetry.Pack{}, fmt.Errorf("broker: timestamp %s predates epoch floor", w.Timestamp)
	}

	gmt := defaultGMT
	if w.GMT != nil {
		gmt = *w.GMT
	}
	ts = ts.Add(-time.Duration(gmt) * time.Hour)

	pack := telemetry.Pack{
		DevID:        w.DevID,
		Timestamp:    ts,
		SamplingTime: w.SamplingTime,
		L1:           optBoolSlice(w.L1),
		T0:           optFloatSlice(w.T0),
		T1:           optFloatSlice(w.T1),
		T2:           optFloatSlice(w.T2),
		P0:           optIntSlice(w.P0),
		P1:           optIntSlice(w.P1),
	}
	if w.State != nil {
		pack.State = telemetry.Some(*w.State)
	}
	if w.Mode != nil {
		pack.Mode = telemetry.Some(*w.Mode)
	}
	pack.GMT = telemetry.Some(gmt)
	if w.SavedData != nil {
		pack.SavedData = telemetry.Some(*w.SavedData)
	}

	return pack, nil
}

func optBoolSlice(in []*bool) []telemetry.Opt[bool] {
	if in == nil {
		return nil
	}
	out := make([]telemetry.Opt[bool], len(in))
	for i, v := range in {
		if v != nil {
			out[i] = telemetry.Some(*v)
		}
	}
	return out
}

func optFloatSlice(in []*float64) []telemetry.Opt[float64] {
	if in == nil {
		return nil
	}
	out := make([]telemetry.Opt[float64], len(in))
	for i, v := range in {
		if v != nil {
			out[i] = telemetry.Some(*v)
		}
	}
	return out
}

func optIntSlice(in []*int) []telemetry.Opt[int] {
	if in == nil {
		return nil
	}
	out := make([]telemetry.Opt[int], len(in))
	for i, v := range in {
		if v != nil {
			out[i] = telemetry.Some(*v)
		}
	}
	return out
}

// thermostatModes maps the device-originated numeric mode code to its
// named token, per the SUPPLEMENTED FEATURES control-message
// normalization. The original service's exact nine-entry table wasn't
// preserved in the distillation; this ordering is this repository's
// Open Question decision, recorded in DESIGN.md.
var thermostatModes = []string{
	"off", "cool", "heat", "fan", "auto", "dry", "heat_cool", "economy", "emergency_heat",
}

func normalizeControlMode(code int) (string, bool) {
	if code < 0 || code >= len(thermostatModes) {
		return "", false
	}
	return thermostatModes[code], true
}

func (h *Handler) onControl(ctx context.Context, topic string, body []byte, logger zerolog.Logger) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		logger.Warn().Err(err).Str("topic", topic).Msg("discarding malformed control payload")
		return
	}

	normalized := normalizeControlPayload(raw, logger)

	out, err := json.Marshal(normalized)
	if err != nil {
		logger.Error().Err(err).Str("topic", topic).Msg("failed to re-marshal normalized control payload")
		return
	}

	h.relay(ctx, topic, out, logger)
}

// normalizeControlPayload rewrites a raw "mode" integer code into its
// named token and copies a numeric "temperature" field to "setpoint",
// per process_payload_on_control. Fields it doesn't recognize pass
// through unchanged.
func normalizeControlPayload(raw map[string]json.RawMessage, logger zerolog.Logger) map[string]json.RawMessage {
	if modeRaw, ok := raw["mode"]; ok {
		var code int
		if err := json.Unmarshal(modeRaw, &code); err == nil {
			if name, ok := normalizeControlMode(code); ok {
				if enc, err := json.Marshal(name); err == nil {
					raw["mode"] = enc
				}
			} else {
				logger.Warn().Int("code", code).Msg("unrecognized thermostat mode code")
			}
		}
	}

	if tempRaw, ok := raw["temperature"]; ok {
		raw["setpoint"] = tempRaw
	}

	return raw
}

// buildOutboundTopic implements build_topic from on_mqtt_message.rs:
// "iotrelay/<prefix>/<3-letter-kind>/<dev_id>" for data/control topics,
// else a bare "iotrelay/<topic>" passthrough.
func buildOutboundTopic(topic string) string {
	kind, devID, ok := splitTopic(topic)
	if !ok {
		return "iotrelay/" + topic
	}

	prefix := strings.SplitN(topic, "/", 2)[0]
	if prefix != "data" && prefix != "control" {
		return "iotrelay/" + topic
	}

	if len(kind) > 3 {
		kind = kind[:3]
	}
	return fmt.Sprintf("iotrelay/%s/%s/%s", prefix, kind, devID)
}

// relayMessage is a messaging.Message whose topic is chosen per
// instance rather than fixed per Go type -- the teacher's own
// messaging.Message implementations (pkg/types/events.go) all return
// a compile-time constant TopicName(), which doesn't fit an outbound
// rewrite computed from the inbound topic.
type relayMessage struct {
	topic string
	body  []byte
}

func (r relayMessage) ContentType() string          { return "application/json" }
func (r relayMessage) TopicName() string            { return r.topic }
func (r relayMessage) MarshalJSON() ([]byte, error) { return r.body, nil }

func (h *Handler) relay(ctx context.Context, originalTopic string, body []byte, logger zerolog.Logger) {
	msg := relayMessage{topic: buildOutboundTopic(originalTopic), body: body}
	if err := h.messenger.PublishOnTopic(ctx, msg); err != nil {
		logger.Error().Err(err).Str("topic", msg.topic).Msg("failed to relay message")
	}
}
