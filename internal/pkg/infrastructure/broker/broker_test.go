package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/diwise/iotpipe/internal/pkg/domain/telemetry"
	"github.com/diwise/messaging-golang/pkg/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/matryer/is"
	"github.com/rs/zerolog"
)

type fakeDispatcher struct {
	mu sync.Mutex

	mqttRecv, topicData, topicCtrl, discarded int
	invalidated                               bool

	dispatched []telemetry.Pack
	persisted  []string

	dispatchErr error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, devID string, pack telemetry.Pack) ([]telemetry.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, pack)
	if f.dispatchErr != nil {
		return nil, f.dispatchErr
	}
	return []telemetry.Record{{}}, nil
}

func (f *fakeDispatcher) Persist(kind, devGen, devID string, rec telemetry.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persisted = append(f.persisted, kind+"/"+devGen+"/"+devID)
}

func (f *fakeDispatcher) Invalidate(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = true
}

func (f *fakeDispatcher) RecordMqttRecv()          { f.mu.Lock(); f.mqttRecv++; f.mu.Unlock() }
func (f *fakeDispatcher) RecordTopicData()         { f.mu.Lock(); f.topicData++; f.mu.Unlock() }
func (f *fakeDispatcher) RecordTopicCtrl()         { f.mu.Lock(); f.topicCtrl++; f.mu.Unlock() }
func (f *fakeDispatcher) RecordPayloadsDiscarded() { f.mu.Lock(); f.discarded++; f.mu.Unlock() }

type publishedMsg struct {
	topic string
	body  []byte
}

type fakeMessenger struct {
	mu         sync.Mutex
	handlers   map[string]messaging.TopicMessageHandler
	published  []publishedMsg
	publishErr error
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{handlers: map[string]messaging.TopicMessageHandler{}}
}

func (f *fakeMessenger) RegisterTopicMessageHandler(routingKey string, handler messaging.TopicMessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[routingKey] = handler
}

func (f *fakeMessenger) PublishOnTopic(ctx context.Context, message messaging.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, err := json.Marshal(message)
	if err != nil {
		return err
	}
	f.published = append(f.published, publishedMsg{topic: message.TopicName(), body: body})
	return f.publishErr
}

func deliver(h *Handler, topic string, body []byte) {
	h.handle(context.Background(), amqp.Delivery{RoutingKey: topic, Body: body}, zerolog.Nop())
}

func TestDataTopicDispatchesAndRelaysUnderRewrittenTopic(t *testing.T) {
	is := is.New(t)

	d := &fakeDispatcher{}
	m := newFakeMessenger()
	h := Register(m, []string{"data/dac/dev-1"}, d, zerolog.Nop())

	body := []byte(`{"dev_id":"dev-1","timestamp":"2024-01-01T00:00:00","sampling_time":15,"l1":[true],"t0":[20.0],"t1":[10.0],"t2":[30.0]}`)
	deliver(h, "data/dac/dev-1", body)

	is.Equal(d.mqttRecv, 1)
	is.Equal(d.topicData, 1)
	is.Equal(len(d.dispatched), 1)
	is.Equal(d.dispatched[0].DevID, "dev-1")
	is.Equal(len(d.persisted), 1)

	is.Equal(len(m.published), 1)
	is.Equal(m.published[0].topic, "iotrelay/data/dac/dev-1")
}

func TestDataTopicWithMismatchedDevIDIsDiscarded(t *testing.T) {
	is := is.New(t)

	d := &fakeDispatcher{}
	m := newFakeMessenger()
	h := Register(m, []string{"data/dac/dev-1"}, d, zerolog.Nop())

	body := []byte(`{"dev_id":"dev-OTHER","timestamp":"2024-01-01T00:00:00","sampling_time":15}`)
	deliver(h, "data/dac/dev-1", body)

	is.Equal(d.discarded, 1)
	is.Equal(len(d.dispatched), 0)
	is.Equal(len(m.published), 0)
}

func TestDataTopicWithPreY2KTimestampIsDiscarded(t *testing.T) {
	is := is.New(t)

	d := &fakeDispatcher{}
	m := newFakeMessenger()
	h := Register(m, []string{"data/dac/dev-1"}, d, zerolog.Nop())

	body := []byte(`{"dev_id":"dev-1","timestamp":"1999-01-01T00:00:00","sampling_time":15}`)
	deliver(h, "data/dac/dev-1", body)

	is.Equal(d.discarded, 1)
	is.Equal(len(d.dispatched), 0)
}

func TestNonJSONPayloadIsIgnoredOutright(t *testing.T) {
	is := is.New(t)

	d := &fakeDispatcher{}
	m := newFakeMessenger()
	h := Register(m, []string{"data/dac/dev-1"}, d, zerolog.Nop())

	deliver(h, "data/dac/dev-1", []byte("not json"))

	is.Equal(d.mqttRecv, 1)
	is.Equal(d.topicData, 0)
	is.Equal(d.discarded, 0)
}

func TestControlTopicNormalizesModeAndSetpointThenRelays(t *testing.T) {
	is := is.New(t)

	d := &fakeDispatcher{}
	m := newFakeMessenger()
	h := Register(m, []string{"control/thermostat/dev-1"}, d, zerolog.Nop())

	body := []byte(`{"mode":2,"temperature":21.5}`)
	deliver(h, "control/thermostat/dev-1", body)

	is.Equal(d.topicCtrl, 1)
	is.Equal(len(m.published), 1)
	is.Equal(m.published[0].topic, "iotrelay/control/the/dev-1")

	var out map[string]any
	is.NoErr(json.Unmarshal(m.published[0].body, &out))
	is.Equal(out["mode"], "heat")
	is.Equal(out["setpoint"], 21.5)
}

func TestHwcfgChangeTopicInvalidatesConfigCache(t *testing.T) {
	is := is.New(t)

	d := &fakeDispatcher{}
	m := newFakeMessenger()
	h := Register(m, []string{"apiserver/hwcfg-change"}, d, zerolog.Nop())

	deliver(h, "apiserver/hwcfg-change", []byte(`{}`))

	is.True(d.invalidated)
	is.Equal(len(m.published), 0)
}

func TestUnknownTopicIsIgnored(t *testing.T) {
	is := is.New(t)

	d := &fakeDispatcher{}
	m := newFakeMessenger()
	h := Register(m, []string{"something/else"}, d, zerolog.Nop())

	deliver(h, "something/else", []byte(`{"foo":1}`))

	is.Equal(d.mqttRecv, 1)
	is.Equal(d.topicData, 0)
	is.Equal(d.topicCtrl, 0)
	is.True(!d.invalidated)
}

func TestBuildOutboundTopicTruncatesKindToThreeLetters(t *testing.T) {
	is := is.New(t)

	is.Equal(buildOutboundTopic("data/compressor/dev-1"), "iotrelay/data/com/dev-1")
	is.Equal(buildOutboundTopic("control/thermostat/dev-1"), "iotrelay/control/the/dev-1")
	is.Equal(buildOutboundTopic("apiserver/hwcfg-change"), "iotrelay/apiserver/hwcfg-change")
}
