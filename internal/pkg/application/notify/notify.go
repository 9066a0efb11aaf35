// Package notify emits a CloudEvent to configured downstream
// subscribers whenever the device hardware-configuration cache is
// invalidated, translated from the teacher's
// internal/pkg/application/events package: the same
// github.com/cloudevents/sdk-go/v2 HTTP client, the same
// load-a-YAML-list-of-endpoints config shape, and the same
// no-subscribers-means-no-op behavior, re-pointed at
// "apiserver/hwcfg-change" instead of "diwise.statusmessage".
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
	yaml "gopkg.in/yaml.v2"
)

// eventType is this repository's CloudEvent type, the hwcfg-change
// counterpart to the teacher's "diwise.statusmessage".
const eventType = "iotpipe.hwcfgchange"

// Subscriber is one downstream endpoint to notify.
type Subscriber struct {
	Endpoint string `yaml:"endpoint"`
}

// Config is the notify.yaml shape: a flat list of subscriber
// endpoints, simplified from the teacher's per-notification-type
// grouping since this package only ever emits one event type.
type Config struct {
	Subscribers []Subscriber `yaml:"subscribers"`
}

// LoadConfiguration parses a notify.yaml file, matching the teacher's
// events.LoadConfiguration.
func LoadConfiguration(r io.Reader) (*Config, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Notifier sends the hwcfg-change CloudEvent to every configured
// subscriber.
type Notifier struct {
	subscribers []Subscriber
	log         zerolog.Logger
}

// New builds a Notifier. cfg may be nil, matching the teacher's
// events.New(nil) behavior when no notification config file is
// configured at all.
func New(cfg *Config, log zerolog.Logger) *Notifier {
	n := &Notifier{log: log}
	if cfg != nil {
		n.subscribers = cfg.Subscribers
	}
	return n
}

// NotifyConfigInvalidated emits one CloudEvent per configured
// subscriber reporting that the device hardware-configuration cache
// was invalidated. With no subscribers configured this is a no-op,
// mirroring eventSender.Send's early return when nothing subscribes.
// Delivery failures are logged, not returned: a downstream
// cache-busting consumer being unreachable must never block ingest.
func (n *Notifier) NotifyConfigInvalidated(ctx context.Context, reason string) {
	if len(n.subscribers) == 0 {
		return
	}

	c, err := cloudevents.NewClientHTTP()
	if err != nil {
		n.log.Error().Err(err).Msg("failed to build cloudevents client")
		return
	}

	now := time.Now()
	event := cloudevents.NewEvent()
	event.SetID(fmt.Sprintf("hwcfg-change:%d", now.UnixNano()))
	event.SetTime(now)
	event.SetSource("github.com/diwise/iotpipe")
	event.SetType(eventType)

	eventData := struct {
		Reason string `json:"reason"`
	}{Reason: reason}

	if err := event.SetData(cloudevents.ApplicationJSON, eventData); err != nil {
		n.log.Error().Err(err).Msg("failed to set cloudevent data")
		return
	}

	for _, s := range n.subscribers {
		ctxWithTarget := cloudevents.ContextWithTarget(ctx, s.Endpoint)

		result := c.Send(ctxWithTarget, event)
		if cloudevents.IsUndelivered(result) || errors.Is(result, unix.ECONNREFUSED) {
			n.log.Error().Err(result).Str("endpoint", s.Endpoint).Msg("failed to deliver hwcfg-change notification")
		}
	}
}
