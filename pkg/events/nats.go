package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/metrics"
)

const DefaultSubjectPrefix = "voxbridge"

// DefaultEvents are the session events fanned out when no list is configured.
var DefaultEvents = []string{
	metrics.EventSessionStarted,
	metrics.EventSessionEnded,
	metrics.EventModeChanged,
	metrics.EventTurnDispatched,
	metrics.EventTurnFailed,
	metrics.EventChatCleared,
	metrics.EventVideoContext,
	metrics.EventViolation,
}

// Publisher is the part of *nats.Conn the observer needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type Config struct {
	URL           string
	Name          string
	SubjectPrefix string
	Events        []string
	Logger        *slog.Logger
}

// Envelope is the JSON body of every published event.
type Envelope struct {
	Name   string            `json:"name"`
	Time   int64             `json:"timestamp"`
	Value  float64           `json:"value,omitempty"`
	Tags   map[string]string `json:"tags,omitempty"`
	Fields map[string]any    `json:"fields,omitempty"`
}

// Observer publishes selected metrics events to "<prefix>.<event>".
type Observer struct {
	pub     Publisher
	conn    *nats.Conn
	prefix  string
	allow   map[string]struct{}
	log     *slog.Logger
	failed  atomic.Int64
	written atomic.Int64
}

// Connect dials NATS and returns an observer that owns the connection.
func Connect(cfg Config) (*Observer, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	name := cfg.Name
	if name == "" {
		name = "voxbridge"
	}
	log := logging.NewComponentLogger(cfg.Logger, "events")
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats_disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats_reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("events: connect %s: %w", url, err), errorsx.ReasonEventPublish)
	}
	log.Info("nats_connected", slog.String("url", conn.ConnectedUrl()))
	o := NewObserver(conn, cfg)
	o.conn = conn
	return o, nil
}

func NewObserver(pub Publisher, cfg Config) *Observer {
	prefix := strings.TrimSuffix(strings.TrimSpace(cfg.SubjectPrefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	list := cfg.Events
	if len(list) == 0 {
		list = DefaultEvents
	}
	allow := make(map[string]struct{}, len(list))
	for _, name := range list {
		allow[strings.TrimSpace(name)] = struct{}{}
	}
	return &Observer{
		pub:    pub,
		prefix: prefix,
		allow:  allow,
		log:    logging.NewComponentLogger(cfg.Logger, "events"),
	}
}

func (o *Observer) Subject(event string) string {
	return o.prefix + "." + event
}

func (o *Observer) RecordEvent(ev metrics.MetricsEvent) {
	if o.pub == nil {
		return
	}
	if _, ok := o.allow[ev.Name]; !ok {
		return
	}
	body, err := json.Marshal(Envelope{
		Name:   ev.Name,
		Time:   ev.Time.UnixMilli(),
		Value:  ev.Value,
		Tags:   ev.Tags,
		Fields: ev.Fields,
	})
	if err != nil {
		o.failed.Add(1)
		o.log.Warn("event_encode_failed", slog.String("event", ev.Name), slog.String("error", err.Error()))
		return
	}
	if err := o.pub.Publish(o.Subject(ev.Name), body); err != nil {
		o.failed.Add(1)
		o.log.Warn("event_publish_failed", slog.String("event", ev.Name), slog.Any("error", errorsx.Wrap(err, errorsx.ReasonEventPublish)))
		return
	}
	o.written.Add(1)
}

// Published and Failed count publish outcomes.
func (o *Observer) Published() int64 { return o.written.Load() }
func (o *Observer) Failed() int64    { return o.failed.Load() }

// Close drains the owned connection, if any.
func (o *Observer) Close() error {
	if o.conn == nil {
		return nil
	}
	return o.conn.Drain()
}

var _ metrics.Observer = (*Observer)(nil)
