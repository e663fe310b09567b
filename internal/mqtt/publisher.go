package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/tidwall/gjson"

	"github.com/nugget/knotwright/internal/buildinfo"
	"github.com/nugget/knotwright/internal/config"
	"github.com/nugget/knotwright/internal/events"
)

// StatsSource provides the process figures published on the stats
// topic. The concrete adapter is wired in main.
type StatsSource interface {
	// ActiveSessions returns the number of sessions still accepting turns.
	ActiveSessions() int
	// DefaultModel returns the configured default model name.
	DefaultModel() string
}

// broker is the publishing half of an MQTT connection.
// *autopaho.ConnectionManager implements it.
type broker interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the MQTT connection and mirrors bus events to the
// broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	tokens     *DailyTokens
	stats      StatsSource
	logger     *slog.Logger

	cm     *autopaho.ConnectionManager
	client broker
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop. tokens and stats may be nil.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, tokens *DailyTokens, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "knotwright"
	}
	if cfg.PublishIntervalSec <= 0 {
		cfg.PublishIntervalSec = 60
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		tokens:     tokens,
		stats:      stats,
		logger:     logger.With("component", "mqtt"),
	}
}

// Start connects to the broker and forwards events until ctx is
// cancelled. On every (re-)connect it publishes the birth message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID(p.cfg.ClientID, p.instanceID),
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm
	p.client = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.run(ctx)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both steps.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) topic(parts ...string) string {
	return p.cfg.TopicPrefix + "/" + strings.Join(parts, "/")
}

func (p *Publisher) availabilityTopic() string {
	return p.topic("availability")
}

func (p *Publisher) statsTopic() string {
	return p.topic("stats")
}

func (p *Publisher) sessionTopic(id, leaf string) string {
	return p.topic("sessions", id, leaf)
}

// --- Publishing ---

func (p *Publisher) publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) {
	if p.client == nil {
		return
	}
	if _, err := p.client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		p.logger.Debug("mqtt publish failed", "topic", topic, "error", err)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm broker, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// run forwards bus events and refreshes the stats topic until ctx is
// cancelled.
func (p *Publisher) run(ctx context.Context) {
	var ch <-chan events.Event
	if p.bus != nil {
		ch = p.bus.Subscribe(256)
		defer p.bus.Unsubscribe(ch)
	}

	ticker := time.NewTicker(time.Duration(p.cfg.PublishIntervalSec) * time.Second)
	defer ticker.Stop()

	p.publishStats(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStats(ctx)
		case e, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(ctx, e)
		}
	}
}

// handleEvent maps one bus event onto its topics. Turn updates are
// delivered at least once; tool and negotiation chatter is best effort.
func (p *Publisher) handleEvent(ctx context.Context, e events.Event) {
	if e.SessionID == "" {
		return
	}

	switch e.Kind {
	case events.KindTurnUpdate:
		payload, err := json.Marshal(e.Data["update"])
		if err != nil {
			p.logger.Error("mqtt marshal turn update", "session", e.SessionID, "error", err)
			return
		}
		p.publish(ctx, p.sessionTopic(e.SessionID, "turn"), payload, 1, false)
		if status := gjson.GetBytes(payload, "status").String(); status != "" {
			p.publish(ctx, p.sessionTopic(e.SessionID, "status"), []byte(status), 1, true)
		}
		return

	case events.KindSessionStart:
		p.publish(ctx, p.sessionTopic(e.SessionID, "status"), []byte("active"), 1, true)

	case events.KindSessionEnd:
		// An empty retained payload clears the retained status.
		p.publish(ctx, p.sessionTopic(e.SessionID, "status"), nil, 1, true)
	}

	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	p.publish(ctx, p.sessionTopic(e.SessionID, "events"), payload, 0, false)
}

// statsPayload is the JSON document on the stats topic.
type statsPayload struct {
	Version        string `json:"version"`
	Uptime         string `json:"uptime"`
	ActiveSessions int    `json:"active_sessions"`
	DefaultModel   string `json:"default_model,omitempty"`
	TokensIn       int64  `json:"tokens_in_today"`
	TokensOut      int64  `json:"tokens_out_today"`
	RequestsToday  int64  `json:"requests_today"`
	Timestamp      string `json:"ts"`
}

func (p *Publisher) collectStats() statsPayload {
	s := statsPayload{
		Version:   buildinfo.Version,
		Uptime:    buildinfo.Uptime().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if p.stats != nil {
		s.ActiveSessions = p.stats.ActiveSessions()
		s.DefaultModel = p.stats.DefaultModel()
	}
	if p.tokens != nil {
		s.TokensIn, s.TokensOut, s.RequestsToday = p.tokens.Snapshot()
	}
	return s
}

func (p *Publisher) publishStats(ctx context.Context) {
	payload, err := json.Marshal(p.collectStats())
	if err != nil {
		p.logger.Error("mqtt marshal stats", "error", err)
		return
	}
	p.publish(ctx, p.statsTopic(), payload, 0, true)
}
