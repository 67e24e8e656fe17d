package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/aki/internal/config"
	"github.com/nugget/aki/internal/events"
)

const (
	// busBuffer is the relay's bus subscription depth. Events beyond it
	// are dropped by the bus while the broker is slow.
	busBuffer = 512

	commandLimit    = 20
	commandInterval = 10 * time.Second
)

// TurnStopper stops the in-flight turn of a conversation. It reports
// false when no turn is running.
type TurnStopper interface {
	StopTurn(conversationID string) bool
}

// Relay forwards bus events to the broker and accepts stop commands.
type Relay struct {
	cfg     config.MQTTConfig
	topics  topics
	bus     *events.Bus
	stopper TurnStopper
	limiter *commandLimiter
	logger  *slog.Logger
	cm      atomic.Pointer[autopaho.ConnectionManager]
}

// New creates a Relay but does not connect. stopper may be nil, in
// which case no command topic is subscribed.
func New(cfg config.MQTTConfig, bus *events.Bus, stopper TurnStopper, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	return &Relay{
		cfg:     cfg,
		topics:  newTopics(cfg.TopicPrefix),
		bus:     bus,
		stopper: stopper,
		limiter: newCommandLimiter(commandLimit, commandInterval, logger),
		logger:  logger,
	}
}

// Start connects to the broker and relays events until ctx is
// cancelled. A broker that is unreachable at startup is retried in
// the background; events published meanwhile are dropped.
func (r *Relay) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(r.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: r.cfg.Username,
		ConnectPassword: []byte(r.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   r.topics.availability(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			r.logger.Info("mqtt connected to broker", "broker", r.cfg.Broker)
			r.publishAvailability(ctx, cm, "online")
			r.subscribeCommands(ctx, cm)
		},
		OnConnectError: func(err error) {
			r.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "aki-" + uuid.NewString()[:8],
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					r.handleCommand(pr.Packet.Topic)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	r.cm.Store(cm)

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		r.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go r.limiter.run(ctx)
	r.relay(ctx, cm)
	return nil
}

// Stop publishes "offline" and disconnects.
func (r *Relay) Stop(ctx context.Context) error {
	cm := r.cm.Load()
	if cm == nil {
		return nil
	}
	r.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires.
func (r *Relay) AwaitConnection(ctx context.Context) error {
	cm := r.cm.Load()
	if cm == nil {
		return fmt.Errorf("mqtt relay not started")
	}
	return cm.AwaitConnection(ctx)
}

func (r *Relay) relay(ctx context.Context, cm *autopaho.ConnectionManager) {
	ch := r.bus.Subscribe(busBuffer)
	defer r.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.publishEvent(ctx, cm, ev)
		}
	}
}

func (r *Relay) publishEvent(ctx context.Context, cm *autopaho.ConnectionManager, ev events.TurnEvent) {
	payload, qos, err := eventMessage(ev)
	if err != nil {
		r.logger.Error("mqtt marshal event", "kind", ev.Kind, "error", err)
		return
	}
	topic := r.topics.events(ev.ConversationID)
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
	}); err != nil {
		r.logger.Debug("mqtt event publish failed", "topic", topic, "kind", ev.Kind, "error", err)
	}
}

func (r *Relay) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   r.topics.availability(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		r.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		r.logger.Info("mqtt availability published", "status", status)
	}
}

func (r *Relay) subscribeCommands(ctx context.Context, cm *autopaho.ConnectionManager) {
	if r.stopper == nil {
		return
	}
	filter := r.topics.stopFilter()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	}); err != nil {
		r.logger.Warn("mqtt command subscribe failed", "topic", filter, "error", err)
		return
	}
	r.logger.Debug("mqtt command topic subscribed", "topic", filter)
}

// handleCommand acts on one inbound message. Unknown topics are ignored.
func (r *Relay) handleCommand(topic string) {
	id, ok := r.topics.parseStop(topic)
	if !ok || r.stopper == nil {
		return
	}
	if !r.limiter.allow() {
		return
	}
	if r.stopper.StopTurn(id) {
		r.logger.Info("turn stop requested", "conversation", id, "via", "mqtt")
	} else {
		r.logger.Debug("stop command for idle conversation", "conversation", id)
	}
}
