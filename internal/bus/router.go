// Package bus routes messages between the MQTT broker and gateway sessions.
//
// The Router owns the topic→inbox mapping: sessions attach their inbox to
// the topics they care about, inbound bus messages are parsed and delivered
// FIFO into the matching inbox, and outbound commands are published at
// QoS 1 with broker acknowledgement. Delivery runs on the MQTT client's
// receive goroutine; the inbox channel is the only state shared with a
// session's main loop.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/loftwall/echogate/pkg/assistant"
)

// subscribeQoS is the quality level for all gateway subscriptions and
// publishes: the broker must acknowledge receipt, duplicates are tolerated.
const subscribeQoS = 1

// Router maintains the topic→inbox subscription map on top of a paho MQTT
// client. Safe for concurrent use.
type Router struct {
	client         mqtt.Client
	broadcastTopic string
	logger         *slog.Logger

	mu      sync.Mutex
	inboxes map[string]chan<- assistant.Response
}

// New creates a Router on top of client. broadcastTopic is subscribed once
// in [Router.Start] and is never unsubscribed; sessions only map and unmap
// their inbox onto it.
func New(client mqtt.Client, broadcastTopic string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		client:         client,
		broadcastTopic: broadcastTopic,
		logger:         logger,
		inboxes:        make(map[string]chan<- assistant.Response),
	}
}

// Start connects to the broker and subscribes the broadcast topic. Messages
// arriving on it before any session is attached are discarded with a
// warning, which is the normal idle behaviour.
func (r *Router) Start(ctx context.Context) error {
	if err := waitToken(ctx, r.client.Connect()); err != nil {
		return fmt.Errorf("bus: connect: %w", err)
	}
	if err := waitToken(ctx, r.client.Subscribe(r.broadcastTopic, subscribeQoS, r.deliver)); err != nil {
		return fmt.Errorf("bus: subscribe broadcast topic %q: %w", r.broadcastTopic, err)
	}
	r.logger.Info("connected to broker", "broadcast_topic", r.broadcastTopic)
	return nil
}

// Stop disconnects from the broker, allowing quiesceMs milliseconds for
// in-flight work to finish.
func (r *Router) Stop(quiesceMs uint) {
	r.client.Disconnect(quiesceMs)
}

// Connected reports whether the broker connection is currently open. Used
// by the readiness probe.
func (r *Router) Connected() bool {
	return r.client.IsConnectionOpen()
}

// Subscribe maps topic to inbox and ensures a broker subscription exists.
// Subscribing a topic that is already mapped is a no-op, so calling it
// twice within a session has the same observable effect as calling it once.
func (r *Router) Subscribe(ctx context.Context, topic string, inbox chan<- assistant.Response) error {
	r.mu.Lock()
	if _, ok := r.inboxes[topic]; ok && topic != r.broadcastTopic {
		r.mu.Unlock()
		return nil
	}
	r.inboxes[topic] = inbox
	r.mu.Unlock()

	// The broadcast topic is subscribed for the router's lifetime.
	if topic == r.broadcastTopic {
		return nil
	}
	if err := waitToken(ctx, r.client.Subscribe(topic, subscribeQoS, r.deliver)); err != nil {
		r.mu.Lock()
		delete(r.inboxes, topic)
		r.mu.Unlock()
		return fmt.Errorf("bus: subscribe %q: %w", topic, err)
	}
	return nil
}

// UnsubscribeAll removes every mapping that points at inbox and drops the
// matching broker subscriptions. It is safe to call with an inbox that was
// never attached, and safe to call more than once.
func (r *Router) UnsubscribeAll(ctx context.Context, inbox chan<- assistant.Response) error {
	r.mu.Lock()
	var topics []string
	for topic, ch := range r.inboxes {
		if ch == inbox {
			delete(r.inboxes, topic)
			if topic != r.broadcastTopic {
				topics = append(topics, topic)
			}
		}
	}
	r.mu.Unlock()

	if len(topics) == 0 {
		return nil
	}
	if err := waitToken(ctx, r.client.Unsubscribe(topics...)); err != nil {
		return fmt.Errorf("bus: unsubscribe %v: %w", topics, err)
	}
	return nil
}

// Publish sends payload to topic at QoS 1 and waits for the broker to
// acknowledge receipt, bounded by ctx. It does not guarantee a downstream
// subscriber processed the message.
func (r *Router) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := waitToken(ctx, r.client.Publish(topic, subscribeQoS, false, payload)); err != nil {
		return fmt.Errorf("bus: publish to %q: %w", topic, err)
	}
	return nil
}

// deliver is the inbound message handler. An unmapped topic or a payload
// that fails to parse discards the message without affecting any session;
// a full inbox drops the message rather than blocking the receive path.
func (r *Router) deliver(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()

	r.mu.Lock()
	inbox, ok := r.inboxes[topic]
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("no inbox for topic, discarding message", "topic", topic)
		return
	}

	var resp assistant.Response
	if err := json.Unmarshal(msg.Payload(), &resp); err != nil {
		r.logger.Error("discarding malformed bus payload", "topic", topic, "err", err)
		return
	}

	select {
	case inbox <- resp:
	default:
		r.logger.Warn("session inbox full, dropping reply", "topic", topic)
	}
}

// waitToken blocks until the paho token completes or ctx expires.
func waitToken(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
