package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sweeney/hydro-node/internal/command"
)

const (
	// DefaultBufferSize is the number of messages kept while offline.
	DefaultBufferSize = 256

	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// RealClient talks to an actual MQTT broker. Messages published while the
// connection is down are buffered and replayed, oldest first, on reconnect.
type RealClient struct {
	client paho.Client
	node   string
	log    logrus.FieldLogger
	now    func() time.Time

	mu        sync.Mutex
	buf       *outbox
	handler   Handler
	connected bool // at least one successful connect
}

// NewRealClient connects to broker as node. The broker publishes a
// retained SHUTDOWN/MQTT_DISCONNECT event on the system topic if the node
// drops off without closing. A broker that is unreachable at startup is
// not an error: the client keeps retrying and buffers meanwhile.
func NewRealClient(broker, node string, log logrus.FieldLogger) (*RealClient, error) {
	c := newRealClient(nil, node, log)

	will, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "SHUTDOWN", Reason: "MQTT_DISCONNECT"})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(fmt.Sprintf("hydro-node-%s-%s", node, uuid.NewString()[:8])).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(SystemTopic(node), string(will), 1, true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.log.WithError(err).Warn("mqtt connection lost")
		})

	c.client = paho.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		c.log.WithField("broker", broker).Warn("mqtt not connected yet, buffering until it is")
		return c, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return c, nil
}

func newRealClient(client paho.Client, node string, log logrus.FieldLogger) *RealClient {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RealClient{
		client: client,
		node:   node,
		log:    log.WithField("component", "mqtt"),
		now:    time.Now,
		buf:    newOutbox(DefaultBufferSize),
	}
}

// onConnect restores the command subscription and replays buffered messages.
func (c *RealClient) onConnect(pc paho.Client) {
	c.mu.Lock()
	reconnect := c.connected
	c.connected = true
	h := c.handler
	responses := c.buf.responses()
	msgs, dropped := c.buf.drainAll()
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"replay": len(msgs), "responses": responses, "dropped": dropped}).Info("mqtt connected")
	if h != nil {
		c.subscribe(pc, h)
	}
	for _, m := range msgs {
		c.publish(m)
	}
	if reconnect {
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: c.now(), Event: "RECONNECTED"})
		c.publish(bufferedMsg{topic: SystemTopic(c.node), payload: payload, qos: 1})
	}
}

// Subscribe routes inbound commands to h.
func (c *RealClient) Subscribe(h Handler) error {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
	if !c.client.IsConnectionOpen() {
		// onConnect subscribes
		return nil
	}
	return c.subscribe(c.client, h)
}

func (c *RealClient) subscribe(pc paho.Client, h Handler) error {
	filter := commandFilter(c.node)
	token := pc.Subscribe(filter, 1, func(_ paho.Client, m paho.Message) {
		channel, ok := ParseCommandTopic(c.node, m.Topic())
		if !ok {
			c.log.WithField("topic", m.Topic()).Warn("ignoring message on unexpected topic")
			return
		}
		h(channel, m.Payload())
	})
	// Subscribe runs from the connect handler too; never block there for long.
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			c.log.WithField("filter", filter).Warn("subscribe timeout")
			return
		}
		if err := token.Error(); err != nil {
			c.log.WithField("filter", filter).WithError(err).Error("subscribe failed")
		}
	}()
	return nil
}

// PublishResponse sends a command response (QoS 1, not retained).
func (c *RealClient) PublishResponse(r command.Response) error {
	payload, err := command.Encode(r)
	if err != nil {
		return fmt.Errorf("format response: %w", err)
	}
	c.publish(bufferedMsg{topic: ResponseTopic(c.node, r.Channel), payload: payload, qos: 1, response: true})
	return nil
}

// PublishSystem sends a system lifecycle event.
func (c *RealClient) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	// QoS 1 (at-least-once) - we want to ensure delivery
	c.publish(bufferedMsg{topic: SystemTopic(c.node), payload: payload, qos: 1, retained: event.Retained})
	return nil
}

// publish sends m, or buffers it when offline. It never waits for the
// broker: responses are published from inside the message handler, where
// waiting on a token would stall the client's router.
func (c *RealClient) publish(m bufferedMsg) {
	if !c.client.IsConnectionOpen() {
		c.enqueue(m)
		return
	}
	token := c.client.Publish(m.topic, m.qos, m.retained, m.payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
			c.log.WithField("topic", m.topic).WithError(token.Error()).Warn("publish failed, buffering")
			c.enqueue(m)
		}
	}()
}

func (c *RealClient) enqueue(m bufferedMsg) {
	c.mu.Lock()
	first := c.buf.push(m)
	c.mu.Unlock()
	if first {
		c.log.WithField("capacity", DefaultBufferSize).Warn("mqtt outbox full, evicting oldest system event")
	}
}

// Buffered returns the number of messages waiting for a connection.
func (c *RealClient) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.len()
}

// IsConnected reports whether the connection to the broker is up.
func (c *RealClient) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (c *RealClient) Close() error {
	c.client.Disconnect(1000) // 1 second timeout
	return nil
}
