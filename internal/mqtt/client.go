package mqtt

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"bridge-controller/internal/core"
	"bridge-controller/internal/logging"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

const submitTimeout = time.Second

// Config describes one broker connection.
type Config struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
}

// Client is an MQTT origin adapter. Commands arrive on <prefix>/command;
// replies, mode changes and slave notifications are published under the
// same prefix. It is also a core.Radio: Start connects, Stop disconnects.
type Client struct {
	client   mqtt.Client
	cfg      Config
	name     string
	origin   core.Origin
	prefix   string
	inbox    core.CommandChannel
	replies  core.ReplyChannel
	eventBus *core.EventBus

	mu      sync.Mutex
	started bool
	log     *logrus.Entry
}

// NewClient creates a client with the reconnect policy used for all
// brokers. Nothing connects until Start.
func NewClient(name string, cfg Config, origin core.Origin, inbox core.CommandChannel, eventBus *core.EventBus) *Client {
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")

	c := &Client{
		cfg:      cfg,
		name:     name,
		origin:   origin,
		prefix:   prefix,
		inbox:    inbox,
		replies:  core.NewReplyChannel(),
		eventBus: eventBus,
		log:      logging.For(name),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)

	opts.SetKeepAlive(10 * time.Second)
	opts.SetPingTimeout(5 * time.Second)

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	// Keep retrying the first connection while the broker is not up yet.
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)

	opts.SetOrderMatters(false)

	opts.SetWill(c.topic("availability"), "offline", 1, true)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		c.log.WithError(err).Warn("Connection lost. Retrying in background...")
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, options *mqtt.ClientOptions) {
		c.log.Info("Attempting to reconnect...")
	})

	c.client = mqtt.NewClient(opts)
	return c
}

func (c *Client) Name() string { return c.name }

// Replies is the sink to register with the dispatcher for this origin.
func (c *Client) Replies() core.ReplyChannel { return c.replies }

// Start begins connecting in the background.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	c.started = true

	c.log.Infof("Starting connection loop to %s...", c.cfg.Broker)
	token := c.client.Connect()
	go func() {
		if token.Wait() && token.Error() != nil {
			c.log.WithError(token.Error()).Error("Initial connection error.")
		}
	}()
	return nil
}

// Stop publishes the offline status and closes the connection.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false

	if c.client.IsConnected() {
		token := c.client.Publish(c.topic("availability"), 0, true, "offline")
		if !token.WaitTimeout(2 * time.Second) {
			c.log.Warn("Timed out publishing offline status.")
		} else if token.Error() != nil {
			c.log.WithError(token.Error()).Warn("Failed to publish offline status.")
		}
	}
	c.client.Disconnect(250)
	c.log.Info("Disconnected.")
	return nil
}

// Run forwards replies and dispatcher events to the broker until ctx is
// cancelled. While disconnected they are dropped.
func (c *Client) Run(ctx context.Context) {
	go c.pumpReplies(ctx)

	types := []core.EventType{core.ModeChangedEvent, core.SlaveFinishedEvent}
	sub := c.eventBus.Subscribe(types...)
	defer c.eventBus.Unsubscribe(sub, types...)

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-sub:
			switch p := event.Payload.(type) {
			case core.WirelessMode:
				c.Publish("mode", p.String(), true)
			case core.Kind:
				c.Publish("slave/finished", p.String(), false)
			}
		}
	}
}

func (c *Client) pumpReplies(ctx context.Context) {
	for {
		r, ok := core.ReadReply(ctx, c.replies, 0)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		subtopic, payload := replyMessage(r)
		c.Publish(subtopic, payload, false)
	}
}

// Publish sends payload to <prefix>/<subtopic> without blocking the caller.
func (c *Client) Publish(subtopic string, payload interface{}, retained bool) {
	if !c.client.IsConnected() {
		c.log.Debugf("Not connected, dropping %s.", subtopic)
		return
	}

	topic := c.topic(subtopic)
	msg := fmt.Sprintf("%v", payload)

	token := c.client.Publish(topic, 0, retained, msg)

	go func() {
		if token.WaitTimeout(5 * time.Second) {
			if token.Error() != nil {
				c.log.WithError(token.Error()).Warnf("Publish error to %s.", topic)
			}
		} else {
			c.log.Warnf("Timeout publishing to %s.", topic)
		}
	}()
}

func (c *Client) onConnect(client mqtt.Client) {
	c.log.Info("Connected to broker.")

	topic := c.topic("command")
	if token := client.Subscribe(topic, 1, c.handleCommand); token.Wait() && token.Error() != nil {
		c.log.WithError(token.Error()).Errorf("Error subscribing to %s.", topic)
	} else {
		c.log.Infof("Subscribed to %s.", topic)
	}

	go c.Publish("availability", "online", true)
}

func (c *Client) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	kind := parsePayload(msg.Payload())
	c.log.Infof("Received %s on %s.", kind, msg.Topic())

	cmd := core.Command{Origin: c.origin, Kind: kind}
	if err := core.Submit(context.Background(), c.inbox, cmd, submitTimeout); err != nil {
		c.log.WithError(err).Warnf("Could not queue %s.", kind)
	}
}

func (c *Client) topic(sub string) string {
	return fmt.Sprintf("%s/%s", c.prefix, sub)
}

// parsePayload accepts a command name or its numeric value.
func parsePayload(payload []byte) core.Kind {
	text := strings.TrimSpace(string(payload))
	if n, err := strconv.ParseUint(text, 10, 8); err == nil {
		if n >= uint64(core.KindInvalid) {
			return core.KindInvalid
		}
		return core.Kind(n)
	}
	return core.ParseKind(text)
}

func replyMessage(r core.Reply) (subtopic string, payload string) {
	if r.IsSlaveState {
		return "slave/state", strconv.Itoa(int(r.SlaveState))
	}
	return "reply", strconv.Itoa(int(r.Kind))
}
