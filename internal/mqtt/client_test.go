package mqtt

import (
	"testing"

	"bridge-controller/internal/core"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func TestParsePayload(t *testing.T) {
	tests := []struct {
		payload string
		want    core.Kind
	}{
		{"CMD_SLAVE_STATUS", core.KindSlaveStatus},
		{" CMD_SLAVE_RESET\n", core.KindSlaveReset},
		{"8", core.KindWiFi},
		{"12", core.KindInvalid},
		{"250", core.KindInvalid},
		{"hello", core.KindInvalid},
	}
	for _, tt := range tests {
		if got := parsePayload([]byte(tt.payload)); got != tt.want {
			t.Errorf("parsePayload(%q) = %s, want %s", tt.payload, got, tt.want)
		}
	}
}

func TestHandleCommand_TagsOrigin(t *testing.T) {
	for _, origin := range []core.Origin{core.OriginMQTT, core.OriginMQTTCloud} {
		t.Run(origin.String(), func(t *testing.T) {
			inbox := make(core.CommandChannel, 1)
			c := NewClient("mqtt", Config{Broker: "tcp://127.0.0.1:1", ClientID: "test", TopicPrefix: "lab/"}, origin, inbox, core.NewEventBus())

			c.handleCommand(nil, &fakeMessage{topic: "lab/command", payload: []byte("CMD_SLAVE_START_B")})

			cmd := <-inbox
			if cmd.Origin != origin || cmd.Kind != core.KindSlaveStartB {
				t.Errorf("queued %+v", cmd)
			}
		})
	}
}

func TestTopicAndReplies(t *testing.T) {
	c := NewClient("mqtt", Config{TopicPrefix: "bridge/"}, core.OriginMQTT, nil, core.NewEventBus())
	if got := c.topic("command"); got != "bridge/command" {
		t.Errorf("topic = %q", got)
	}

	tests := []struct {
		reply     core.Reply
		wantTopic string
		wantBody  string
	}{
		{core.Reply{Kind: core.KindEcho}, "reply", "10"},
		{core.Reply{SlaveState: 2, IsSlaveState: true}, "slave/state", "2"},
	}
	for _, tt := range tests {
		topic, body := replyMessage(tt.reply)
		if topic != tt.wantTopic || body != tt.wantBody {
			t.Errorf("replyMessage(%v) = %s %s, want %s %s", tt.reply, topic, body, tt.wantTopic, tt.wantBody)
		}
	}
}

func TestStartStopIdempotent(t *testing.T) {
	c := NewClient("mqtt", Config{Broker: "tcp://127.0.0.1:1", ClientID: "test"}, core.OriginMQTT, nil, core.NewEventBus())
	if err := c.Stop(); err != nil {
		t.Errorf("Stop before Start = %v", err)
	}
	if c.Name() != "mqtt" {
		t.Errorf("Name = %q", c.Name())
	}
}
