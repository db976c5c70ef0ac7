package clientmqtt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"sacn2mqtt/internal/logger"
	"sacn2mqtt/internal/packet"
)

func TestTopics(t *testing.T) {
	if got := universeTopic("sacn", 7); got != "sacn/7" {
		t.Errorf("universe topic %q", got)
	}
	if got := statusTopic("sacn", 7); got != "sacn/7/status" {
		t.Errorf("status topic %q", got)
	}
	if got := setTopic("lights/sacn", 63999); got != "lights/sacn/63999/set" {
		t.Errorf("set topic %q", got)
	}
}

func TestParseSetTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  uint16
		ok    bool
	}{
		{"sacn/1/set", 1, true},
		{"sacn/63999/set", 63999, true},
		{"sacn/0/set", 0, false},
		{"sacn/64000/set", 0, false},
		{"sacn/1", 0, false},
		{"sacn/1/status", 0, false},
		{"other/1/set", 0, false},
		{"sacn/x/set", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseSetTopic("sacn", tt.topic)
		if got != tt.want || ok != tt.ok {
			t.Errorf("parseSetTopic(%q) = %d, %v; want %d, %v", tt.topic, got, ok, tt.want, tt.ok)
		}
	}
}

func TestEncodeUniverse(t *testing.T) {
	cid := packet.NewCID()
	p, err := packet.NewDataPacket(cid, "desk", 5, []byte{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	p.SetSequence(9)
	b, err := encodeUniverse(p)
	if err != nil {
		t.Fatal(err)
	}

	var msg struct {
		Universe uint16 `json:"universe"`
		Priority uint8  `json:"priority"`
		Source   string `json:"source"`
		CID      string `json:"cid"`
		Sequence uint8  `json:"sequence"`
		Data     []int  `json:"data"`
	}
	if err := json.Unmarshal(b, &msg); err != nil {
		t.Fatalf("%v: %s", err, b)
	}
	if msg.Universe != 5 || msg.Priority != 100 || msg.Source != "desk" || msg.Sequence != 9 {
		t.Errorf("unexpected message %+v", msg)
	}
	if msg.CID != cid.String() {
		t.Errorf("cid %q, want %q", msg.CID, cid.String())
	}
	if len(msg.Data) != packet.Channels || msg.Data[0] != 1 || msg.Data[2] != 3 || msg.Data[3] != 0 {
		t.Errorf("data must be a 512 number array, got %d values", len(msg.Data))
	}
}

func TestDecodePayload(t *testing.T) {
	data, err := decodePayload([]byte(`[{"Channel":0,"Value":255},{"Channel":511,"Value":1}]`))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 2 || data[1].Channel != 511 || data[1].Value != 1 {
		t.Errorf("unexpected payload %+v", data)
	}

	if _, err := decodePayload([]byte(`[{"Channel":512,"Value":1}]`)); !errors.Is(err, packet.ErrOutOfRange) {
		t.Errorf("channel 512: got %v", err)
	}
	if _, err := decodePayload([]byte(`{"Channel":1}`)); err == nil {
		t.Error("object payload must be rejected")
	}
}

func TestSendDataToSender(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan DataCh, 4)
	c := NewClient(logger.NewDiscard(), MQTTConf{})
	c.ctx = ctx
	c.dmxDataCh = ch

	// Not connected: the topic is only recorded.
	c.SubscribeUniverse(3)
	c.SubscribeUniverse(3)

	c.sendDataToSender("sacn/3/set", []byte(`[{"Channel":10,"Value":42}]`))
	c.sendDataToSender("sacn/4/set", []byte(`[{"Channel":10,"Value":42}]`))
	c.sendDataToSender("sacn/3/set", []byte(`not json`))
	c.sendDataToSender("sacn/3", []byte(`[]`))

	if len(ch) != 1 {
		t.Fatalf("got %d commands, want 1", len(ch))
	}
	got := <-ch
	if got.Universe != 3 || len(got.Data) != 1 || got.Data[0] != (DMXCommand{Channel: 10, Value: 42}) {
		t.Errorf("unexpected command %+v", got)
	}
}

func TestPublishWithoutConnection(t *testing.T) {
	c := NewClient(logger.NewDiscard(), MQTTConf{TopicPrefix: "x"})
	p, err := packet.NewDataPacket(packet.CID{}, "desk", 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.PublishUniverse(p)
	c.PublishStatus(1, "available")
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
}
