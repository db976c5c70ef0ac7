package clientmqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdlog "log"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"sacn2mqtt/internal/logger"
	"sacn2mqtt/internal/packet"
)

// ClientMQTT структура клиента MQTT: мост между юниверсами sACN и брокером.
type ClientMQTT struct {
	ctx       context.Context
	log       logger.Logger
	cfgClient MQTTConf
	client    mqtt.Client
	opts      *mqtt.ClientOptions
	dmxDataCh chan<- DataCh

	mu     sync.Mutex
	topics map[nameTopic]dmxAddr
}

// MQTTClient is a convenience interface to use within this application.
type MQTTClient interface {
	Start(ctx context.Context, dmxDataCh chan<- DataCh) error
	Stop() error
	PublishUniverse(p *packet.DataPacket)
	PublishStatus(universe uint16, status string)
	SubscribeUniverse(universe uint16)
}

// NewClient конструктор.
func NewClient(log logger.Logger, cfgClient MQTTConf) *ClientMQTT {
	if cfgClient.TopicPrefix == "" {
		cfgClient.TopicPrefix = "sacn"
	}
	return &ClientMQTT{
		log:       log,
		cfgClient: cfgClient,
		topics:    map[nameTopic]dmxAddr{},
	}
}

// Start connects to the broker. Commands received on set topics go to dmxDataCh.
func (c *ClientMQTT) Start(ctx context.Context, dmxDataCh chan<- DataCh) error {
	if c.log.GetLevel() == "debug" {
		pahoLog := c.log.With(logger.Fields{"module": "paho"})
		mqtt.ERROR = stdlog.New(pahoLog.WriterLevel(logrus.ErrorLevel), "", 0)
		mqtt.CRITICAL = stdlog.New(pahoLog.WriterLevel(logrus.ErrorLevel), "", 0)
		mqtt.WARN = stdlog.New(pahoLog.WriterLevel(logrus.WarnLevel), "", 0)
	}

	c.ctx = ctx
	c.dmxDataCh = dmxDataCh

	c.opts = mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%s", c.cfgClient.Schema, c.cfgClient.Host, c.cfgClient.Port)).
		SetUsername(c.cfgClient.User).
		SetPassword(c.cfgClient.Password).
		SetDefaultPublishHandler(c.messageHandler).
		SetOnConnectHandler(c.connectHandler).
		SetConnectionLostHandler(c.connectLostHandler).
		SetClientID(c.cfgClient.ClientID).
		SetOrderMatters(false).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second)

	c.client = mqtt.NewClient(c.opts)

	token := c.client.Connect()
	select {
	case <-token.Done():
		if token.Error() != nil {
			return token.Error()
		}
	case <-c.ctx.Done():
		return errors.New("context canceled")
	}

	c.log.With(logger.Fields{"module": "mqtt"}).Infof("Status: %v", c.client.IsConnected())
	return nil
}

func (c *ClientMQTT) Stop() error {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(500)
	}
	return nil
}

// connectHandler restores set-topic subscriptions after every (re)connect.
func (c *ClientMQTT) connectHandler(_ mqtt.Client) {
	c.log.With(logger.Fields{"module": "mqtt"}).Info("client connected to server")
	c.mu.Lock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, string(t))
	}
	c.mu.Unlock()
	for _, t := range topics {
		c.sub(t)
	}
}

func (c *ClientMQTT) connectLostHandler(_ mqtt.Client, err error) {
	c.log.With(logger.Fields{"module": "mqtt"}).Errorf("server connect lost: %v", err)
}

func (c *ClientMQTT) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	c.log.With(logger.Fields{"module": "mqtt"}).Debugf("received message: %s from topic: %s", msg.Payload(), msg.Topic())
	c.sendDataToSender(msg.Topic(), msg.Payload())
}

func (c *ClientMQTT) sendDataToSender(topic string, payload []byte) {
	log := c.log.With(logger.Fields{"module": "mqtt"})
	universe, ok := parseSetTopic(c.cfgClient.TopicPrefix, topic)
	if !ok {
		log.Errorf("unexpected topic %s, command dropped", topic)
		return
	}
	c.mu.Lock()
	_, ok = c.topics[nameTopic(topic)]
	c.mu.Unlock()
	if !ok {
		log.Errorf("universe %d is not an output, command dropped", universe)
		return
	}

	data, err := decodePayload(payload)
	if err != nil {
		log.Errorf("message could not be parsed (%s): %v", payload, err)
		return
	}
	select {
	case c.dmxDataCh <- DataCh{Universe: universe, Data: data}:
	case <-c.ctx.Done():
	}
}

func (c *ClientMQTT) sub(topic string) {
	token := c.client.Subscribe(topic, c.cfgClient.Qos, nil)
	go func() {
		select {
		case <-c.ctx.Done():
			return
		case <-token.Done():
			if token.Error() != nil {
				c.log.With(logger.Fields{"module": "mqtt"}).Errorf("topic %s subscription error. %v", topic, token.Error())
				return
			}
		}
		c.log.With(logger.Fields{"module": "mqtt"}).Debugf("topic %s subscribed", topic)
	}()
}

// SubscribeUniverse starts accepting channel commands for an output universe.
func (c *ClientMQTT) SubscribeUniverse(universe uint16) {
	topic := setTopic(c.cfgClient.TopicPrefix, universe)
	c.mu.Lock()
	_, exists := c.topics[nameTopic(topic)]
	c.topics[nameTopic(topic)] = dmxAddr(universe)
	c.mu.Unlock()
	if exists {
		return
	}
	if c.client != nil && c.client.IsConnected() {
		c.sub(topic)
	}
}

// PublishUniverse publishes a received universe. It never blocks the caller.
func (c *ClientMQTT) PublishUniverse(p *packet.DataPacket) {
	msg, err := encodeUniverse(p)
	if err != nil {
		c.log.With(logger.Fields{"module": "mqtt"}).Errorf("encode universe %d: %v", p.Universe(), err)
		return
	}
	c.publish(universeTopic(c.cfgClient.TopicPrefix, p.Universe()), false, msg)
}

// PublishStatus publishes the retained availability of a universe.
func (c *ClientMQTT) PublishStatus(universe uint16, status string) {
	c.publish(statusTopic(c.cfgClient.TopicPrefix, universe), true, []byte(status))
}

func (c *ClientMQTT) publish(topic string, retained bool, msg []byte) {
	if c.client == nil || !c.client.IsConnected() {
		return
	}
	token := c.client.Publish(topic, c.cfgClient.Qos, retained, msg)
	go func() {
		select {
		case <-c.ctx.Done():
			return
		case <-token.Done():
			if token.Error() != nil {
				c.log.With(logger.Fields{"module": "mqtt"}).Errorf("error publish topic %s. %v", topic, token.Error())
			}
		}
	}()
}

func universeTopic(prefix string, universe uint16) string {
	return fmt.Sprintf("%s/%d", prefix, universe)
}

func statusTopic(prefix string, universe uint16) string {
	return fmt.Sprintf("%s/%d/status", prefix, universe)
}

func setTopic(prefix string, universe uint16) string {
	return fmt.Sprintf("%s/%d/set", prefix, universe)
}

// parseSetTopic returns the universe of a "<prefix>/<universe>/set" topic.
func parseSetTopic(prefix, topic string) (uint16, bool) {
	rest := strings.TrimPrefix(topic, prefix+"/")
	if rest == topic || !strings.HasSuffix(rest, "/set") {
		return 0, false
	}
	u, err := strconv.ParseUint(strings.TrimSuffix(rest, "/set"), 10, 16)
	if err != nil || u < uint64(packet.MinUniverse) || u > uint64(packet.MaxUniverse) {
		return 0, false
	}
	return uint16(u), true
}

func encodeUniverse(p *packet.DataPacket) ([]byte, error) {
	return json.Marshal(UniverseMessage{
		Universe: p.Universe(),
		Priority: p.Priority(),
		Source:   p.SourceName(),
		CID:      p.CID().String(),
		Sequence: p.Sequence(),
		Preview:  p.PreviewData(),
		Data:     p.Data(),
	})
}

func decodePayload(b []byte) (Payload, error) {
	var data Payload
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, err
	}
	for _, cmd := range data {
		if int(cmd.Channel) >= packet.Channels {
			return nil, fmt.Errorf("channel %d: %w", cmd.Channel, packet.ErrOutOfRange)
		}
	}
	return data, nil
}
