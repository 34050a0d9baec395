package history

import (
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/solarvalve/log2"
	"github.com/temoto/solarvalve/tele"
)

const defaultMQTTTimeout = 10 * time.Second

type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string
	Username string
	Password string
	Timeout  time.Duration
}

// Subset of mqtt.Client used by sink.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes retained readings to <topic>/reading
// and faucet events to <topic>/faucet.
type MQTTSink struct {
	log     *log2.Log
	client  publisher
	topic   string
	timeout time.Duration
}

func DialMQTT(config MQTTConfig, log *log2.Log) (*MQTTSink, error) {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultMQTTTimeout
	}
	opt := mqtt.NewClientOptions().
		AddBroker(config.Broker).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetClientID(config.ClientID).
		SetConnectTimeout(timeout).
		SetKeepAlive(timeout * 3).
		SetMaxReconnectInterval(timeout * 3).
		SetPingTimeout(timeout).
		SetWriteTimeout(timeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Errorf("mqtt connection lost err=%v", err)
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Infof("mqtt connected broker=%s", config.Broker)
		})
	if config.Username != "" {
		opt.SetUsername(config.Username)
		opt.SetPassword(config.Password)
	}
	client := mqtt.NewClient(opt)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, errors.Timeoutf("mqtt connect broker=%s", config.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Annotatef(err, "mqtt connect broker=%s", config.Broker)
	}
	return newMQTTSink(client, config.Topic, timeout, log), nil
}

func newMQTTSink(client publisher, topic string, timeout time.Duration, log *log2.Log) *MQTTSink {
	return &MQTTSink{
		log:     log,
		client:  client,
		topic:   topic,
		timeout: timeout,
	}
}

func (m *MQTTSink) Name() string { return "mqtt" }

func (m *MQTTSink) WriteReading(ts int64, r tele.Reading) error {
	b, err := json.Marshal(struct {
		Point
		FaucetClosed bool `json:"c"`
	}{Point{TS: ts, Solar: r.Solar, Tank: r.Tank}, r.FaucetClosed})
	if err != nil {
		return errors.Annotate(err, "mqtt encode reading")
	}
	return m.publish(m.topic+"/reading", true, b)
}

func (m *MQTTSink) WriteFaucet(ts int64, closed bool) error {
	b, err := json.Marshal(FaucetEvent{TS: ts, Closed: closed})
	if err != nil {
		return errors.Annotate(err, "mqtt encode faucet")
	}
	return m.publish(m.topic+"/faucet", false, b)
}

func (m *MQTTSink) publish(topic string, retained bool, b []byte) error {
	token := m.client.Publish(topic, 1, retained, b)
	if !token.WaitTimeout(m.timeout) {
		return errors.Timeoutf("mqtt publish topic=%s", topic)
	}
	if err := token.Error(); err != nil {
		return errors.Annotatef(err, "mqtt publish topic=%s", topic)
	}
	m.log.Debugf("mqtt published topic=%s b=%s", topic, b)
	return nil
}

func (m *MQTTSink) Close() error {
	m.client.Disconnect(250)
	return nil
}
