package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/mycosoft/mycobridge/helpers"
	"github.com/mycosoft/mycobridge/log2"
	"github.com/mycosoft/mycobridge/mdp"
)

const defaultMqttTimeout = 30 * time.Second

type MQTTConfig struct {
	Broker         string
	ClientID       string
	Password       string
	TopicPrefix    string
	StorePath      string
	KeepaliveSec   int
	PingTimeoutSec int
	LogDebug       bool
}

// MQTT publishes telemetry batches and device registrations to the
// platform broker. Batches go out as one JSON array per publish, QoS 1;
// registrations are retained so late platform subscribers still see the
// device inventory.
type MQTT struct {
	log  *log2.Log
	m    mqtt.Client
	mopt *mqtt.ClientOptions

	topicTelemetry string
	topicDevices   string
	topicState     string
}

func NewMQTT(conf MQTTConfig, log *log2.Log) (*MQTT, error) {
	if conf.Broker == "" {
		return nil, errors.NotValidf("mqtt sink broker empty")
	}
	self := &MQTT{log: log}

	mqtt.ERROR = log
	mqtt.CRITICAL = log
	mqtt.WARN = log
	if conf.LogDebug {
		mqtt.DEBUG = log
	}

	clientID := conf.ClientID
	if clientID == "" {
		clientID = "mycobridge"
	}
	prefix := conf.TopicPrefix
	if prefix == "" {
		prefix = clientID
	}
	self.topicTelemetry = fmt.Sprintf("%s/w/t", prefix)
	self.topicDevices = fmt.Sprintf("%s/w/d", prefix)
	self.topicState = fmt.Sprintf("%s/c", prefix)

	credFun := func() (string, string) { return clientID, conf.Password }
	keepAlive := helpers.IntSecondDefault(conf.KeepaliveSec, 60*time.Second)
	pingTimeout := helpers.IntSecondDefault(conf.PingTimeoutSec, defaultMqttTimeout)

	self.mopt = mqtt.NewClientOptions().
		AddBroker(conf.Broker).
		SetBinaryWill(self.topicState, []byte{0x00}, 1, true).
		SetCleanSession(false).
		SetClientID(clientID).
		SetCredentialsProvider(credFun).
		SetKeepAlive(keepAlive).
		SetPingTimeout(pingTimeout).
		SetOrderMatters(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(keepAlive / 2).
		SetOnConnectHandler(self.onConnectHandler).
		SetConnectionLostHandler(self.connectLostHandler)
	if conf.StorePath != "" {
		self.mopt.SetStore(mqtt.NewFileStore(conf.StorePath))
	}
	self.m = mqtt.NewClient(self.mopt)

	t := self.m.Connect()
	if t.Error() != nil {
		return nil, errors.Annotate(t.Error(), "mqtt sink connect")
	}
	return self, nil
}

func (self *MQTT) RegisterDevice(ctx context.Context, deviceID string) error {
	t := self.m.Publish(self.topicDevices, 1, true, []byte(deviceID))
	return self.tokenWait(ctx, t, "publish device "+deviceID)
}

func (self *MQTT) Commit(ctx context.Context, batch []*mdp.Telemetry) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		// retry will not help
		self.log.Errorf("CRITICAL mqtt sink batch marshal err=%v", err)
		return nil
	}
	t := self.m.Publish(self.topicTelemetry, 1, false, payload)
	return self.tokenWait(ctx, t, "publish telemetry")
}

func (self *MQTT) Close() {
	self.m.Disconnect(uint(defaultMqttTimeout / time.Millisecond))
}

func (self *MQTT) onConnectHandler(c mqtt.Client) {
	self.log.Infof("mqtt sink connect")
	c.Publish(self.topicState, 1, true, []byte{0x01})
}

func (self *MQTT) connectLostHandler(_ mqtt.Client, err error) {
	self.log.Infof("mqtt sink disconnect err=%v", err)
}

func (self *MQTT) tokenWait(ctx context.Context, t mqtt.Token, tag string) error {
	deadline := defaultMqttTimeout
	if d, ok := ctx.Deadline(); ok {
		deadline = time.Until(d)
	}
	if !t.WaitTimeout(deadline) {
		err := errors.Timeoutf("mqtt sink %s", tag)
		self.log.Errorf("sink: MQTT %s", err.Error())
		return err
	}
	if err := t.Error(); err != nil {
		err = errors.Annotate(err, tag)
		self.log.Errorf("sink: MQTT %s", err.Error())
		return err
	}
	return nil
}
