package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTClient is the subset of the paho client the publisher needs.
type MQTTClient interface {
	IsConnected() bool
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTPublisher mirrors topic events to a broker under prefix/topic.
type MQTTPublisher struct {
	client  MQTTClient
	prefix  string
	qos     byte
	timeout time.Duration
	now     func() time.Time
}

func NewMQTTPublisher(client MQTTClient, prefix string) *MQTTPublisher {
	return &MQTTPublisher{client: client, prefix: prefix, qos: 1, timeout: 5 * time.Second, now: time.Now}
}

// DialMQTT connects to broker with auto reconnect.
func DialMQTT(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(true)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return client, nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, topic, event string, payload any) error {
	b, err := json.Marshal(Envelope{Topic: topic, Event: event, Payload: payload, At: p.now()})
	if err != nil {
		return err
	}
	token := p.client.Publish(p.topic(topic), p.qos, false, b)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.timeout):
		return fmt.Errorf("mqtt publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

func (p *MQTTPublisher) topic(t string) string {
	if p.prefix == "" {
		return t
	}
	return p.prefix + "/" + t
}

func (p *MQTTPublisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
