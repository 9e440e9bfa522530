package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// FCMPublisher mirrors topic events to FCM topic messaging through the HTTP v1
// send endpoint, so responder handsets get offers while the app is in the
// background.
type FCMPublisher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMPublisher(endpoint, key string) *FCMPublisher {
	return &FCMPublisher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type fcmMessage struct {
	Message struct {
		Topic string            `json:"topic"`
		Data  map[string]string `json:"data"`
	} `json:"message"`
}

// FCMTopic maps a hub topic onto the FCM topic alphabet [a-zA-Z0-9-_.~%].
func FCMTopic(topic string) string {
	return strings.ReplaceAll(topic, ":", "-")
}

func (f *FCMPublisher) Publish(ctx context.Context, topic, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var m fcmMessage
	m.Message.Topic = FCMTopic(topic)
	// FCM data values must be strings
	m.Message.Data = map[string]string{"event": event, "payload": string(data)}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("fcm publish %s: %w", topic, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("fcm publish %s: status %d", topic, resp.StatusCode)
	}
	return nil
}
