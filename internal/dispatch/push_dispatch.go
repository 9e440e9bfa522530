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

// GatewayMessenger posts text and email messages to an HTTP delivery gateway.
type GatewayMessenger struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

func NewGatewayMessenger(endpoint, token string) *GatewayMessenger {
	return &GatewayMessenger{Endpoint: endpoint, Token: token, Client: &http.Client{Timeout: 3 * time.Second}}
}

type gatewayMessage struct {
	Channel string `json:"channel"`
	To      string `json:"to"`
	Message string `json:"message"`
}

// Channel reports "email" for addresses and "sms" otherwise.
func Channel(to string) string {
	if strings.Contains(to, "@") {
		return "email"
	}
	return "sms"
}

func (g *GatewayMessenger) Send(ctx context.Context, to, message string) error {
	if to == "" {
		return fmt.Errorf("gateway: empty recipient")
	}
	b, err := json.Marshal(gatewayMessage{Channel: Channel(to), To: to, Message: message})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.Token)
	}
	resp, err := g.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("gateway status %d", resp.StatusCode)
	}
	return nil
}
