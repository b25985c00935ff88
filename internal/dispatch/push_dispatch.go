package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const DefaultExpoEndpoint = "https://exp.host/--/api/v2/push/send"

// ExpoPusher sends through the Expo push service the mobile apps register with.
type ExpoPusher struct {
	Endpoint    string
	AccessToken string
	Client      *http.Client
}

func NewExpoPusher(endpoint, accessToken string) *ExpoPusher {
	if endpoint == "" {
		endpoint = DefaultExpoEndpoint
	}
	return &ExpoPusher{Endpoint: endpoint, AccessToken: accessToken, Client: &http.Client{Timeout: 3 * time.Second}}
}

type expoMessage struct {
	To       string         `json:"to"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Data     map[string]any `json:"data,omitempty"`
	Sound    string         `json:"sound"`
	Priority string         `json:"priority"`
}

type expoTicket struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (p *ExpoPusher) Push(ctx context.Context, n Notification) error {
	b, err := json.Marshal([]expoMessage{{To: n.To, Title: n.Title, Body: n.Body, Data: n.Data, Sound: "default", Priority: "high"}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if p.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.AccessToken)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("expo push: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("expo push: status %d", resp.StatusCode)
	}
	var out struct {
		Data []expoTicket `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("expo push: decode: %w", err)
	}
	for _, t := range out.Data {
		if t.Status != "ok" {
			return fmt.Errorf("expo push: %s", t.Message)
		}
	}
	return nil
}
