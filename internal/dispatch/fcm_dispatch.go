package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// FCMPusher posts JSON to the FCM HTTP v1 endpoint using an OAuth bearer token.
type FCMPusher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMPusher(endpoint, key string) *FCMPusher {
	return &FCMPusher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMPusher) Push(ctx context.Context, n Notification) error {
	// FCM data values must be strings
	data := make(map[string]string, len(n.Data))
	for k, v := range n.Data {
		data[k] = fmt.Sprint(v)
	}
	body := map[string]any{"message": map[string]any{
		"token":        n.To,
		"notification": map[string]string{"title": n.Title, "body": n.Body},
		"data":         data,
	}}
	b, err := json.Marshal(body)
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
		return fmt.Errorf("fcm push: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fcm push: status %d", resp.StatusCode)
	}
	return nil
}
