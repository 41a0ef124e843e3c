package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/example/order-dispatch/internal/wsproto"
)

// FallbackPusher is tried when a candidate has no live channel. Push
// success is informational either way; the notification row remains
// the source of truth.
type FallbackPusher interface {
	Push(ctx context.Context, driverID string, offer *wsproto.NewOrderRequest) error
}

// FCMPusher posts a data message to the FCM HTTPv1 endpoint, addressed
// to the driver's per-id topic so no device token lookup is needed.
type FCMPusher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMPusher(endpoint, key string) *FCMPusher {
	return &FCMPusher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMPusher) Push(ctx context.Context, driverID string, offer *wsproto.NewOrderRequest) error {
	data, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	body := map[string]interface{}{"message": map[string]interface{}{
		"topic": "driver-" + driverID,
		"data":  map[string]string{"type": wsproto.TypeNewOrderRequest, "payload": string(data)},
	}}
	b, _ := json.Marshal(body)
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
		return err
	}
	resp.Body.Close()
	return nil
}
