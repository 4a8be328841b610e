package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"gearwatch/internal/model"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// VAPID holds the application server identity used to sign pushes.
type VAPID struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// WebPush sends encrypted Web Push messages.
type WebPush struct {
	client HTTPClient
	vapid  VAPID
}

// NewWebPush creates a Web Push sender.
func NewWebPush(client HTTPClient, vapid VAPID) *WebPush {
	return &WebPush{client: client, vapid: vapid}
}

// Send encrypts p for sub and posts it to the subscription endpoint.
func (w *WebPush) Send(ctx context.Context, sub model.Subscription, p model.Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      w.client,
		Subscriber:      w.vapid.Subject,
		VAPIDPublicKey:  w.vapid.PublicKey,
		VAPIDPrivateKey: w.vapid.PrivateKey,
		TTL:             p.TTL,
		Urgency:         webpush.UrgencyNormal,
	})
	if err != nil {
		return fmt.Errorf("send web push: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("web push status %d: %w", resp.StatusCode, ErrGone)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("web push status %d", resp.StatusCode)
	}
	return nil
}
