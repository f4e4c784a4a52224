package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/pushflow/internal/model"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// ErrGone is returned when the push service reports the subscription no
// longer exists (404 Not Found or 410 Gone).
var ErrGone = errors.New("push subscription gone")

const (
	DefaultTitle = "PushFlow"
	DefaultTag   = "pushflow-message"
)

// StatusError is returned for any non-2xx response from the push service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("push service returned %d", e.StatusCode)
	}
	return fmt.Sprintf("push service returned %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone {
		return ErrGone
	}
	return nil
}

// PayloadData is the custom data attached to a notification.
type PayloadData struct {
	Sender string `json:"sender"`
}

// Payload is the JSON the service worker receives.
type Payload struct {
	Title string      `json:"title"`
	Body  string      `json:"body"`
	Data  PayloadData `json:"data"`
	Tag   string      `json:"tag"`
}

// NewPayload builds the broadcast payload for a message from sender.
func NewPayload(body, sender string) Payload {
	return Payload{
		Title: DefaultTitle,
		Body:  body,
		Data:  PayloadData{Sender: sender},
		Tag:   DefaultTag,
	}
}

func (p Payload) Marshal() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// Config holds VAPID and delivery settings.
type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	// Subject identifies the sender to push services, as mailto: or https: URL.
	Subject string
	TTL     int
	Timeout time.Duration
}

// Service sends encrypted web push messages signed with VAPID.
type Service struct {
	cfg    Config
	client *http.Client
}

func NewService(cfg Config) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = 86400
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Service{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// VAPIDPublicKey returns the VAPID public key for client-side subscription.
func (s *Service) VAPIDPublicKey() string {
	return s.cfg.VAPIDPublicKey
}

// Send delivers payload to one subscription. It returns nil on 2xx, an error
// wrapping ErrGone when the subscription has expired, a *StatusError for any
// other rejection, and a wrapped transport error when the request failed.
func (s *Service) Send(ctx context.Context, endpoint string, keys model.SubscriptionKeys, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: endpoint,
		Keys: webpush.Keys{
			P256dh: keys.P256dh,
			Auth:   keys.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      s.client,
		VAPIDPublicKey:  s.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: s.cfg.VAPIDPrivateKey,
		// webpush-go adds the mailto: prefix itself
		Subscriber: strings.TrimPrefix(s.cfg.Subject, "mailto:"),
		TTL:        s.cfg.TTL,
	})
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// GenerateVAPIDKeys generates a new P-256 key pair for VAPID, encoded as
// unpadded base64url (65-byte uncompressed public point, 32-byte scalar).
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate P-256 key: %w", err)
	}

	publicKey = base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes())
	privateKey = base64.RawURLEncoding.EncodeToString(key.Bytes())
	return publicKey, privateKey, nil
}
