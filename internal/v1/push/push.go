// Package push delivers best-effort web push notifications to sessions
// whose browser registered a subscription. Delivery failures never
// propagate to the signaling path.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/parlorlabs/parlor/internal/v1/logging"
	"github.com/parlorlabs/parlor/internal/v1/metrics"
)

// ErrSubscriptionGone marks a subscription the gateway reports as
// permanently dead (HTTP 404/410) or one that can never be delivered to.
// Callers should evict the stored subscription.
var ErrSubscriptionGone = errors.New("push subscription gone")

// Sink delivers notification payloads to a stored push subscription.
type Sink interface {
	// Enabled reports whether the sink can deliver at all.
	Enabled() bool
	// PublicKey returns the VAPID public key clients subscribe with.
	PublicKey() string
	// Send delivers one payload to the subscription blob.
	Send(ctx context.Context, subscription json.RawMessage, payload []byte) error
}

// Disabled is the no-op sink used when VAPID keys are not configured.
type Disabled struct{}

func (Disabled) Enabled() bool     { return false }
func (Disabled) PublicKey() string { return "" }
func (Disabled) Send(context.Context, json.RawMessage, []byte) error {
	return nil
}

// WebPush sends notifications through browser push gateways using the
// Web Push protocol with VAPID authentication. A circuit breaker guards
// against a misbehaving gateway and a token bucket paces deliveries.
type WebPush struct {
	publicKey  string
	privateKey string
	subject    string
	ttl        int
	limiter    *rate.Limiter
	cb         *gobreaker.CircuitBreaker
}

// NewWebPush creates a push sink from a VAPID key pair. The subject is
// the mailto: or https: URI identifying the sender to gateways.
func NewWebPush(publicKey, privateKey, subject string) *WebPush {
	st := gobreaker.Settings{
		Name:        "webpush",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
			logging.Warn(context.Background(), "Push circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// A dead subscription is the gateway working correctly, not a
		// gateway fault; it must not feed the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrSubscriptionGone)
		},
	}

	return &WebPush{
		publicKey:  publicKey,
		privateKey: privateKey,
		subject:    subject,
		ttl:        60,
		limiter:    rate.NewLimiter(rate.Limit(50), 100),
		cb:         gobreaker.NewCircuitBreaker(st),
	}
}

// Enabled implements Sink.
func (w *WebPush) Enabled() bool { return true }

// PublicKey implements Sink.
func (w *WebPush) PublicKey() string { return w.publicKey }

// Healthy reports whether the breaker is accepting deliveries.
// Used by the readiness probe.
func (w *WebPush) Healthy() bool {
	return w.cb.State() != gobreaker.StateOpen
}

// Send delivers one payload. It returns ErrSubscriptionGone when the
// stored blob is undeliverable or the gateway reports 404/410.
func (w *WebPush) Send(ctx context.Context, subscription json.RawMessage, payload []byte) error {
	var sub webpush.Subscription
	if err := json.Unmarshal(subscription, &sub); err != nil {
		// A blob that never decodes can never be delivered; treat it
		// like a dead subscription so the caller evicts it.
		return ErrSubscriptionGone
	}
	if sub.Endpoint == "" {
		return ErrSubscriptionGone
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("push pacing: %w", err)
	}

	_, err := w.cb.Execute(func() (interface{}, error) {
		resp, err := webpush.SendNotificationWithContext(ctx, payload, &sub, &webpush.Options{
			Subscriber:      w.subject,
			VAPIDPublicKey:  w.publicKey,
			VAPIDPrivateKey: w.privateKey,
			TTL:             w.ttl,
		})
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			return nil, ErrSubscriptionGone
		case resp.StatusCode >= 400:
			return nil, fmt.Errorf("push gateway returned %d", resp.StatusCode)
		}
		return nil, nil
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			logging.Warn(ctx, "Push circuit breaker open, dropping notification")
		}
		return err
	}
	return nil
}

// notification is the payload the service worker renders.
type notification struct {
	Kind     string `json:"kind"`
	FromName string `json:"fromName"`
	RoomID   string `json:"roomId,omitempty"`
	Preview  string `json:"preview,omitempty"`
	Private  bool   `json:"private,omitempty"`
}

// CallPayload builds the notification body for an incoming call.
func CallPayload(fromName, roomID string) ([]byte, error) {
	return json.Marshal(notification{
		Kind:     "call",
		FromName: fromName,
		RoomID:   roomID,
	})
}

// ChatPayload builds the notification body for a chat message, with the
// text truncated to a short preview.
func ChatPayload(fromName, text string, private bool) ([]byte, error) {
	return json.Marshal(notification{
		Kind:     "chat",
		FromName: fromName,
		Preview:  truncate(text, 120),
		Private:  private,
	})
}

// truncate caps a string at n runes, appending an ellipsis when cut.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

// PublicKeyHandler serves the VAPID public key used by clients to
// subscribe.
// GET /api/push/public-key
func PublicKeyHandler(sink Sink) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !sink.Enabled() {
			c.JSON(http.StatusOK, gin.H{"enabled": false, "publicKey": nil})
			return
		}
		c.JSON(http.StatusOK, gin.H{"enabled": true, "publicKey": sink.PublicKey()})
	}
}
