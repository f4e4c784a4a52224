// Package fanout delivers one message to every registered device.
//
// A broadcast validates its input, checks that the sender is itself a
// registered device, sends the payload to all devices concurrently, removes
// devices whose push service reports the subscription gone, and records the
// message. Per-recipient failures never fail the broadcast.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dukerupert/pushflow/internal/metrics"
	"github.com/dukerupert/pushflow/internal/model"
	"github.com/dukerupert/pushflow/internal/push"
	"github.com/dukerupert/pushflow/internal/websocket"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrUnauthorizedSender = errors.New("sender is not a registered device")
	ErrStoreUnavailable   = errors.New("subscription store unavailable")
)

// ValidationError reports a missing broadcast field. It matches ErrValidation.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return e.Field + " is required"
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// DeviceStore is the subset of the subscription store the engine needs.
type DeviceStore interface {
	Get(ctx context.Context, deviceID string) (*model.Device, error)
	List(ctx context.Context) ([]model.Device, error)
	Delete(ctx context.Context, deviceID string) error
}

// MessageLog records every accepted broadcast.
type MessageLog interface {
	Append(ctx context.Context, m *model.Message) error
}

// Transport delivers an encoded payload to one push endpoint. Errors wrapping
// push.ErrGone mark the subscription as permanently invalid.
type Transport interface {
	Send(ctx context.Context, endpoint string, keys model.SubscriptionKeys, payload []byte) error
}

// Notifier receives device and message events.
type Notifier interface {
	Broadcast(msg websocket.Message)
}

// Option configures an Engine.
type Option func(*Engine)

// WithConcurrency caps the number of in-flight deliveries. Zero or less
// means one goroutine per recipient.
func WithConcurrency(n int) Option {
	return func(e *Engine) { e.concurrency = n }
}

// WithRateLimit spaces transport calls evenly at perSecond across all
// recipients, with no burst. Zero or less disables throttling.
func WithRateLimit(perSecond float64) Option {
	return func(e *Engine) {
		if perSecond <= 0 {
			e.limiter = nil
			return
		}
		e.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithDeleteRetry sets how often a failed prune is retried and the pause
// between attempts.
func WithDeleteRetry(retries uint64, backoff time.Duration) Option {
	return func(e *Engine) {
		e.deleteRetries = retries
		e.deleteBackoff = backoff
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator replaces the UUID generator used for broadcast IDs.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// Engine fans a message out to all registered devices.
type Engine struct {
	devices   DeviceStore
	messages  MessageLog
	transport Transport
	notifier  Notifier
	logger    *slog.Logger
	limiter   *rate.Limiter

	concurrency   int
	deleteRetries uint64
	deleteBackoff time.Duration
	now           func() time.Time
	newID         func() string
}

func New(devices DeviceStore, messages MessageLog, transport Transport, opts ...Option) *Engine {
	e := &Engine{
		devices:       devices,
		messages:      messages,
		transport:     transport,
		logger:        slog.Default(),
		deleteRetries: 2,
		deleteBackoff: 50 * time.Millisecond,
		now:           time.Now,
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "fanout")
	return e
}

// Broadcast sends text from senderID to every registered device, the sender
// included. Once the sender is authorized the call always completes its
// delivery pass, even if ctx is cancelled.
func (e *Engine) Broadcast(ctx context.Context, senderID, text string) (*model.DeliveryReport, error) {
	start := time.Now()

	if senderID == "" {
		metrics.Broadcasts.WithLabelValues("invalid").Inc()
		return nil, &ValidationError{Field: "deviceId"}
	}
	if text == "" {
		metrics.Broadcasts.WithLabelValues("invalid").Inc()
		return nil, &ValidationError{Field: "message"}
	}

	ctx = context.WithoutCancel(ctx)

	sender, err := e.devices.Get(ctx, senderID)
	if err != nil {
		metrics.Broadcasts.WithLabelValues("store_error").Inc()
		return nil, fmt.Errorf("%w: get sender: %w", ErrStoreUnavailable, err)
	}
	if sender == nil {
		metrics.Broadcasts.WithLabelValues("unauthorized").Inc()
		return nil, fmt.Errorf("%w: %s", ErrUnauthorizedSender, senderID)
	}

	recipients, err := e.devices.List(ctx)
	if err != nil {
		metrics.Broadcasts.WithLabelValues("store_error").Inc()
		return nil, fmt.Errorf("%w: list devices: %w", ErrStoreUnavailable, err)
	}

	payload, err := push.NewPayload(text, senderID).Marshal()
	if err != nil {
		return nil, err
	}

	report := &model.DeliveryReport{
		BroadcastID: e.newID(),
		Recipients:  len(recipients),
	}
	logger := e.logger.With("broadcast_id", report.BroadcastID, "sender", senderID)

	for _, out := range e.dispatch(ctx, logger, recipients, payload) {
		if out.Delivered {
			report.Delivered++
		}
		if out.Pruned {
			report.Pruned++
		}
	}

	report.Logged = e.record(ctx, logger, report.BroadcastID, senderID, text)

	metrics.Broadcasts.WithLabelValues("ok").Inc()
	metrics.BroadcastDuration.Observe(time.Since(start).Seconds())
	logger.Info("broadcast complete",
		"recipients", report.Recipients,
		"delivered", report.Delivered,
		"pruned", report.Pruned,
		"logged", report.Logged,
		"duration", time.Since(start),
	)

	e.notify(websocket.Message{
		Type:        websocket.EventMessageSent,
		DeviceID:    senderID,
		BroadcastID: report.BroadcastID,
		Data: map[string]any{
			"delivered":  report.Delivered,
			"recipients": report.Recipients,
			"pruned":     report.Pruned,
		},
		At: e.now().UTC(),
	})

	return report, nil
}

// dispatch runs one delivery per recipient and waits for all of them.
// outcomes[i] belongs to recipients[i].
func (e *Engine) dispatch(ctx context.Context, logger *slog.Logger, recipients []model.Device, payload []byte) []model.DeliveryOutcome {
	outcomes := make([]model.DeliveryOutcome, len(recipients))
	if len(recipients) == 0 {
		return outcomes
	}

	limit := e.concurrency
	if limit <= 0 || limit > len(recipients) {
		limit = len(recipients)
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, d := range recipients {
		g.Go(func() error {
			outcomes[i] = e.deliver(ctx, logger, d, payload)
			return nil
		})
	}
	g.Wait()
	return outcomes
}

func (e *Engine) deliver(ctx context.Context, logger *slog.Logger, d model.Device, payload []byte) model.DeliveryOutcome {
	out := model.DeliveryOutcome{DeviceID: d.DeviceID}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			out.Err = fmt.Errorf("rate limit: %w", err)
			metrics.Deliveries.WithLabelValues(metrics.OutcomeFailed).Inc()
			logger.Warn("delivery throttled", "device_id", d.DeviceID, "error", err)
			return out
		}
	}

	err := e.transport.Send(ctx, d.Endpoint, d.Keys, payload)
	switch {
	case err == nil:
		out.Delivered = true
		metrics.Deliveries.WithLabelValues(metrics.OutcomeDelivered).Inc()

	case errors.Is(err, push.ErrGone):
		out.Gone = true
		out.Err = err
		metrics.Deliveries.WithLabelValues(metrics.OutcomeGone).Inc()
		logger.Info("subscription gone", "device_id", d.DeviceID, "error", err)
		if e.prune(ctx, logger, d.DeviceID) {
			out.Pruned = true
		}

	default:
		out.Err = err
		metrics.Deliveries.WithLabelValues(metrics.OutcomeFailed).Inc()
		logger.Warn("delivery failed", "device_id", d.DeviceID, "error", err)
	}
	return out
}

// prune deletes a gone subscription, retrying transient store errors.
// It reports whether the delete eventually succeeded.
func (e *Engine) prune(ctx context.Context, logger *slog.Logger, deviceID string) bool {
	backoff := retry.WithMaxRetries(e.deleteRetries, retry.NewConstant(e.deleteBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := e.devices.Delete(ctx, deviceID); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		logger.Error("prune subscription", "device_id", deviceID, "error", err)
		return false
	}

	metrics.Pruned.Inc()
	e.notify(websocket.NewMessage(websocket.EventDevicePruned, deviceID, nil))
	return true
}

func (e *Engine) record(ctx context.Context, logger *slog.Logger, id, senderID, text string) bool {
	if senderID == "" {
		senderID = model.UnknownSender
	}
	err := e.messages.Append(ctx, &model.Message{
		ID:        id,
		DeviceID:  senderID,
		Message:   text,
		CreatedAt: e.now().UTC(),
	})
	if err != nil {
		logger.Error("append message log", "error", err)
		return false
	}
	return true
}

func (e *Engine) notify(msg websocket.Message) {
	if e.notifier != nil {
		e.notifier.Broadcast(msg)
	}
}
