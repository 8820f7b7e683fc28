// Package dispatch executes the outbound action for a confirmed match:
// webhook callbacks and chat messages, with bounded retries and a final
// DeliveryEvent regardless of outcome.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/watchtower-hq/watchtower/internal/config"
	"github.com/watchtower-hq/watchtower/internal/model"
	"github.com/watchtower-hq/watchtower/internal/resilience"
	"github.com/watchtower-hq/watchtower/pkg/chat"
)

// Store is the subset of persistence the dispatcher needs.
type Store interface {
	InsertDelivery(ctx context.Context, ev *model.DeliveryEvent) error
}

var allowedMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// Dispatcher delivers confirmed matches. One circuit breaker per target
// host keeps a single bad endpoint from stalling everyone else's alerts.
type Dispatcher struct {
	gen      *Generator
	chat     chat.Client
	store    Store
	cfg      config.DispatchConfig
	retry    resilience.RetryConfig
	breakers *resilience.BreakerSet
	http     *http.Client
}

func New(gen *Generator, chatClient chat.Client, st Store, cfg config.DispatchConfig) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Dispatcher{
		gen:   gen,
		chat:  chatClient,
		store: st,
		cfg:   cfg,
		retry: resilience.RetryConfig{
			MaxAttempts:    cfg.MaxAttempts,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.25,
		},
		breakers: resilience.NewBreakerSet(resilience.BreakerConfig{
			ShouldTrip: resilience.IsTransient,
		}),
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Dispatch renders and delivers the action for a confirmed match. The
// outcome, success or terminal failure, is always persisted as a
// DeliveryEvent; the returned error covers persistence only. Retries are
// internal and only for transient transport failures.
func (d *Dispatcher) Dispatch(ctx context.Context, crit *model.Criterion, doc *model.Document) (*model.DeliveryEvent, error) {
	ev := &model.DeliveryEvent{
		CriterionID: crit.ID,
		DocumentID:  doc.ID,
	}

	switch crit.Target.Kind {
	case model.DeliverChat:
		d.dispatchChat(ctx, crit, doc, ev)
	default:
		d.dispatchWebhook(ctx, crit, doc, ev)
	}

	if err := d.store.InsertDelivery(ctx, ev); err != nil {
		return nil, eris.Wrap(err, "dispatch: persist event")
	}

	zap.L().Info("delivery recorded",
		zap.String("criterion_id", crit.ID),
		zap.String("document_id", doc.ID),
		zap.String("kind", string(crit.Target.Kind)),
		zap.Int("status_code", ev.StatusCode),
		zap.Int("attempts", ev.Attempts),
		zap.Bool("succeeded", ev.Succeeded()),
	)
	return ev, nil
}

func (d *Dispatcher) dispatchWebhook(ctx context.Context, crit *model.Criterion, doc *model.Document, ev *model.DeliveryEvent) {
	if !allowedMethods[crit.Target.Method] {
		// Unsupported methods are rejected outright, before any
		// generation spend.
		ev.StatusCode = model.StatusUnsupportedMethod
		return
	}

	rendered, err := d.gen.RenderPayload(ctx, crit, doc)
	if err != nil {
		zap.L().Warn("payload generation failed",
			zap.String("criterion_id", crit.ID),
			zap.Error(err),
		)
		ev.StatusCode = model.StatusTransportError
		return
	}
	ev.Payload = rendered.Payload
	ev.InputTokens = rendered.InputTokens
	ev.OutputTokens = rendered.OutputTokens
	ev.Cost = rendered.Cost

	ev.StatusCode, ev.Attempts = d.sendWebhook(ctx, crit, rendered.Payload)
}

// sendWebhook runs the bounded retry loop and returns the final outcome
// classification plus the attempt count.
func (d *Dispatcher) sendWebhook(ctx context.Context, crit *model.Criterion, payload []byte) (int, int) {
	breaker := d.breakers.For(hostKey(crit.Target.URL))
	attempts := 0
	status := model.StatusTransportError

	_ = resilience.Do(ctx, d.retry, func(ctx context.Context) error {
		return breaker.Execute(ctx, func(ctx context.Context) error {
			attempts++

			req, err := http.NewRequestWithContext(ctx, crit.Target.Method,
				crit.Target.URL, bytes.NewReader(payload))
			if err != nil {
				status = model.StatusTransportError
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			for k, v := range crit.Target.Headers {
				req.Header.Set(k, v)
			}

			resp, err := d.http.Do(req)
			if err != nil {
				status = classifyTransportError(err)
				return resilience.NewTransientError(err, status)
			}
			resp.Body.Close()

			status = resp.StatusCode
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return resilience.NewTransientError(
					eris.Errorf("delivery status %d", resp.StatusCode), resp.StatusCode)
			}
			// Success and 4xx are both final outcomes.
			return nil
		})
	})

	return status, attempts
}

func (d *Dispatcher) dispatchChat(ctx context.Context, crit *model.Criterion, doc *model.Document, ev *model.DeliveryEvent) {
	rendered, err := d.gen.RenderText(ctx, crit, doc)
	if err != nil {
		zap.L().Warn("chat message generation failed",
			zap.String("criterion_id", crit.ID),
			zap.Error(err),
		)
		ev.StatusCode = model.StatusTransportError
		return
	}
	// Record the delivered text just like the webhook path records its body.
	ev.Payload, _ = json.Marshal(rendered.Text)
	ev.InputTokens = rendered.InputTokens
	ev.OutputTokens = rendered.OutputTokens
	ev.Cost = rendered.Cost

	breaker := d.breakers.For("chat:" + crit.Target.Recipient)
	attempts := 0
	status := model.StatusTransportError

	_ = resilience.Do(ctx, d.retry, func(ctx context.Context) error {
		return breaker.Execute(ctx, func(ctx context.Context) error {
			attempts++

			code, err := d.chat.SendMessage(ctx, crit.Target.Recipient, rendered.Text)
			if err != nil {
				if code == 0 {
					status = classifyTransportError(err)
					return resilience.NewTransientError(err, status)
				}
				status = code
				if resilience.IsTransientHTTPStatus(code) {
					return resilience.NewTransientError(err, code)
				}
				return nil
			}
			status = code
			return nil
		})
	})

	ev.StatusCode = status
	ev.Attempts = attempts
}

// classifyTransportError maps a transport failure to its sentinel status:
// timeout 408, connection refused 503, anything else 500.
func classifyTransportError(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.StatusDeliveryTimeout
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return model.StatusDeliveryTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return model.StatusConnectionFailed
	}
	return model.StatusTransportError
}

func hostKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
