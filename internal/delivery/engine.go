// Package delivery fans a payload out to many recipients one at a time,
// classifying and recording every per-recipient failure.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ashureev/mentorbot/internal/domain"
	"github.com/ashureev/mentorbot/internal/gateway"
	"github.com/ashureev/mentorbot/internal/shared"
)

const (
	// DefaultProgressEvery is the number of recipients between progress
	// notifications and checkpoints.
	DefaultProgressEvery = 10
	// DefaultRate is the default send pace per second.
	DefaultRate = 20
	// maxRetryAfter bounds how long a rate-limited send waits.
	maxRetryAfter = time.Minute
)

// Recipient is one addressee of a run.
type Recipient struct {
	ID   string
	Name string
}

// Progress is reported every DefaultProgressEvery recipients and at the end.
type Progress struct {
	RunID    string  `json:"run_id"`
	IssuerID string  `json:"issuer_id"`
	Done     int     `json:"done"`
	Total    int     `json:"total"`
	Sent     int     `json:"sent"`
	Failed   int     `json:"failed"`
	Fraction float64 `json:"fraction"`
	Finished bool    `json:"finished"`
}

// Request describes one run.
type Request struct {
	IssuerID   string
	Target     string
	Kind       string
	RetryOf    string
	Payload    domain.Payload
	Recipients []Recipient
	// Progress, when set, is called synchronously from the run loop.
	Progress func(Progress)
}

// KindCount is the number of failures of one classification.
type KindCount struct {
	Kind  domain.ErrorKind `json:"kind"`
	Count int              `json:"count"`
}

// Report summarizes a finished run.
type Report struct {
	RunID    string                  `json:"run_id"`
	Total    int                     `json:"total"`
	Sent     int                     `json:"sent"`
	Failed   int                     `json:"failed"`
	Failures []domain.FailedDelivery `json:"failures"`
}

// Groups returns failure counts in taxonomy order, omitting empty kinds.
func (r *Report) Groups() []KindCount {
	counts := make(map[domain.ErrorKind]int)
	for _, f := range r.Failures {
		counts[f.ErrorType]++
	}
	var out []KindCount
	for _, k := range domain.ErrorKinds {
		if n := counts[k]; n > 0 {
			out = append(out, KindCount{Kind: k, Count: n})
		}
	}
	return out
}

// Option configures an Engine.
type Option func(*Engine)

// WithRate sets the send pace. rate.Inf disables pacing.
func WithRate(limit rate.Limit) Option {
	return func(e *Engine) {
		e.limiter = rate.NewLimiter(limit, 1)
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithProgressEvery sets the checkpoint interval.
func WithProgressEvery(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.progressEvery = n
		}
	}
}

// Engine runs deliveries sequentially through a gateway.
type Engine struct {
	gw            gateway.Gateway
	history       *History
	limiter       *rate.Limiter
	logger        *slog.Logger
	now           func() time.Time
	progressEvery int
}

// NewEngine creates a delivery engine.
func NewEngine(gw gateway.Gateway, history *History, opts ...Option) *Engine {
	e := &Engine{
		gw:            gw,
		history:       history,
		limiter:       rate.NewLimiter(DefaultRate, 1),
		logger:        slog.Default(),
		now:           time.Now,
		progressEvery: DefaultProgressEvery,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// History returns the run history the engine writes to.
func (e *Engine) History() *History {
	return e.history
}

// Run delivers req.Payload to every recipient in order. A failing recipient
// never aborts the run. When ctx is cancelled the remaining recipients are
// recorded as failed so that sent + failed always equals the recipient count.
// The returned error is non-nil only if the run could not be persisted.
func (e *Engine) Run(ctx context.Context, req Request) (*Report, error) {
	if err := req.Payload.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrInvalidRequest, err)
	}
	kind := req.Kind
	if kind == "" {
		kind = domain.RunBroadcast
	}
	payload := req.Payload
	rec := domain.BroadcastRecord{
		ID:              uuid.NewString(),
		IssuerID:        req.IssuerID,
		Target:          req.Target,
		RecipientsCount: len(req.Recipients),
		MessageType:     payload.Kind,
		Timestamp:       e.now(),
		FailedUsers:     []string{},
		Kind:            kind,
		RetryOf:         req.RetryOf,
		Payload:         &payload,
	}
	if err := e.history.checkpoint(rec, nil, false); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	e.logger.Info("Delivery run started", "run_id", rec.ID, "kind", kind, "issuer_id", req.IssuerID,
		"recipients", rec.RecipientsCount, "message_type", payload.Kind)

	var failures []domain.FailedDelivery
	fail := func(r Recipient, err error) {
		fd := domain.FailedDelivery{
			UserID:       r.ID,
			UserName:     r.Name,
			ErrorType:    gateway.Classify(err),
			ErrorMessage: err.Error(),
			Timestamp:    e.now(),
		}
		failures = append(failures, fd)
		rec.FailedCount++
		rec.FailedUsers = append(rec.FailedUsers, r.ID)
		e.logger.Warn("Delivery failed", "run_id", rec.ID, "user_id", r.ID,
			"error_type", fd.ErrorType, "error", err)
	}

	total := len(req.Recipients)
	for i, r := range req.Recipients {
		if ctx.Err() != nil {
			fail(r, fmt.Errorf("run cancelled: %w", ctx.Err()))
		} else if err := e.send(ctx, r.ID, payload); err != nil {
			fail(r, err)
		} else {
			rec.SentCount++
		}

		done := i + 1
		if done%e.progressEvery == 0 && done < total {
			if err := e.history.checkpoint(rec, failures, false); err != nil {
				e.logger.Warn("Failed to checkpoint run", "run_id", rec.ID, "error", err)
			}
			e.report(req.Progress, rec, req.IssuerID, done, total, false)
		}
	}

	finished := e.now()
	rec.FinishedAt = &finished
	report := &Report{
		RunID:    rec.ID,
		Total:    total,
		Sent:     rec.SentCount,
		Failed:   rec.FailedCount,
		Failures: failures,
	}
	e.report(req.Progress, rec, req.IssuerID, total, total, true)

	attrs := []any{"run_id", rec.ID, "sent", rec.SentCount, "failed", rec.FailedCount}
	for _, g := range report.Groups() {
		attrs = append(attrs, string(g.Kind), g.Count)
	}
	e.logger.Info("Delivery run finished", attrs...)

	if err := e.history.checkpoint(rec, failures, true); err != nil {
		return report, fmt.Errorf("finish run %s: %w", rec.ID, err)
	}
	return report, nil
}

// RetryFailed re-runs delivery for the recipients recorded as failed in
// runID. A nil payload reuses the payload stored on the original run.
func (e *Engine) RetryFailed(ctx context.Context, runID string, payload *domain.Payload, progress func(Progress)) (*Report, error) {
	rec, failures, err := e.history.Run(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !rec.Finished() {
		return nil, fmt.Errorf("%w: run %s has not finished", shared.ErrInvalidRequest, runID)
	}
	if payload == nil {
		payload = rec.Payload
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: run %s has no stored payload", shared.ErrInvalidRequest, runID)
	}

	seen := make(map[string]bool, len(failures))
	var recipients []Recipient
	for _, f := range failures {
		if seen[f.UserID] {
			continue
		}
		seen[f.UserID] = true
		recipients = append(recipients, Recipient{ID: f.UserID, Name: f.UserName})
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: run %s has no failed recipients", shared.ErrInvalidRequest, runID)
	}

	return e.Run(ctx, Request{
		IssuerID:   rec.IssuerID,
		Target:     "retry of " + rec.Target,
		Kind:       domain.RunRetry,
		RetryOf:    runID,
		Payload:    *payload,
		Recipients: recipients,
		Progress:   progress,
	})
}

// send paces the call and retries once after a rate-limit response.
func (e *Engine) send(ctx context.Context, recipientID string, p domain.Payload) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	err := e.gw.Send(ctx, recipientID, p)
	wait, ok := gateway.RetryAfter(err)
	if !ok {
		return err
	}
	if wait > maxRetryAfter {
		return err
	}
	e.logger.Info("Rate limited, waiting before retry", "user_id", recipientID, "retry_after", wait)
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	case <-t.C:
	}
	return e.gw.Send(ctx, recipientID, p)
}

func (e *Engine) report(fn func(Progress), rec domain.BroadcastRecord, issuerID string, done, total int, finished bool) {
	if fn == nil {
		return
	}
	frac := 1.0
	if total > 0 {
		frac = float64(done) / float64(total)
	}
	fn(Progress{
		RunID:    rec.ID,
		IssuerID: issuerID,
		Done:     done,
		Total:    total,
		Sent:     rec.SentCount,
		Failed:   rec.FailedCount,
		Fraction: frac,
		Finished: finished,
	})
}
