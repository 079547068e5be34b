// Package idempotency collapses broker redeliveries into exactly-once
// handling. Each event id is claimed in a postgres inbox table before its
// handler runs; a finished entry short-circuits every later delivery.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Entry statuses. STARTED entries older than the recovery timeout are
// assumed crashed and reclaimed.
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
)

// ErrDuplicateEvent reports that the event already finished processing.
var ErrDuplicateEvent = errors.New("duplicate event: already processed")

// ErrEventInProgress reports that another handler holds the event's claim.
var ErrEventInProgress = errors.New("event in progress by another handler")

// InboxConfig tunes entry lifetime and crash recovery.
type InboxConfig struct {
	// DefaultTTL bounds how long processed entries are remembered.
	DefaultTTL time.Duration
	// CleanupInterval is how often expired entries are purged.
	CleanupInterval time.Duration
	// RecoveryTimeout is the age at which a STARTED claim is considered
	// abandoned.
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig returns production defaults.
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox is the idempotency store. Create with NewInbox; StartCleanup runs
// the background purge.
type Inbox struct {
	pool   *pgxpool.Pool
	cfg    InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates an inbox over the given pool.
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ProcessResult describes how the event was handled.
type ProcessResult struct {
	IsNew        bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc handles the event payload once.
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Process runs fn exactly once per event id. A redelivery of a finished
// event returns the stored result without calling fn. Handler errors leave
// the entry RECOVERABLE so the next delivery retries.
func (i *Inbox) Process(ctx context.Context, eventID, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("event_id", eventID),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	prior, err := i.claim(ctx, eventID, handlerName, payload)
	if err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			span.SetAttributes(attribute.Bool("duplicate", true))
		}
		return nil, err
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		if err := i.release(ctx, eventID, StatusRecoverable, errResult(handlerErr)); err != nil {
			i.logger.Error("failed to release inbox claim",
				zap.String("event_id", eventID), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.release(ctx, eventID, StatusFinished, result); err != nil {
		// fn already ran; a stale claim risks at most one duplicate.
		i.logger.Error("failed to mark inbox entry finished",
			zap.String("event_id", eventID), zap.Error(err))
	}

	return &ProcessResult{
		IsNew:        prior == "",
		WasRecovered: prior == StatusRecoverable,
		Result:       result,
	}, nil
}

// claim takes ownership of the event id. It returns the prior status of a
// reclaimed entry, or "" for a brand-new one.
func (i *Inbox) claim(ctx context.Context, eventID, handlerName string, payload json.RawMessage) (Status, error) {
	var status Status
	var result json.RawMessage
	var updatedAt time.Time
	err := i.pool.QueryRow(ctx,
		`SELECT status, result, updated_at FROM notification_inbox WHERE event_id = $1`,
		eventID).Scan(&status, &result, &updatedAt)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if err := i.insertClaim(ctx, eventID, handlerName, payload); err != nil {
			return "", err
		}
		return "", nil
	case err != nil:
		return "", fmt.Errorf("check inbox: %w", err)
	}

	switch status {
	case StatusFinished:
		return status, ErrDuplicateEvent
	case StatusStarted:
		if time.Since(updatedAt) <= i.cfg.RecoveryTimeout {
			return status, ErrEventInProgress
		}
		// Abandoned claim, fall through and reclaim.
	}

	if err := i.reclaim(ctx, eventID); err != nil {
		return status, err
	}
	return StatusRecoverable, nil
}

func (i *Inbox) insertClaim(ctx context.Context, eventID, handlerName string, payload json.RawMessage) error {
	tag, err := i.pool.Exec(ctx, `
		INSERT INTO notification_inbox (event_id, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, handlerName, StatusStarted, payload, time.Now().Add(i.cfg.DefaultTTL))
	if err != nil {
		return fmt.Errorf("insert inbox claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the insert race to a concurrent delivery.
		return ErrEventInProgress
	}
	return nil
}

// reclaim flips a stale or recoverable entry back to STARTED. Guarded by the
// status check so only one of several competing handlers wins.
func (i *Inbox) reclaim(ctx context.Context, eventID string) error {
	tag, err := i.pool.Exec(ctx, `
		UPDATE notification_inbox
		SET status = $1, updated_at = NOW()
		WHERE event_id = $2 AND status IN ('RECOVERABLE', 'STARTED')`,
		StatusStarted, eventID)
	if err != nil {
		return fmt.Errorf("reclaim inbox entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventInProgress
	}
	return nil
}

func (i *Inbox) release(ctx context.Context, eventID string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx, `
		UPDATE notification_inbox
		SET status = $1, result = $2, updated_at = NOW()
		WHERE event_id = $3`,
		status, result, eventID)
	return err
}

func errResult(err error) json.RawMessage {
	out, _ := json.Marshal(map[string]string{"error": err.Error()})
	return out
}

// StartCleanup launches the background purge of expired entries.
func (i *Inbox) StartCleanup() {
	go func() {
		defer close(i.done)
		ticker := time.NewTicker(i.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-i.ctx.Done():
				return
			case <-ticker.C:
				i.cleanup()
			}
		}
	}()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.cfg.CleanupInterval))
}

// Stop halts the cleanup goroutine.
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

func (i *Inbox) cleanup() {
	tag, err := i.pool.Exec(i.ctx,
		`DELETE FROM notification_inbox WHERE expires_at < NOW()`)
	if err != nil {
		i.logger.Error("inbox cleanup failed", zap.Error(err))
		return
	}
	if tag.RowsAffected() > 0 {
		i.logger.Info("inbox entries purged", zap.Int64("deleted", tag.RowsAffected()))
	}
}
