// Package executor runs one claimed delivery record to an outcome.
package executor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	appErrors "tgbroadcast/internal/errors"
	"tgbroadcast/internal/metrics"
	"tgbroadcast/internal/model"
	"tgbroadcast/internal/repository"
	"tgbroadcast/internal/sender"
)

const maxErrorLen = 512

// DeliveryStore is the slice of the delivery repository the executor needs.
type DeliveryStore interface {
	Release(id int64, token string, out repository.DeliveryOutcome) error
}

type Executor struct {
	Deliveries  DeliveryStore
	Sender      sender.Sender
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Log         *zap.Logger

	// Now is swappable for tests.
	Now func() time.Time
}

func New(store DeliveryStore, snd sender.Sender, maxAttempts int, backoffBase, backoffCap time.Duration, log *zap.Logger) *Executor {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoffBase <= 0 {
		backoffBase = 30 * time.Second
	}
	if backoffCap <= 0 {
		backoffCap = 15 * time.Minute
	}
	return &Executor{
		Deliveries:  store,
		Sender:      snd,
		MaxAttempts: maxAttempts,
		BackoffBase: backoffBase,
		BackoffCap:  backoffCap,
		Log:         log,
		Now:         time.Now,
	}
}

// Execute sends the run's message to one claimed record, classifies the
// transport result, and releases the lease with the outcome. The returned
// status is what was recorded (or would have been, when the lease turned out
// stale).
func (e *Executor) Execute(ctx context.Context, run *model.BroadcastRun, d *model.BroadcastDelivery) model.DeliveryStatus {
	start := e.Now()
	res := e.Sender.Send(ctx, d.ChatID, run.Message)
	now := e.Now()

	if res.Outcome == sender.OutcomeAborted {
		// Nothing was dispatched, so this is not an attempt: hand the record
		// back exactly as claimed instead of burning one of its retries.
		e.release(d, repository.DeliveryOutcome{
			Status:             d.Status,
			AttemptCount:       d.AttemptCount,
			NextAttemptAt:      d.NextAttemptAt,
			LastAttemptAt:      d.LastAttemptAt,
			TransportMessageID: d.TransportMessageID,
			LastError:          d.LastError,
		})
		return d.Status
	}
	metrics.SendDuration.Observe(now.Sub(start).Seconds())

	attempts := d.AttemptCount + 1
	out := repository.DeliveryOutcome{
		AttemptCount:  attempts,
		LastAttemptAt: &now,
		LastError:     truncate(res.Reason, maxErrorLen),
	}

	switch res.Outcome {
	case sender.OutcomeDelivered:
		out.Status = model.DeliverySent
		out.SentAt = &now
		out.TransportMessageID = res.TransportMessageID

	case sender.OutcomePermanentFailure:
		out.Status = model.DeliveryFailedPermanent

	case sender.OutcomeRetryableFailure:
		if attempts >= e.MaxAttempts {
			out.Status = model.DeliveryFailedPermanent
			out.LastError = truncate("retries exhausted: "+res.Reason, maxErrorLen)
		} else {
			next := now.Add(e.backoff(attempts))
			out.Status = model.DeliveryFailedRetryable
			out.NextAttemptAt = &next
		}

	default: // sender.OutcomeAmbiguous
		// Terminal for automation: an operator has to decide whether a
		// manual resend is worth the duplication risk.
		out.Status = model.DeliveryUnknown
	}

	if e.release(d, out) {
		metrics.OutcomeTotal.WithLabelValues(string(out.Status)).Inc()
	}
	return out.Status
}

// release clears the lease with the outcome, reporting whether the record was
// actually written.
func (e *Executor) release(d *model.BroadcastDelivery, out repository.DeliveryOutcome) bool {
	token := ""
	if d.LockToken != nil {
		token = *d.LockToken
	}
	err := e.Deliveries.Release(d.ID, token, out)
	if err == nil {
		return true
	}
	if errors.Is(err, appErrors.ErrStaleLease) {
		// Lease expired mid-attempt and the row was re-claimed. The other
		// holder's outcome wins; dropping ours keeps exactly one writer.
		metrics.StaleReleases.Inc()
		e.Log.Warn("dropping outcome for re-claimed delivery",
			zap.Int64("delivery_id", d.ID),
			zap.String("run_id", d.RunID),
			zap.String("status", string(out.Status)),
		)
		return false
	}
	e.Log.Error("failed to release delivery",
		zap.Int64("delivery_id", d.ID),
		zap.String("run_id", d.RunID),
		zap.Error(err),
	)
	return false
}

// backoff is exponential in the attempt number, capped.
func (e *Executor) backoff(attempt int) time.Duration {
	d := e.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.BackoffCap {
			return e.BackoffCap
		}
	}
	if d > e.BackoffCap {
		return e.BackoffCap
	}
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
