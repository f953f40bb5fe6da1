// Package sender is the transport boundary. The engine never inspects
// transport payloads beyond the four-way outcome classification.
package sender

import "context"

type Outcome string

const (
	// OutcomeDelivered means the transport confirmed the send.
	OutcomeDelivered Outcome = "delivered"
	// OutcomePermanentFailure means the recipient definitively cannot be
	// reached (blocked the bot, deactivated account, never started the chat).
	OutcomePermanentFailure Outcome = "permanent_failure"
	// OutcomeRetryableFailure means a transient condition: rate limiting,
	// timeout, server-side error. Worth another attempt after backoff.
	OutcomeRetryableFailure Outcome = "retryable_failure"
	// OutcomeAmbiguous means the actual delivery state was never observed.
	// These are never auto-retried; a blind resend risks a duplicate.
	OutcomeAmbiguous Outcome = "ambiguous"
	// OutcomeAborted means the attempt was abandoned before anything was
	// dispatched, typically a shutdown while queued for the rate limiter.
	// Not an attempt: the record goes back untouched.
	OutcomeAborted Outcome = "aborted"
)

// Result is the classified response of one send attempt.
type Result struct {
	Outcome            Outcome
	TransportMessageID string
	Reason             string
}

// Sender delivers one message to one transport-level recipient. The
// implementation owns its outbound rate limit.
type Sender interface {
	Send(ctx context.Context, chatID int64, message string) Result
}
