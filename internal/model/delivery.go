// internal/model/delivery.go
package model

import "time"

type DeliveryStatus string

const (
	DeliveryPending         DeliveryStatus = "pending"
	DeliveryProcessing      DeliveryStatus = "processing"
	DeliverySent            DeliveryStatus = "sent"
	DeliveryFailedRetryable DeliveryStatus = "failed_retryable"
	DeliveryFailedPermanent DeliveryStatus = "failed_permanent"
	DeliveryUnknown         DeliveryStatus = "unknown"
)

// Terminal reports whether the delivery record can never be claimed again.
// UNKNOWN is terminal for automation: retrying a send whose actual outcome
// was never observed risks a duplicate message.
func (s DeliveryStatus) Terminal() bool {
	switch s {
	case DeliverySent, DeliveryFailedPermanent, DeliveryUnknown:
		return true
	}
	return false
}

// CanTransitionTo enumerates the legal delivery transitions. The status only
// ever moves forward; "processing" is the leased view of a claimable record.
func (s DeliveryStatus) CanTransitionTo(next DeliveryStatus) bool {
	switch s {
	case DeliveryPending:
		return next == DeliveryProcessing
	case DeliveryProcessing:
		switch next {
		case DeliverySent, DeliveryFailedRetryable, DeliveryFailedPermanent, DeliveryUnknown:
			return true
		}
		return false
	case DeliveryFailedRetryable:
		return next == DeliveryProcessing
	default:
		return false
	}
}

// BroadcastDelivery is one recipient's attempt-tracking row within a run.
// Uniqueness on (RunID, ChatID) is what makes audience resolution idempotent.
type BroadcastDelivery struct {
	ID                 int64          `db:"id" json:"id"`
	RunID              string         `db:"run_id" json:"run_id"`
	ChatID             int64          `db:"chat_id" json:"chat_id"`
	UserID             *int64         `db:"user_id" json:"user_id,omitempty"`
	Status             DeliveryStatus `db:"status" json:"status"`
	AttemptCount       int            `db:"attempt_count" json:"attempt_count"`
	NextAttemptAt      *time.Time     `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	LastAttemptAt      *time.Time     `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	SentAt             *time.Time     `db:"sent_at" json:"sent_at,omitempty"`
	TransportMessageID string         `db:"transport_message_id" json:"transport_message_id,omitempty"`
	LastError          string         `db:"last_error" json:"last_error,omitempty"`
	LockToken          *string        `db:"lock_token" json:"-"`
	LockExpiresAt      *time.Time     `db:"lock_expires_at" json:"-"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at" json:"updated_at"`
}

// Leased reports whether a live lease is held on the record. A record whose
// lease has expired is claimable again regardless of its stored status.
func (d *BroadcastDelivery) Leased(now time.Time) bool {
	return d.LockToken != nil && d.LockExpiresAt != nil && d.LockExpiresAt.After(now)
}

// EffectiveStatus is the externally visible status: a claimable record with a
// live lease is shown as processing. Storage keeps the claimable status so an
// expired lease makes the row eligible again without a repair pass.
func (d *BroadcastDelivery) EffectiveStatus(now time.Time) DeliveryStatus {
	if d.Status.Terminal() {
		return d.Status
	}
	if d.Leased(now) {
		return DeliveryProcessing
	}
	return d.Status
}

// Recipient is one resolved audience member. UserID is nil for identities
// that exist only at the transport layer.
type Recipient struct {
	ChatID int64  `json:"chat_id"`
	UserID *int64 `json:"user_id,omitempty"`
}
