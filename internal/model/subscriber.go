// internal/model/subscriber.go
package model

// Subscriber is a transport-level identity known to the bot. The engine only
// reads this directory; ownership lives with the subscription flow.
type Subscriber struct {
	ChatID int64  `db:"chat_id" json:"chat_id"`
	UserID *int64 `db:"user_id" json:"user_id,omitempty"`
	Active bool   `db:"active" json:"active"`
}

// User is an internal account. ChatID is nil until the user links a chat,
// which makes them unreachable for delivery.
type User struct {
	ID      int64  `db:"id" json:"id"`
	ChatID  *int64 `db:"chat_id" json:"chat_id,omitempty"`
	Role    string `db:"role" json:"role"`
	Premium bool   `db:"premium" json:"premium"`
}
