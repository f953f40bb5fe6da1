package repository

import (
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"tgbroadcast/internal/model"
)

// SubscriberRepositoryInterface is the read-only audience directory. The
// engine never writes to these tables; subscription and account management
// own them.
type SubscriberRepositoryInterface interface {
	ListActiveSubscribers(registeredOnly bool) ([]model.Subscriber, error)
	ListPremiumUsers() ([]model.User, error)
	ListUsersByRole(role string) ([]model.User, error)
	GetUsersByIDs(ids []int64) ([]model.User, error)
}

type SubscriberRepository struct {
	DB *sql.DB
}

// ListActiveSubscribers fetches active transport subscribers. With
// registeredOnly set, identities without a linked internal account are
// filtered out; without it the result is the strictly larger bot-subscriber
// set.
func (r *SubscriberRepository) ListActiveSubscribers(registeredOnly bool) ([]model.Subscriber, error) {
	query := `SELECT chat_id, user_id, active FROM subscribers WHERE active = TRUE`
	if registeredOnly {
		query += ` AND user_id IS NOT NULL`
	}
	query += ` ORDER BY chat_id`

	rows, err := r.DB.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	subs := []model.Subscriber{}
	for rows.Next() {
		var s model.Subscriber
		var userID sql.NullInt64
		if err := rows.Scan(&s.ChatID, &userID, &s.Active); err != nil {
			return nil, err
		}
		if userID.Valid {
			s.UserID = &userID.Int64
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func (r *SubscriberRepository) ListPremiumUsers() ([]model.User, error) {
	return r.queryUsers(`SELECT id, chat_id, role, premium FROM users WHERE premium = TRUE ORDER BY id`)
}

func (r *SubscriberRepository) ListUsersByRole(role string) ([]model.User, error) {
	return r.queryUsers(`SELECT id, chat_id, role, premium FROM users WHERE role = $1 ORDER BY id`, role)
}

func (r *SubscriberRepository) GetUsersByIDs(ids []int64) ([]model.User, error) {
	return r.queryUsers(`SELECT id, chat_id, role, premium FROM users WHERE id = ANY($1) ORDER BY id`, pq.Int64Array(ids))
}

func (r *SubscriberRepository) queryUsers(query string, args ...interface{}) ([]model.User, error) {
	rows, err := r.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		var u model.User
		var chatID sql.NullInt64
		if err := rows.Scan(&u.ID, &chatID, &u.Role, &u.Premium); err != nil {
			return nil, err
		}
		if chatID.Valid {
			u.ChatID = &chatID.Int64
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

var _ SubscriberRepositoryInterface = (*SubscriberRepository)(nil)
