// Package resolver turns a targeting specification into a deduplicated,
// ordered recipient set.
package resolver

import (
	"tgbroadcast/internal/model"
	"tgbroadcast/internal/repository"

	appErrors "tgbroadcast/internal/errors"
)

// Result carries the resolved recipients plus the requested count, so the
// launch surface can show the discrepancy when explicit user ids had no
// linked chat and were dropped.
type Result struct {
	Recipients []model.Recipient
	Requested  int
}

type Resolver struct {
	Subscribers repository.SubscriberRepositoryInterface
}

func New(subs repository.SubscriberRepositoryInterface) *Resolver {
	return &Resolver{Subscribers: subs}
}

// Resolve is polymorphic over the target mode. It fails fast on a
// structurally invalid spec, before any delivery row can be created, and
// never produces two recipients with the same chat id.
func (r *Resolver) Resolve(spec model.TargetSpec) (*Result, error) {
	if err := spec.Validate(); err != nil {
		return nil, appErrors.NewInvalidTarget(err.Error())
	}

	switch spec.Mode {
	case model.TargetAll:
		subs, err := r.Subscribers.ListActiveSubscribers(true)
		if err != nil {
			return nil, err
		}
		return fromSubscribers(subs), nil

	case model.TargetBotSubscribers:
		subs, err := r.Subscribers.ListActiveSubscribers(false)
		if err != nil {
			return nil, err
		}
		return fromSubscribers(subs), nil

	case model.TargetPremium:
		users, err := r.Subscribers.ListPremiumUsers()
		if err != nil {
			return nil, err
		}
		return fromUsers(users, len(users)), nil

	case model.TargetRole:
		users, err := r.Subscribers.ListUsersByRole(spec.Role)
		if err != nil {
			return nil, err
		}
		return fromUsers(users, len(users)), nil

	case model.TargetUserIDs:
		users, err := r.Subscribers.GetUsersByIDs(spec.UserIDs)
		if err != nil {
			return nil, err
		}
		// Requested is the caller's id count, not the directory hit count:
		// unknown ids and ids without a linked chat both show up in the
		// requested-vs-resolved discrepancy.
		return fromUsers(users, len(spec.UserIDs)), nil
	}

	// unreachable: Validate rejects unknown modes
	return nil, appErrors.NewInvalidTarget("unknown target mode")
}

func fromSubscribers(subs []model.Subscriber) *Result {
	res := &Result{Requested: len(subs)}
	seen := map[int64]bool{}
	for _, s := range subs {
		if seen[s.ChatID] {
			continue
		}
		seen[s.ChatID] = true
		res.Recipients = append(res.Recipients, model.Recipient{ChatID: s.ChatID, UserID: s.UserID})
	}
	return res
}

func fromUsers(users []model.User, requested int) *Result {
	res := &Result{Requested: requested}
	seen := map[int64]bool{}
	for _, u := range users {
		if u.ChatID == nil {
			// no transport identity, cannot be delivered
			continue
		}
		if seen[*u.ChatID] {
			continue
		}
		seen[*u.ChatID] = true
		id := u.ID
		res.Recipients = append(res.Recipients, model.Recipient{ChatID: *u.ChatID, UserID: &id})
	}
	return res
}
