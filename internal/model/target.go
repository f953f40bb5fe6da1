// internal/model/target.go
package model

import "fmt"

type TargetMode string

const (
	// TargetAll is every active transport subscriber with an internal account.
	TargetAll TargetMode = "all"
	// TargetPremium is every premium-tier user with a linked chat.
	TargetPremium TargetMode = "premium"
	// TargetRole is every user holding a specific role, with a linked chat.
	TargetRole TargetMode = "role"
	// TargetUserIDs is an explicit set of internal user ids.
	TargetUserIDs TargetMode = "user_ids"
	// TargetBotSubscribers is every transport-level subscriber, including
	// ones with no internal account at all.
	TargetBotSubscribers TargetMode = "bot_subscribers"
)

// TargetSpec is embedded in the run; it is not persisted as its own entity.
type TargetSpec struct {
	Mode    TargetMode `json:"mode"`
	Role    string     `json:"role,omitempty"`
	UserIDs []int64    `json:"user_ids,omitempty"`
}

// Validate rejects structurally invalid targeting before any run or delivery
// row is created.
func (t TargetSpec) Validate() error {
	switch t.Mode {
	case TargetAll, TargetPremium, TargetBotSubscribers:
		return nil
	case TargetRole:
		if t.Role == "" {
			return fmt.Errorf("target mode %q requires a role", t.Mode)
		}
		return nil
	case TargetUserIDs:
		if len(t.UserIDs) == 0 {
			return fmt.Errorf("target mode %q requires a non-empty user id list", t.Mode)
		}
		return nil
	case "":
		return fmt.Errorf("target mode is required")
	default:
		return fmt.Errorf("unknown target mode %q", t.Mode)
	}
}
