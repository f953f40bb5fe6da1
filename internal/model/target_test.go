package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTargetSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    TargetSpec
		wantErr bool
	}{
		{"all", TargetSpec{Mode: TargetAll}, false},
		{"premium", TargetSpec{Mode: TargetPremium}, false},
		{"bot subscribers", TargetSpec{Mode: TargetBotSubscribers}, false},
		{"role with role", TargetSpec{Mode: TargetRole, Role: "moderator"}, false},
		{"role without role", TargetSpec{Mode: TargetRole}, true},
		{"user ids with ids", TargetSpec{Mode: TargetUserIDs, UserIDs: []int64{1, 2}}, false},
		{"user ids empty", TargetSpec{Mode: TargetUserIDs}, true},
		{"missing mode", TargetSpec{}, true},
		{"unknown mode", TargetSpec{Mode: "everyone"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
