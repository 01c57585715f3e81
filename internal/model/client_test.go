package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/himitsu/internal/model"
)

func TestValidateClientID_Valid(t *testing.T) {
	valid := []string{
		"buyer",
		"provider-1",
		"ops.bot",
		"Client_01",
		"user@example",
		strings.Repeat("a", 255),
	}
	for _, id := range valid {
		require.NoError(t, model.ValidateClientID(id), "expected valid: %q", id)
	}
}

func TestValidateClientID_Invalid(t *testing.T) {
	invalid := []string{"", "has space", "semi;colon", strings.Repeat("a", 256)}
	for _, id := range invalid {
		assert.Error(t, model.ValidateClientID(id), "expected invalid: %q", id)
	}
}

func TestRoleRank(t *testing.T) {
	tests := []struct {
		role model.ClientRole
		rank int
	}{
		{model.RoleAdmin, 4},
		{model.RoleProvider, 3},
		{model.RoleBuyer, 2},
		{model.RoleReader, 1},
		{model.ClientRole("unknown"), 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			assert.Equal(t, tt.rank, model.RoleRank(tt.role))
		})
	}
}

func TestRoleAtLeast(t *testing.T) {
	assert.True(t, model.RoleAtLeast(model.RoleAdmin, model.RoleBuyer))
	assert.True(t, model.RoleAtLeast(model.RoleBuyer, model.RoleBuyer))
	assert.False(t, model.RoleAtLeast(model.RoleReader, model.RoleBuyer))

	_, err := model.ParseRole("superuser")
	assert.Error(t, err)
	r, err := model.ParseRole("provider")
	require.NoError(t, err)
	assert.Equal(t, model.RoleProvider, r)
}
