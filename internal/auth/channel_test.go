package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChannel(t *testing.T) {
	tests := []struct {
		name string
		want Channel
	}{
		{"tenant:T1:tasks", Channel{Name: "tenant:T1:tasks", Kind: KindCanonical, TenantID: "T1", Resource: "tasks"}},
		{"tenant:T1:tasks:X1", Channel{Name: "tenant:T1:tasks:X1", Kind: KindCanonical, TenantID: "T1", Resource: "tasks", ResourceID: "X1"}},
		{"admin-security", Channel{Name: "admin-security", Kind: KindAdmin, Resource: AdminSecurityChannel}},
		{"tenant.T1", Channel{Name: "tenant.T1", Kind: KindLegacyTenant, TenantID: "T1"}},
		{"project.P1", Channel{Name: "project.P1", Kind: KindLegacyProject, Resource: "projects", ResourceID: "P1"}},
		{"App.Models.User.42", Channel{Name: "App.Models.User.42", Kind: KindLegacyUser, ResourceID: "42"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseChannel(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseChannelRejects(t *testing.T) {
	invalid := []string{"", "tenant:T1", "tenant:", "tenant::tasks", "tenant:T1:tasks:X1:more", "tenant.", "tenant.a.b", "App.Models.User."}
	for _, name := range invalid {
		_, err := ParseChannel(name)
		assert.ErrorIs(t, err, ErrInvalidChannelFormat, name)
	}

	_, err := ParseChannel("presence-room")
	assert.ErrorIs(t, err, ErrUnknownChannelFormat)
}

func TestChannelLegacy(t *testing.T) {
	for name, legacy := range map[string]bool{
		"tenant.T1":          true,
		"project.P1":         true,
		"App.Models.User.1":  true,
		"tenant:T1:projects": false,
		"admin-security":     false,
	} {
		ch, err := ParseChannel(name)
		require.NoError(t, err)
		assert.Equal(t, legacy, ch.Legacy(), name)
	}
}
