package auth

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDirectory wraps StaticDirectory to count lookups and inject failures
type testDirectory struct {
	*StaticDirectory
	lookups     atomic.Int32
	permChecks  atomic.Int32
	permErr     error
	policyErr   error
	lookupErr   error
	verifierErr error
}

func (d *testDirectory) VerifyExternalToken(ctx context.Context, token string) (*TokenRecord, error) {
	if d.verifierErr != nil {
		return nil, d.verifierErr
	}
	return d.StaticDirectory.VerifyExternalToken(ctx, token)
}

func (d *testDirectory) CheckPermission(ctx context.Context, userID, permission string) (bool, error) {
	d.permChecks.Add(1)
	if d.permErr != nil {
		return false, d.permErr
	}
	return d.StaticDirectory.CheckPermission(ctx, userID, permission)
}

func (d *testDirectory) CheckObjectPolicy(ctx context.Context, userID, action string, ref ResourceRef) (bool, error) {
	if d.policyErr != nil {
		return false, d.policyErr
	}
	return d.StaticDirectory.CheckObjectPolicy(ctx, userID, action, ref)
}

func (d *testDirectory) LoadResourceTenant(ctx context.Context, resourceType, resourceID string) (string, bool, error) {
	d.lookups.Add(1)
	if d.lookupErr != nil {
		return "", false, d.lookupErr
	}
	return d.StaticDirectory.LoadResourceTenant(ctx, resourceType, resourceID)
}

func newTestDirectory() *testDirectory {
	return &testDirectory{StaticDirectory: NewStaticDirectory(StaticData{
		Tokens: map[string]StaticToken{
			"tok-alice":    {UserID: "alice"},
			"tok-bob":      {UserID: "bob"},
			"tok-expired":  {UserID: "alice", ExpiresAt: time.Now().Add(-time.Minute)},
			"tok-inactive": {UserID: "carol"},
			"tok-ghost":    {UserID: "ghost"},
			"tok-root":     {UserID: "root"},
		},
		Users: map[string]StaticUser{
			"alice": {
				TenantID:    "T1",
				Name:        "Alice",
				Active:      true,
				Permissions: []string{"tasks.view", "projects.view", "documents.view", "tenants.view"},
			},
			"bob": {
				TenantID: "T1",
				Name:     "Bob",
				Active:   true,
				Grants:   []string{"view:tasks:X2"},
			},
			"carol": {TenantID: "T1", Name: "Carol", Active: false},
			"root":  {TenantID: "T9", Name: "Root", Active: true, SuperAdmin: true},
		},
		Resources: map[string]string{
			"tasks:X1":    "T1",
			"tasks:X2":    "T1",
			"tasks:Y1":    "T2",
			"projects:P1": "T1",
			"projects:P2": "T2",
		},
	})}
}

func newTestGuard(dir *testDirectory, fallback FallbackPolicy) *Guard {
	return NewGuard(GuardConfig{
		Tokens:    dir,
		Directory: dir,
		Fallback:  fallback,
		Logger:    zerolog.Nop(),
	})
}

var (
	alice = Identity{UserID: "alice", TenantID: "T1", Name: "Alice"}
	bob   = Identity{UserID: "bob", TenantID: "T1", Name: "Bob"}
	root  = Identity{UserID: "root", TenantID: "T9", Name: "Root", SuperAdmin: true}
)

func TestVerifyToken(t *testing.T) {
	dir := newTestDirectory()
	guard := newTestGuard(dir, FallbackAllowTenant)
	ctx := context.Background()

	id, err := guard.VerifyToken(ctx, "tok-alice")
	require.NoError(t, err)
	assert.Equal(t, alice, id)

	tests := []struct {
		token string
		want  error
	}{
		{"", ErrTokenMissing},
		{"nope", ErrTokenInvalid},
		{"tok-expired", ErrTokenExpired},
		{"tok-inactive", ErrUserInactive},
		{"tok-ghost", ErrUserMissing},
	}
	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			_, err := guard.VerifyToken(ctx, tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	dir.verifierErr = errors.New("connection refused")
	_, err = guard.VerifyToken(ctx, "tok-alice")
	assert.ErrorIs(t, err, ErrVerifierUnavailable)
}

func TestTenantIsolation(t *testing.T) {
	dir := newTestDirectory()
	ctx := context.Background()

	foreign := []string{
		"tenant:T2:tasks",
		"tenant:T2:tasks:X1", // resource exists in T1, channel names T2
		"tenant:T2:tasks:Y1",
		"tenant:T2:admin-security",
		"tenant.T2",
	}

	// Neither permissions, super admin status, nor a permissive fallback may cross tenants
	for _, fallback := range []FallbackPolicy{FallbackAllowTenant, FallbackDeny} {
		dir.permErr = errors.New("permission service down")
		guard := newTestGuard(dir, fallback)
		for _, ch := range foreign {
			assert.False(t, guard.CanSubscribe(ctx, alice, "T1", ch), "alice %s (%s)", ch, fallback)
			assert.False(t, guard.CanSubscribe(ctx, root, "T9", ch), "root %s (%s)", ch, fallback)
		}
	}

	// Connection tenant must also agree with the user
	guard := newTestGuard(newTestDirectory(), FallbackAllowTenant)
	assert.False(t, guard.CanSubscribe(ctx, alice, "T2", "tenant:T2:tasks"))
	assert.False(t, guard.CanSubscribe(ctx, alice, "T2", "tenant:T1:tasks"))
}

func TestCanonicalChannels(t *testing.T) {
	guard := newTestGuard(newTestDirectory(), FallbackAllowTenant)
	ctx := context.Background()

	tests := []struct {
		name    string
		user    Identity
		channel string
		want    Decision
	}{
		{"tenant wide", bob, "tenant:T1:tasks", allow(ReasonAllowed)},
		{"role permission", alice, "tenant:T1:tasks:X1", allow(ReasonAllowed)},
		{"object policy grant", bob, "tenant:T1:tasks:X2", allow(ReasonAllowed)},
		{"no permission", bob, "tenant:T1:tasks:X1", deny(ReasonPermissionDenied)},
		{"resource in other tenant", alice, "tenant:T1:tasks:Y1", deny(ReasonResourceTenantMismatch)},
		{"missing resource", alice, "tenant:T1:tasks:nope", deny(ReasonResourceNotFound)},
		{"too many parts", alice, "tenant:T1:tasks:X1:extra", deny(ReasonInvalidFormat)},
		{"empty segment", alice, "tenant:T1::X1", deny(ReasonInvalidFormat)},
		{"unknown", alice, "random-channel", deny(ReasonUnknownFormat)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, guard.Authorize(ctx, tt.user, tt.user.TenantID, tt.channel))
		})
	}
}

func TestMalformedChannelSkipsResourceLookup(t *testing.T) {
	dir := newTestDirectory()
	guard := newTestGuard(dir, FallbackAllowTenant)

	assert.False(t, guard.CanSubscribe(context.Background(), alice, "T1", "tenant:T1"))
	assert.Zero(t, dir.lookups.Load())
	assert.Zero(t, dir.permChecks.Load())
}

func TestLegacyProjectChannel(t *testing.T) {
	guard := newTestGuard(newTestDirectory(), FallbackAllowTenant)
	ctx := context.Background()

	assert.True(t, guard.CanSubscribe(ctx, alice, "T1", "project.P1"))
	assert.False(t, guard.CanSubscribe(ctx, alice, "T1", "project.P2"))
	assert.False(t, guard.CanSubscribe(ctx, bob, "T1", "project.P1"), "bob lacks projects.view")
}

func TestLegacyChannels(t *testing.T) {
	guard := newTestGuard(newTestDirectory(), FallbackAllowTenant)
	ctx := context.Background()

	assert.True(t, guard.CanSubscribe(ctx, alice, "T1", "tenant.T1"))
	assert.False(t, guard.CanSubscribe(ctx, alice, "T1", "tenant.T2"))
	assert.True(t, guard.CanSubscribe(ctx, alice, "T1", "App.Models.User.alice"))
	assert.False(t, guard.CanSubscribe(ctx, alice, "T1", "App.Models.User.bob"))
}

func TestAdminSecurityChannel(t *testing.T) {
	dir := newTestDirectory()
	dir.users["bob"] = StaticUser{TenantID: "T1", Name: "Bob", Active: true, Permissions: []string{"admin.access"}}
	guard := newTestGuard(dir, FallbackAllowTenant)
	ctx := context.Background()

	assert.True(t, guard.CanSubscribe(ctx, root, "T9", AdminSecurityChannel))
	assert.True(t, guard.CanSubscribe(ctx, bob, "T1", AdminSecurityChannel))
	assert.Equal(t, deny(ReasonAdminRequired), guard.Authorize(ctx, alice, "T1", AdminSecurityChannel))
	assert.True(t, guard.CanSubscribe(ctx, bob, "T1", "tenant:T1:admin-security"))

	// admin checks never fall back
	dir.permErr = errors.New("permission service down")
	assert.False(t, guard.CanSubscribe(ctx, bob, "T1", AdminSecurityChannel))
}

func TestPermissionFailureFallback(t *testing.T) {
	ctx := context.Background()

	dir := newTestDirectory()
	dir.permErr = errors.New("permission service down")
	dir.policyErr = errors.New("policy service down")

	permissive := newTestGuard(dir, FallbackAllowTenant)
	assert.Equal(t, allow(ReasonFallbackTenantMatch), permissive.Authorize(ctx, bob, "T1", "tenant:T1:tasks:X1"))
	assert.Equal(t, allow(ReasonFallbackTenantMatch), permissive.Authorize(ctx, bob, "T1", "project.P1"))

	strict := newTestGuard(dir, FallbackDeny)
	assert.Equal(t, deny(ReasonPermissionCheckFailed), strict.Authorize(ctx, bob, "T1", "tenant:T1:tasks:X1"))

	// the fallback never applies before the resource tenant is confirmed
	assert.Equal(t, deny(ReasonResourceTenantMismatch), permissive.Authorize(ctx, bob, "T1", "tenant:T1:tasks:Y1"))

	// a grant still wins when only the role permission check failed
	dir.policyErr = nil
	assert.Equal(t, allow(ReasonAllowed), strict.Authorize(ctx, bob, "T1", "tenant:T1:tasks:X2"))
}

func TestResourceLookupFailureDenies(t *testing.T) {
	dir := newTestDirectory()
	dir.lookupErr = errors.New("redis timeout")
	guard := newTestGuard(dir, FallbackAllowTenant)

	assert.Equal(t, deny(ReasonResourceLookupFailed), guard.Authorize(context.Background(), alice, "T1", "tenant:T1:tasks:X1"))
}

func TestAuthorizeLogsDeprecatedChannel(t *testing.T) {
	var buf bytes.Buffer
	dir := newTestDirectory()
	guard := NewGuard(GuardConfig{
		Tokens:    dir,
		Directory: dir,
		Fallback:  FallbackAllowTenant,
		Logger:    zerolog.New(&buf),
	})
	ctx := context.Background()

	require.True(t, guard.CanSubscribe(ctx, alice, "T1", "tenant:T1:tasks"))
	assert.NotContains(t, buf.String(), "Deprecated channel format")

	require.True(t, guard.CanSubscribe(ctx, alice, "T1", "tenant.T1"))
	assert.Contains(t, buf.String(), "Deprecated channel format")
	assert.Contains(t, buf.String(), `"channel":"tenant.T1"`)
}

func TestIsValidChannelFormat(t *testing.T) {
	guard := newTestGuard(newTestDirectory(), FallbackAllowTenant)

	valid := []string{"tenant:T1:tasks", "tenant:T1:tasks:X1", "admin-security", "tenant.T1", "project.P1", "App.Models.User.7"}
	invalid := []string{"", "tenant:T1", "tenant:", "tenant:T1:tasks:X:Y", "project.", "users.7", "foo"}

	for _, ch := range valid {
		assert.True(t, guard.IsValidChannelFormat(ch), ch)
	}
	for _, ch := range invalid {
		assert.False(t, guard.IsValidChannelFormat(ch), ch)
	}
}

func TestHasPermission(t *testing.T) {
	guard := newTestGuard(newTestDirectory(), FallbackAllowTenant)
	ctx := context.Background()

	assert.True(t, guard.HasPermission(ctx, alice, "tenant:T1:tasks:X1"))
	assert.True(t, guard.HasPermission(ctx, alice, "project.P1"))
	assert.True(t, guard.HasPermission(ctx, alice, "tenant.T1"))
	assert.False(t, guard.HasPermission(ctx, bob, "tenant:T1:documents"))
	assert.False(t, guard.HasPermission(ctx, alice, "tenant:T1"))
	assert.True(t, guard.HasPermission(ctx, root, AdminSecurityChannel))
	assert.False(t, guard.HasPermission(ctx, alice, "App.Models.User.bob"))
}
