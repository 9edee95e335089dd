package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadStaticDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"tokens": {"dev-token": {"user_id": "u1"}},
		"users": {"u1": {"tenant_id": "T1", "name": "Dev", "active": true, "permissions": ["tasks.view"], "grants": ["view:projects:P1"]}},
		"resources": {"projects:P1": "T1"}
	}`), 0o600))

	dir, err := LoadStaticDirectory(path)
	require.NoError(t, err)
	ctx := context.Background()

	record, err := dir.VerifyExternalToken(ctx, "dev-token")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "T1", record.TenantID)
	assert.True(t, record.Active)

	missing, err := dir.VerifyExternalToken(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, missing)

	ok, err := dir.CheckPermission(ctx, "u1", "tasks.view")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = dir.CheckObjectPolicy(ctx, "u1", "view", ResourceRef{Type: "projects", ID: "P1"})
	require.NoError(t, err)
	assert.True(t, ok)

	tenant, found, err := dir.LoadResourceTenant(ctx, "projects", "P1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "T1", tenant)
}

func TestLoadStaticDirectoryErrors(t *testing.T) {
	_, err := LoadStaticDirectory(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
	_, err = LoadStaticDirectory(path)
	assert.Error(t, err)
}
