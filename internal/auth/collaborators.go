package auth

import (
	"context"
	"time"
)

// TokenRecord is what the token-verification service knows about a bearer token
type TokenRecord struct {
	UserID     string
	TenantID   string
	Name       string
	Active     bool
	SuperAdmin bool
	ExpiresAt  time.Time // zero means no expiry
}

// ResourceRef names one object guarded by policies
type ResourceRef struct {
	Type string
	ID   string
}

// TokenVerifier maps an opaque bearer token to its record.
// A token that resolves to nothing returns (nil, nil).
type TokenVerifier interface {
	VerifyExternalToken(ctx context.Context, token string) (*TokenRecord, error)
}

// PermissionChecker answers "does user U hold permission P"
type PermissionChecker interface {
	CheckPermission(ctx context.Context, userID, permission string) (bool, error)
}

// PolicyChecker answers "may user U perform action A on resource R"
type PolicyChecker interface {
	CheckObjectPolicy(ctx context.Context, userID, action string, ref ResourceRef) (bool, error)
}

// ResourceLocator resolves which tenant owns a resource.
// found is false when the resource does not exist.
type ResourceLocator interface {
	LoadResourceTenant(ctx context.Context, resourceType, resourceID string) (tenantID string, found bool, err error)
}

// Directory bundles the three authorization collaborators
type Directory interface {
	PermissionChecker
	PolicyChecker
	ResourceLocator
}
