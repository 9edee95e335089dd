package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Token verification failures. All of them mean "not authenticated".
var (
	ErrTokenMissing        = errors.New("authentication token required")
	ErrTokenInvalid        = errors.New("invalid authentication token")
	ErrTokenExpired        = errors.New("authentication token expired")
	ErrUserInactive        = errors.New("user account inactive")
	ErrUserMissing         = errors.New("user account not found")
	ErrVerifierUnavailable = errors.New("token verification unavailable")
)

// Identity is an authenticated user
type Identity struct {
	UserID     string
	TenantID   string
	Name       string
	SuperAdmin bool
}

// Outcome of a single authorization check
type Outcome uint8

const (
	OutcomeDenied Outcome = iota
	OutcomeAllowed
	OutcomeCheckFailed // collaborator errored; caller decides via FallbackPolicy
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllowed:
		return "allowed"
	case OutcomeCheckFailed:
		return "check_failed"
	default:
		return "denied"
	}
}

// Decision reasons, also used as metric labels
const (
	ReasonAllowed                = "allowed"
	ReasonFallbackTenantMatch    = "fallback_tenant_match"
	ReasonInvalidFormat          = "invalid_format"
	ReasonUnknownFormat          = "unknown_format"
	ReasonTenantMismatch         = "tenant_mismatch"
	ReasonResourceNotFound       = "resource_not_found"
	ReasonResourceTenantMismatch = "resource_tenant_mismatch"
	ReasonResourceLookupFailed   = "resource_lookup_failed"
	ReasonPermissionDenied       = "permission_denied"
	ReasonPermissionCheckFailed  = "permission_check_failed"
	ReasonNotOwnChannel          = "not_own_channel"
	ReasonAdminRequired          = "admin_required"
)

// Decision is the resolved answer for one subscription request
type Decision struct {
	Outcome Outcome
	Reason  string
}

// Allowed reports whether the subscription may proceed
func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeAllowed
}

func allow(reason string) Decision { return Decision{Outcome: OutcomeAllowed, Reason: reason} }
func deny(reason string) Decision  { return Decision{Outcome: OutcomeDenied, Reason: reason} }

// FallbackPolicy decides what a failed permission check resolves to.
// It is only consulted after tenant isolation has already passed.
type FallbackPolicy string

const (
	FallbackAllowTenant FallbackPolicy = "allow_tenant"
	FallbackDeny        FallbackPolicy = "deny"
)

// GuardConfig wires the guard to its collaborators
type GuardConfig struct {
	Tokens       TokenVerifier
	Directory    Directory
	Fallback     FallbackPolicy
	CheckTimeout time.Duration // per collaborator call; 0 uses the caller's context only
	Logger       zerolog.Logger
}

// Guard turns tokens into identities and decides channel subscriptions.
// It holds no mutable state and is safe for concurrent use.
type Guard struct {
	tokens    TokenVerifier
	directory Directory
	fallback  FallbackPolicy
	timeout   time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// NewGuard creates a guard
func NewGuard(cfg GuardConfig) *Guard {
	if cfg.Fallback == "" {
		cfg.Fallback = FallbackAllowTenant
	}
	return &Guard{
		tokens:    cfg.Tokens,
		directory: cfg.Directory,
		fallback:  cfg.Fallback,
		timeout:   cfg.CheckTimeout,
		logger:    cfg.Logger.With().Str("component", "auth_guard").Logger(),
		now:       time.Now,
	}
}

func (g *Guard) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.timeout)
}

// VerifyToken resolves a bearer token. Every failure is one of the Err* values
// above (possibly wrapped) and is logged at warn level.
func (g *Guard) VerifyToken(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrTokenMissing
	}

	cctx, cancel := g.callContext(ctx)
	defer cancel()

	record, err := g.tokens.VerifyExternalToken(cctx, token)
	if err != nil {
		g.logger.Warn().Err(err).Msg("Token verification failed")
		return Identity{}, fmt.Errorf("%w: %v", ErrVerifierUnavailable, err)
	}
	if record == nil {
		g.logger.Warn().Msg("Token verification failed: token not found")
		return Identity{}, ErrTokenInvalid
	}
	if !record.ExpiresAt.IsZero() && !g.now().Before(record.ExpiresAt) {
		g.logger.Warn().
			Str("user_id", record.UserID).
			Time("expires_at", record.ExpiresAt).
			Msg("Token verification failed: token expired")
		return Identity{}, ErrTokenExpired
	}
	if record.UserID == "" || record.TenantID == "" {
		g.logger.Warn().Str("user_id", record.UserID).Msg("Token verification failed: user missing")
		return Identity{}, ErrUserMissing
	}
	if !record.Active {
		g.logger.Warn().Str("user_id", record.UserID).Msg("Token verification failed: user inactive")
		return Identity{}, ErrUserInactive
	}

	return Identity{
		UserID:     record.UserID,
		TenantID:   record.TenantID,
		Name:       record.Name,
		SuperAdmin: record.SuperAdmin,
	}, nil
}

// IsValidChannelFormat is a syntactic check only. Legacy names pass with a
// deprecation log.
func (g *Guard) IsValidChannelFormat(channel string) bool {
	ch, err := ParseChannel(channel)
	if err != nil {
		return false
	}
	g.logDeprecated(ch, channel)
	return true
}

func (g *Guard) logDeprecated(ch Channel, channel string) {
	if ch.Legacy() {
		g.logger.Info().Str("channel", channel).Msg("Deprecated channel format in use")
	}
}

// CanSubscribe reports whether user, connected under tenantID, may subscribe to channel
func (g *Guard) CanSubscribe(ctx context.Context, user Identity, tenantID, channel string) bool {
	return g.Authorize(ctx, user, tenantID, channel).Allowed()
}

// Authorize decides a subscription and explains the result.
//
// For tenant-scoped channels the tenant isolation gate runs first and
// unconditionally; no permission or policy grant can override it.
func (g *Guard) Authorize(ctx context.Context, user Identity, tenantID, channel string) Decision {
	ch, err := ParseChannel(channel)
	if err != nil {
		reason := ReasonInvalidFormat
		msg := "Subscription denied: invalid channel format"
		if errors.Is(err, ErrUnknownChannelFormat) {
			reason = ReasonUnknownFormat
			msg = "Subscription denied: unknown channel format"
		}
		g.logger.Warn().Str("user_id", user.UserID).Str("channel", channel).Msg(msg)
		return deny(reason)
	}
	g.logDeprecated(ch, channel)

	var d Decision
	switch ch.Kind {
	case KindCanonical:
		d = g.authorizeCanonical(ctx, user, tenantID, ch)
	case KindLegacyTenant:
		d = g.tenantGate(user, tenantID, ch.TenantID)
		if d.Allowed() {
			d = allow(ReasonAllowed)
		}
	case KindLegacyProject:
		d = g.authorizeResource(ctx, user, tenantID, ch)
	case KindLegacyUser:
		if ch.ResourceID == user.UserID {
			d = allow(ReasonAllowed)
		} else {
			d = deny(ReasonNotOwnChannel)
		}
	case KindAdmin:
		d = g.authorizeAdmin(ctx, user)
	}

	if !d.Allowed() {
		g.logger.Warn().
			Str("user_id", user.UserID).
			Str("tenant_id", tenantID).
			Str("channel", channel).
			Str("reason", d.Reason).
			Msg("Subscription denied")
	}
	return d
}

func (g *Guard) authorizeCanonical(ctx context.Context, user Identity, tenantID string, ch Channel) Decision {
	if d := g.tenantGate(user, tenantID, ch.TenantID); !d.Allowed() {
		return d
	}
	if ch.Resource == AdminSecurityChannel {
		return g.authorizeAdmin(ctx, user)
	}
	if ch.ResourceID == "" {
		return allow(ReasonAllowed)
	}
	return g.authorizeResource(ctx, user, tenantID, ch)
}

// tenantGate requires the user, the connection and the channel to share one tenant
func (g *Guard) tenantGate(user Identity, tenantID, channelTenantID string) Decision {
	if user.TenantID == "" || user.TenantID != tenantID || user.TenantID != channelTenantID {
		return deny(ReasonTenantMismatch)
	}
	return allow(ReasonAllowed)
}

// authorizeResource checks a single object: it must exist, belong to the
// user's tenant, and the user must hold {resource}.view or a view policy grant.
func (g *Guard) authorizeResource(ctx context.Context, user Identity, tenantID string, ch Channel) Decision {
	if ch.Kind == KindLegacyProject {
		// legacy names carry no tenant, so the connection tenant stands in
		if d := g.tenantGate(user, tenantID, tenantID); !d.Allowed() {
			return d
		}
	}

	cctx, cancel := g.callContext(ctx)
	owner, found, err := g.directory.LoadResourceTenant(cctx, ch.Resource, ch.ResourceID)
	cancel()
	if err != nil {
		g.logger.Error().Err(err).
			Str("resource", ch.Resource).
			Str("resource_id", ch.ResourceID).
			Msg("Resource lookup failed")
		return deny(ReasonResourceLookupFailed)
	}
	if !found {
		return deny(ReasonResourceNotFound)
	}
	if owner != user.TenantID {
		return deny(ReasonResourceTenantMismatch)
	}

	switch g.viewOutcome(ctx, user, ch) {
	case OutcomeAllowed:
		return allow(ReasonAllowed)
	case OutcomeCheckFailed:
		if g.fallback == FallbackAllowTenant {
			g.logger.Warn().
				Str("user_id", user.UserID).
				Str("channel", ch.Name).
				Msg("Permission check failed, allowing on tenant match")
			return allow(ReasonFallbackTenantMatch)
		}
		return deny(ReasonPermissionCheckFailed)
	default:
		return deny(ReasonPermissionDenied)
	}
}

// viewOutcome combines the role permission and the object policy.
// Either grant allows; a failure only matters when nothing granted.
func (g *Guard) viewOutcome(ctx context.Context, user Identity, ch Channel) Outcome {
	perm := g.permissionOutcome(ctx, user.UserID, ch.Resource+".view")
	if perm == OutcomeAllowed {
		return OutcomeAllowed
	}

	cctx, cancel := g.callContext(ctx)
	defer cancel()
	granted, err := g.directory.CheckObjectPolicy(cctx, user.UserID, "view", ResourceRef{Type: ch.Resource, ID: ch.ResourceID})
	switch {
	case err != nil:
		g.logger.Warn().Err(err).Str("user_id", user.UserID).Str("channel", ch.Name).Msg("Policy check failed")
		return OutcomeCheckFailed
	case granted:
		return OutcomeAllowed
	case perm == OutcomeCheckFailed:
		return OutcomeCheckFailed
	default:
		return OutcomeDenied
	}
}

func (g *Guard) permissionOutcome(ctx context.Context, userID, permission string) Outcome {
	cctx, cancel := g.callContext(ctx)
	defer cancel()

	ok, err := g.directory.CheckPermission(cctx, userID, permission)
	if err != nil {
		g.logger.Warn().Err(err).Str("user_id", userID).Str("permission", permission).Msg("Permission check failed")
		return OutcomeCheckFailed
	}
	if ok {
		return OutcomeAllowed
	}
	return OutcomeDenied
}

// authorizeAdmin never falls back: a failed check denies
func (g *Guard) authorizeAdmin(ctx context.Context, user Identity) Decision {
	if user.SuperAdmin {
		return allow(ReasonAllowed)
	}
	if g.permissionOutcome(ctx, user.UserID, "admin.access") == OutcomeAllowed {
		return allow(ReasonAllowed)
	}
	return deny(ReasonAdminRequired)
}

// HasPermission checks only the permission a channel implies, without the
// tenant gate: {resource}.view for canonical channels, projects.view and
// tenants.view for the legacy dotted names, ownership for user channels and
// admin access for admin-security. Failed checks count as no permission.
func (g *Guard) HasPermission(ctx context.Context, user Identity, channel string) bool {
	ch, err := ParseChannel(channel)
	if err != nil {
		return false
	}

	switch ch.Kind {
	case KindAdmin:
		return g.authorizeAdmin(ctx, user).Allowed()
	case KindLegacyUser:
		return ch.ResourceID == user.UserID
	case KindLegacyTenant:
		return g.permissionOutcome(ctx, user.UserID, "tenants.view") == OutcomeAllowed
	case KindLegacyProject:
		return g.permissionOutcome(ctx, user.UserID, "projects.view") == OutcomeAllowed
	default:
		if ch.Resource == AdminSecurityChannel {
			return g.authorizeAdmin(ctx, user).Allowed()
		}
		return g.permissionOutcome(ctx, user.UserID, ch.Resource+".view") == OutcomeAllowed
	}
}
