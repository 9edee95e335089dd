package auth

import (
	"errors"
	"strings"
)

// ChannelKind identifies which naming scheme a channel uses
type ChannelKind uint8

const (
	KindCanonical     ChannelKind = iota // tenant:{tenantId}:{resource}[:{resourceId}]
	KindAdmin                            // admin-security
	KindLegacyTenant                     // tenant.{id}
	KindLegacyProject                    // project.{id}
	KindLegacyUser                       // App.Models.User.{id}
)

const (
	canonicalPrefix     = "tenant:"
	legacyTenantPrefix  = "tenant."
	legacyProjectPrefix = "project."
	legacyUserPrefix    = "App.Models.User."

	// AdminSecurityChannel is restricted to super admins and admin.access holders
	AdminSecurityChannel = "admin-security"
)

var (
	ErrInvalidChannelFormat = errors.New("invalid channel format")
	ErrUnknownChannelFormat = errors.New("unknown channel format")
)

// Channel is a parsed channel name
type Channel struct {
	Name       string
	Kind       ChannelKind
	TenantID   string // canonical and legacy tenant channels
	Resource   string // canonical channels; "projects" for legacy project channels
	ResourceID string // optional; empty for tenant-wide channels
}

// Legacy reports whether the channel uses a deprecated dotted name
func (c Channel) Legacy() bool {
	return c.Kind == KindLegacyTenant || c.Kind == KindLegacyProject || c.Kind == KindLegacyUser
}

// ParseChannel decomposes a channel name without making any authorization decision.
//
// Canonical names split on ':' into exactly tenant literal, tenant id, resource
// and an optional resource id. Empty segments are rejected.
func ParseChannel(name string) (Channel, error) {
	if strings.HasPrefix(name, canonicalPrefix) {
		parts := strings.Split(name, ":")
		if len(parts) < 3 || len(parts) > 4 {
			return Channel{}, ErrInvalidChannelFormat
		}
		for _, p := range parts[1:] {
			if p == "" {
				return Channel{}, ErrInvalidChannelFormat
			}
		}
		ch := Channel{
			Name:     name,
			Kind:     KindCanonical,
			TenantID: parts[1],
			Resource: parts[2],
		}
		if len(parts) == 4 {
			ch.ResourceID = parts[3]
		}
		return ch, nil
	}

	if name == AdminSecurityChannel {
		return Channel{Name: name, Kind: KindAdmin, Resource: AdminSecurityChannel}, nil
	}

	if id, ok := legacySuffix(name, legacyUserPrefix); ok {
		return Channel{Name: name, Kind: KindLegacyUser, ResourceID: id}, nil
	}
	if id, ok := legacySuffix(name, legacyTenantPrefix); ok {
		return Channel{Name: name, Kind: KindLegacyTenant, TenantID: id}, nil
	}
	if id, ok := legacySuffix(name, legacyProjectPrefix); ok {
		return Channel{Name: name, Kind: KindLegacyProject, Resource: "projects", ResourceID: id}, nil
	}

	if name == "" || strings.HasPrefix(name, legacyUserPrefix) ||
		strings.HasPrefix(name, legacyTenantPrefix) || strings.HasPrefix(name, legacyProjectPrefix) {
		return Channel{}, ErrInvalidChannelFormat
	}
	return Channel{}, ErrUnknownChannelFormat
}

// legacySuffix returns the id after prefix; ids may not contain further dots
func legacySuffix(name, prefix string) (string, bool) {
	if !strings.HasPrefix(name, prefix) {
		return "", false
	}
	id := strings.TrimPrefix(name, prefix)
	if id == "" || strings.Contains(id, ".") {
		return "", false
	}
	return id, true
}
