package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"time"
)

// StaticDirectory serves every collaborator contract from an in-memory
// snapshot, typically loaded from a JSON file in development.
type StaticDirectory struct {
	tokens    map[string]StaticToken
	users     map[string]StaticUser
	resources map[string]string // "{type}:{id}" -> tenant
}

// StaticToken is one entry of the "tokens" object
type StaticToken struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// StaticUser is one entry of the "users" object
type StaticUser struct {
	TenantID    string   `json:"tenant_id"`
	Name        string   `json:"name"`
	Active      bool     `json:"active"`
	SuperAdmin  bool     `json:"super_admin"`
	Permissions []string `json:"permissions"`
	Grants      []string `json:"grants"` // "{action}:{type}:{id}"
}

// StaticData is the on-disk layout
type StaticData struct {
	Tokens    map[string]StaticToken `json:"tokens"`
	Users     map[string]StaticUser  `json:"users"`
	Resources map[string]string      `json:"resources"`
}

// NewStaticDirectory builds a directory from data
func NewStaticDirectory(data StaticData) *StaticDirectory {
	d := &StaticDirectory{
		tokens:    data.Tokens,
		users:     data.Users,
		resources: data.Resources,
	}
	if d.tokens == nil {
		d.tokens = map[string]StaticToken{}
	}
	if d.users == nil {
		d.users = map[string]StaticUser{}
	}
	if d.resources == nil {
		d.resources = map[string]string{}
	}
	return d
}

// LoadStaticDirectory reads a JSON file in the StaticData layout
func LoadStaticDirectory(path string) (*StaticDirectory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read static directory: %w", err)
	}
	var data StaticData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse static directory %s: %w", path, err)
	}
	return NewStaticDirectory(data), nil
}

func (d *StaticDirectory) VerifyExternalToken(_ context.Context, token string) (*TokenRecord, error) {
	t, ok := d.tokens[token]
	if !ok {
		return nil, nil
	}
	record := &TokenRecord{UserID: t.UserID, ExpiresAt: t.ExpiresAt}
	if u, ok := d.users[t.UserID]; ok {
		record.TenantID = u.TenantID
		record.Name = u.Name
		record.Active = u.Active
		record.SuperAdmin = u.SuperAdmin
	}
	return record, nil
}

func (d *StaticDirectory) CheckPermission(_ context.Context, userID, permission string) (bool, error) {
	u, ok := d.users[userID]
	if !ok {
		return false, nil
	}
	return slices.Contains(u.Permissions, permission), nil
}

func (d *StaticDirectory) CheckObjectPolicy(_ context.Context, userID, action string, ref ResourceRef) (bool, error) {
	u, ok := d.users[userID]
	if !ok {
		return false, nil
	}
	return slices.Contains(u.Grants, action+":"+ref.Type+":"+ref.ID), nil
}

func (d *StaticDirectory) LoadResourceTenant(_ context.Context, resourceType, resourceID string) (string, bool, error) {
	tenantID, ok := d.resources[resourceType+":"+resourceID]
	return tenantID, ok, nil
}
