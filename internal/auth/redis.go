package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDirectory reads tokens, users, permissions, policy grants and resource
// ownership that the application keeps in Redis.
//
// Key layout (prefix defaults to "gateway:"):
//
//	{prefix}token:{sha256(token)}    hash  user_id, expires_at (unix seconds, optional)
//	{prefix}user:{id}                hash  tenant_id, name, active, super_admin
//	{prefix}user:{id}:permissions    set   permission names
//	{prefix}user:{id}:grants         set   "{action}:{type}:{id}"
//	{prefix}resource:{type}:{id}     string owning tenant id
type RedisDirectory struct {
	client *redis.Client
	prefix string
}

// NewRedisDirectory wraps an existing client
func NewRedisDirectory(client *redis.Client, prefix string) *RedisDirectory {
	return &RedisDirectory{client: client, prefix: prefix}
}

// NewRedisClient connects and pings Redis
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

// HashToken returns the key suffix a token is stored under
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (d *RedisDirectory) tokenKey(token string) string { return d.prefix + "token:" + HashToken(token) }
func (d *RedisDirectory) userKey(userID string) string { return d.prefix + "user:" + userID }
func (d *RedisDirectory) permissionsKey(userID string) string {
	return d.prefix + "user:" + userID + ":permissions"
}
func (d *RedisDirectory) grantsKey(userID string) string { return d.prefix + "user:" + userID + ":grants" }
func (d *RedisDirectory) resourceKey(resourceType, resourceID string) string {
	return d.prefix + "resource:" + resourceType + ":" + resourceID
}

// VerifyExternalToken implements TokenVerifier. A token whose user hash is
// missing resolves to a record with no tenant so the guard rejects it.
func (d *RedisDirectory) VerifyExternalToken(ctx context.Context, token string) (*TokenRecord, error) {
	fields, err := d.client.HGetAll(ctx, d.tokenKey(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	if len(fields) == 0 || fields["user_id"] == "" {
		return nil, nil
	}

	record := &TokenRecord{UserID: fields["user_id"]}
	if raw := fields["expires_at"]; raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse token expiry %q: %w", raw, err)
		}
		record.ExpiresAt = time.Unix(secs, 0)
	}

	user, err := d.client.HGetAll(ctx, d.userKey(record.UserID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", record.UserID, err)
	}
	if len(user) == 0 {
		return record, nil
	}

	record.TenantID = user["tenant_id"]
	record.Name = user["name"]
	record.Active = parseFlag(user["active"])
	record.SuperAdmin = parseFlag(user["super_admin"])
	return record, nil
}

// CheckPermission implements PermissionChecker
func (d *RedisDirectory) CheckPermission(ctx context.Context, userID, permission string) (bool, error) {
	ok, err := d.client.SIsMember(ctx, d.permissionsKey(userID), permission).Result()
	if err != nil {
		return false, fmt.Errorf("check permission %s: %w", permission, err)
	}
	return ok, nil
}

// CheckObjectPolicy implements PolicyChecker
func (d *RedisDirectory) CheckObjectPolicy(ctx context.Context, userID, action string, ref ResourceRef) (bool, error) {
	member := action + ":" + ref.Type + ":" + ref.ID
	ok, err := d.client.SIsMember(ctx, d.grantsKey(userID), member).Result()
	if err != nil {
		return false, fmt.Errorf("check policy %s: %w", member, err)
	}
	return ok, nil
}

// LoadResourceTenant implements ResourceLocator
func (d *RedisDirectory) LoadResourceTenant(ctx context.Context, resourceType, resourceID string) (string, bool, error) {
	tenantID, err := d.client.Get(ctx, d.resourceKey(resourceType, resourceID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load resource %s/%s: %w", resourceType, resourceID, err)
	}
	return tenantID, true, nil
}

func parseFlag(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
