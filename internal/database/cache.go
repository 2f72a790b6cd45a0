package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const (
	// Cache key prefixes
	CacheKeySettings      = "provault:settings"
	CacheKeyUploadsActive = "provault:uploads:active"
	CacheKeyProgress      = "provault:progress:"
	CacheKeyBlacklist     = "provault:token:blacklist:"

	// Cache TTLs
	CacheTTLSettings = 5 * time.Minute

	// UploadsActiveTTL bounds how stale the uploads-active marker may be.
	// Holders refresh it while transfers run; maintenance tasks treat an
	// expired key as "no upload in flight".
	UploadsActiveTTL = 90 * time.Second

	ProgressTTL = 10 * time.Minute
)

// CacheGet retrieves a value from Redis cache and unmarshals it into dest
func CacheGet(key string, dest interface{}) error {
	ctx := context.Background()
	data, err := Redis.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// CacheSet stores a value in Redis cache with TTL
func CacheSet(key string, value interface{}, ttl time.Duration) error {
	ctx := context.Background()
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return Redis.Set(ctx, key, data, ttl).Err()
}

// CacheDelete removes a key from Redis cache
func CacheDelete(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx := context.Background()
	return Redis.Del(ctx, keys...).Err()
}

// MarkUploadsActive refreshes the process-wide uploads-active marker.
// Called periodically by any service with a transfer in flight.
func MarkUploadsActive() {
	if Redis == nil {
		return
	}
	ctx := context.Background()
	Redis.Set(ctx, CacheKeyUploadsActive, time.Now().Unix(), UploadsActiveTTL)
}

// ClearUploadsActive drops the marker once the last transfer finishes.
func ClearUploadsActive() {
	if Redis == nil {
		return
	}
	ctx := context.Background()
	Redis.Del(ctx, CacheKeyUploadsActive)
}

// UploadsActive reports whether any upload or replication is currently in
// flight. Background maintenance (proxy clearing, forced logout) must consult
// this before mutating the shared session.
func UploadsActive() bool {
	if Redis == nil {
		return false
	}
	ctx := context.Background()
	n, err := Redis.Exists(ctx, CacheKeyUploadsActive).Result()
	return err == nil && n > 0
}

// TransferProgress is the secondary read path for in-flight transfers.
type TransferProgress struct {
	AssetID   uint    `json:"asset_id"`
	AccountID uint    `json:"account_id"`
	Operation string  `json:"operation"` // upload, replicate, download
	Percent   float64 `json:"percent"`
	UpdatedAt int64   `json:"updated_at"`
}

// SetTransferProgress publishes progress for an asset transfer
func SetTransferProgress(p TransferProgress) {
	if Redis == nil {
		return
	}
	p.UpdatedAt = time.Now().Unix()
	CacheSet(fmt.Sprintf("%s%d", CacheKeyProgress, p.AssetID), p, ProgressTTL)
}

// GetTransferProgress reads progress for an asset, ok=false when none published
func GetTransferProgress(assetID uint) (TransferProgress, bool) {
	if Redis == nil {
		return TransferProgress{}, false
	}
	var p TransferProgress
	if err := CacheGet(fmt.Sprintf("%s%d", CacheKeyProgress, assetID), &p); err != nil {
		return TransferProgress{}, false
	}
	return p, true
}

// BlacklistToken invalidates a JWT until its natural expiry
func BlacklistToken(token string, ttl time.Duration) error {
	ctx := context.Background()
	return Redis.Set(ctx, CacheKeyBlacklist+token, 1, ttl).Err()
}

// IsTokenBlacklisted checks whether a JWT has been revoked via logout
func IsTokenBlacklisted(token string) bool {
	if Redis == nil {
		return false
	}
	ctx := context.Background()
	n, err := Redis.Exists(ctx, CacheKeyBlacklist+token).Result()
	return err == nil && n > 0
}

// InvalidateSettingsCache clears settings cache
func InvalidateSettingsCache() {
	CacheDelete(CacheKeySettings)
}
