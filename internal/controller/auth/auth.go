// Package auth resolves access keys to secret keys for request signing.
package auth

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/hengoj/heng/internal/controller/config"
)

// ClientKind classifies a caller by its access key.
type ClientKind int

const (
	KindRoot ClientKind = iota
	KindExternal
)

// keysHash is the redis hash mapping non-root access keys to secret keys.
const keysHash = "heng:accesskeys"

// Module answers "which secret key signs for this access key".
type Module struct {
	rdb           *redis.Client
	rootAccessKey string
	rootSecretKey string
}

func New(cfg *config.Config, rdb *redis.Client) *Module {
	return &Module{
		rdb:           rdb,
		rootAccessKey: cfg.Auth.RootAccessKey,
		rootSecretKey: cfg.Auth.RootSecretKey,
	}
}

// Lookup returns the client kind and secret key for an access key, or
// (_, "", nil) when the key is unknown.
func (m *Module) Lookup(ctx context.Context, accessKey string) (ClientKind, string, error) {
	if accessKey == m.rootAccessKey {
		return KindRoot, m.rootSecretKey, nil
	}
	if m.rdb == nil {
		return KindExternal, "", nil
	}
	secret, err := m.rdb.HGet(ctx, keysHash, accessKey).Result()
	if err == redis.Nil {
		return KindExternal, "", nil
	}
	if err != nil {
		return KindExternal, "", fmt.Errorf("auth lookup: %w", err)
	}
	return KindExternal, secret, nil
}
