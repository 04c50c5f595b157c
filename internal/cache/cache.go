package cache

import (
	"context"
	"time"
)

// Cache is the key-value read cache in front of the store. Values are JSON
// encoded. Get reports a miss with (false, nil); backend failures surface as
// errors and callers decide whether to degrade.
type Cache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// SetNX stores the value only if the key is absent. It returns true when
	// the value was stored, false when the key already existed.
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
}
