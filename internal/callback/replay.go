package callback

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/wekeza-labs/backend-duka/internal/common"
)

// ReplayGuard suppresses duplicate webhook deliveries. The gateway retries
// anything but a 200, so the same body can arrive several times; the first
// delivery claims the payload hash and later ones are dropped.
type ReplayGuard struct {
	R   *redis.Client
	TTL time.Duration
}

// Seen claims the payload hash and reports whether the same body already
// arrived within the TTL. Redis failures let the callback through; a
// duplicate settle is idempotent downstream, a dropped one is not.
func (g ReplayGuard) Seen(ctx context.Context, body []byte) bool {
	if g.R == nil {
		return false
	}
	key := "callback:replay:" + common.Sha256Hex(string(body))
	ok, err := g.R.SetNX(ctx, key, "seen", g.TTL).Result()
	if err != nil {
		return false
	}
	return !ok
}
