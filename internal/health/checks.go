package health

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/mbd888/gigescrow/internal/circuitbreaker"
)

// checkTimeout bounds each dependency probe.
const checkTimeout = 2 * time.Second

// Pinger is any dependency with a Ping (redis guard, database).
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping reports name as healthy when p answers within the probe timeout.
func Ping(name string, p func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		if err := p(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Database checks the connection pool.
func Database(db *sql.DB) Checker {
	return Ping("database", db.PingContext)
}

// Redis checks the replay-cache backend.
func Redis(p Pinger) Checker {
	return Ping("redis", p.Ping)
}

// Breaker is unhealthy while any gateway operation's circuit is open.
func Breaker(name string, b *circuitbreaker.Breaker) Checker {
	return func(_ context.Context) Status {
		open := b.OpenKeys()
		if len(open) > 0 {
			return Status{Name: name, Healthy: false, Detail: "circuit open: " + strings.Join(open, ",")}
		}
		return Status{Name: name, Healthy: true}
	}
}
