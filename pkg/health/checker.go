package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	redisClient "github.com/citycab/dispatch/pkg/redis"
)

// Checker reports whether a single dependency is healthy.
type Checker func(ctx context.Context) error

const checkTimeout = 2 * time.Second

// PostgresChecker verifies database connectivity through the pool.
func PostgresChecker(pool *pgxpool.Pool) Checker {
	return func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("database pool is nil")
		}
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}
		return nil
	}
}

// RedisChecker verifies Redis connectivity.
func RedisChecker(client *redisClient.Client) Checker {
	return func(ctx context.Context) error {
		if client == nil {
			return fmt.Errorf("redis client is nil")
		}
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		return nil
	}
}

// EventBus is the connectivity surface of the NATS bus.
type EventBus interface {
	Connected() bool
}

// BusChecker verifies the event bus connection is up.
func BusChecker(bus EventBus) Checker {
	return func(ctx context.Context) error {
		if bus == nil || !bus.Connected() {
			return fmt.Errorf("event bus disconnected")
		}
		return nil
	}
}

// Handler runs all checkers and reports per-dependency status. Any failing
// check turns the response into 503 so load balancers stop routing here.
func Handler(checkers map[string]Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
		defer cancel()

		status := http.StatusOK
		checks := make(map[string]string, len(checkers))
		for name, check := range checkers {
			if err := check(ctx); err != nil {
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
			} else {
				checks[name] = "ok"
			}
		}

		body := gin.H{"status": "healthy", "checks": checks}
		if status != http.StatusOK {
			body["status"] = "unhealthy"
		}
		c.JSON(status, body)
	}
}
