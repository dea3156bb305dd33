package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthCheckTimeout = 5 * time.Second

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// DBHealth is the body of the database health endpoint.
type DBHealth struct {
	Status  string     `json:"status"`
	Error   string     `json:"error,omitempty"`
	Clinics *int       `json:"clinics,omitempty"`
	Pool    *PoolStats `json:"pool"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// CheckHealth pings the database and counts provisioned clinic schemas.
func CheckHealth(ctx context.Context, pool *pgxpool.Pool) (*DBHealth, bool) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	stats := GetPoolStats(pool)
	if err := pool.Ping(ctx); err != nil {
		stats.Healthy = false
		return &DBHealth{Status: "unhealthy", Error: err.Error(), Pool: stats}, false
	}

	health := &DBHealth{Status: "healthy", Pool: stats}
	if tenants, err := ListTenants(ctx, pool); err == nil {
		n := len(tenants)
		health.Clinics = &n
	}
	return health, true
}

// HealthHandler returns a handler for the database health check endpoint.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		health, ok := CheckHealth(c.Request().Context(), pool)
		if !ok {
			return c.JSON(http.StatusServiceUnavailable, health)
		}
		return c.JSON(http.StatusOK, health)
	}
}
