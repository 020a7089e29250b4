package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"pizzeria-checkout/internal/config"
)

// Service represents a service that interacts with a database.
type Service interface {
	// Health returns a map of health status information.
	// The keys and values in the map are service-specific.
	Health(ctx context.Context) map[string]string

	// DB exposes the pool for repositories.
	DB() *sql.DB

	// Close terminates the database connection.
	// It returns an error if the connection cannot be closed.
	Close() error
}

type service struct {
	db *sql.DB
}

const (
	DefaultMaxOpenConns = 25
	DefaultMaxIdleConns = 5

	heavyLoadPercent = 80
	highWaitCount    = 1000
)

// NewPostgres opens a pgx pool capped at maxOpen connections.
func NewPostgres(dsn string, maxOpen, maxIdle int) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

func New(cfg config.DatabaseConfig) (Service, error) {
	db, err := NewPostgres(cfg.DSN(), cfg.MaxOpenConns, cfg.MaxIdleConns)
	if err != nil {
		return nil, err
	}
	return &service{db: db}, nil
}

// FromDB wraps an existing pool.
func FromDB(db *sql.DB) Service {
	return &service{db: db}
}

func (s *service) DB() *sql.DB {
	return s.db
}

// Health pings the database and reports pool statistics. Heavy load is
// measured against the pool's own connection cap.
func (s *service) Health(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	stats := make(map[string]string)
	if err := s.db.PingContext(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		return stats
	}
	stats["status"] = "up"
	stats["message"] = "healthy"

	st := s.db.Stats()
	stats["max_open_connections"] = strconv.Itoa(st.MaxOpenConnections)
	stats["open_connections"] = strconv.Itoa(st.OpenConnections)
	stats["in_use"] = strconv.Itoa(st.InUse)
	stats["idle"] = strconv.Itoa(st.Idle)
	stats["wait_count"] = strconv.FormatInt(st.WaitCount, 10)
	stats["wait_duration"] = st.WaitDuration.String()
	stats["max_idle_closed"] = strconv.FormatInt(st.MaxIdleClosed, 10)
	stats["max_lifetime_closed"] = strconv.FormatInt(st.MaxLifetimeClosed, 10)

	if heavyLoad(st) {
		stats["message"] = "heavy load: connection pool nearly exhausted"
	}
	if st.WaitCount > highWaitCount {
		stats["message"] = "high number of wait events on the connection pool"
	}
	return stats
}

// heavyLoad reports whether open connections reached heavyLoadPercent of the
// pool cap. An uncapped pool is never under heavy load.
func heavyLoad(st sql.DBStats) bool {
	if st.MaxOpenConnections <= 0 {
		return false
	}
	return st.OpenConnections*100 >= st.MaxOpenConnections*heavyLoadPercent
}

func (s *service) Close() error {
	return s.db.Close()
}
