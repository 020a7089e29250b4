package database_test

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pizzeria-checkout/internal/database"
	"pizzeria-checkout/internal/database/databasetest"
)

func TestMigrateIsRepeatable(t *testing.T) {
	db := databasetest.NewPostgres(t)

	require.NoError(t, database.Migrate(context.Background(), db))

	var n int
	err := db.QueryRow(`SELECT count(*) FROM information_schema.tables WHERE table_name IN ('orders', 'payment_events', 'payment_attempts')`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestHealth(t *testing.T) {
	db := databasetest.NewPostgres(t)
	svc := database.FromDB(db)

	stats := svc.Health(context.Background())
	assert.Equal(t, "up", stats["status"])
	assert.Contains(t, stats, "open_connections")
	assert.Equal(t, strconv.Itoa(database.DefaultMaxOpenConns), stats["max_open_connections"])
	assert.Equal(t, "healthy", stats["message"])

	require.NoError(t, svc.Close())
	stats = svc.Health(context.Background())
	assert.Equal(t, "down", stats["status"])
}

func TestHealthHeavyLoadFollowsPoolSize(t *testing.T) {
	ctx := context.Background()
	db := databasetest.NewPostgres(t)
	db.SetMaxOpenConns(5)
	svc := database.FromDB(db)

	// four of five connections held leaves one for the ping
	for range 4 {
		conn, err := db.Conn(ctx)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
	}

	stats := svc.Health(ctx)
	assert.Equal(t, "up", stats["status"])
	assert.Equal(t, "5", stats["max_open_connections"])
	assert.Contains(t, stats["message"], "heavy load")
}
