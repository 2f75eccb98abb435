package systemtest

import (
	"context"
	"testing"

	"github.com/EternisAI/silo-fleet/internal/db"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/EternisAI/silo-fleet/systemtest/postgres"
	"github.com/EternisAI/silo-fleet/systemtest/tests"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestSystemIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("system tests need docker")
	}
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	container, err := postgres.StartPostgres(ctx, "fleet", "fleet", "fleet")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := postgres.TerminatePostgres(ctx, container); err != nil {
			t.Logf("terminate postgres: %v", err)
		}
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := db.Config{Driver: db.DriverPostgres, Url: url, Schema: "fleet"}
	require.NoError(t, db.RunMigrations(ctx, cfg))
	// Applying twice is a no-op.
	require.NoError(t, db.RunMigrations(ctx, cfg))

	pool, err := db.InitDB(ctx, cfg)
	require.NoError(t, err)
	st := store.NewPostgresStore(pool)
	t.Cleanup(st.Close)

	t.Run("Store", func(t *testing.T) { tests.TestPostgresStore(t, st) })
	t.Run("Fleet", func(t *testing.T) { tests.TestFleetFlow(t, st) })
}
