//go:build integration

package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/yourorg/deposit-orchestrator/internal/ledger"
	"github.com/yourorg/deposit-orchestrator/internal/ledger/storetest"
)

func TestPostgresStore(t *testing.T) {
	ctx := context.Background()
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("deposits"),
		postgres.WithUsername("deposits"),
		postgres.WithPassword("deposits"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	store, err := ledger.OpenPostgres(openCtx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, ledger.Migrate(store.DB()))
	require.NoError(t, ledger.Migrate(store.DB()), "migrations are idempotent")

	storetest.Run(t, func(t *testing.T) ledger.Store {
		_, err := store.DB().ExecContext(ctx, `TRUNCATE payments, bookings`)
		require.NoError(t, err)
		return store
	})
}
