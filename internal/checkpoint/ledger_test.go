package checkpoint

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/learner/internal/types"
)

func record(version uint64) Record {
	return Record{
		Version: version,
		Step:    int64(version * 10),
		Loss:    0.5,
		Parameters: types.GradientSet{
			"weight": {1, 2, float64(version)},
			"bias":   {0.25},
		},
		CreatedAt: time.Unix(1700000000+int64(version), 0).UTC(),
	}
}

func exerciseLedger(t *testing.T, ledger Ledger) {
	ctx := context.Background()

	_, err := ledger.Latest(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, ledger.Save(ctx, record(2)))
	require.NoError(t, ledger.Save(ctx, record(10)))
	require.NoError(t, ledger.Save(ctx, record(3)))

	latest, err := ledger.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), latest.Version)
	assert.Equal(t, int64(100), latest.Step)
	assert.Equal(t, []float64{1, 2, 10}, latest.Parameters["weight"])
	assert.True(t, latest.CreatedAt.Equal(record(10).CreatedAt))

	err = ledger.Save(ctx, record(3))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemoryLedger(t *testing.T) {
	ledger := NewMemoryLedger()
	defer ledger.Close()
	exerciseLedger(t, ledger)
}

func TestMemoryLedgerCopiesParameters(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	rec := record(1)
	require.NoError(t, ledger.Save(ctx, rec))
	rec.Parameters["bias"][0] = 99

	latest, err := ledger.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.25, latest.Parameters["bias"][0])
}

func TestBadgerLedger(t *testing.T) {
	ledger, err := NewBadgerLedger("", zerolog.Nop())
	require.NoError(t, err)
	defer ledger.Close()
	exerciseLedger(t, ledger)
}

func TestBadgerLedgerPersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	ledger, err := NewBadgerLedger(dir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, ledger.Save(ctx, record(7)))
	require.NoError(t, ledger.Close())

	reopened, err := NewBadgerLedger(dir, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()
	latest, err := reopened.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), latest.Version)
}

func TestPostgresLedger(t *testing.T) {
	dsn := os.Getenv("LEARNER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LEARNER_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	ledger, err := OpenPostgresLedger(ctx, dsn)
	require.NoError(t, err)
	defer ledger.Close()

	_, err = ledger.db.ExecContext(ctx, "TRUNCATE checkpoints")
	require.NoError(t, err)
	exerciseLedger(t, ledger)
}
