package db_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/revault/cosignerd/internal/core/domain"
	"github.com/revault/cosignerd/internal/infrastructure/db"
	"github.com/revault/cosignerd/internal/testutil"
)

func TestSignedOutpointRepository(t *testing.T) {
	tests := []struct {
		name   string
		config func(t *testing.T) db.ServiceConfig
	}{
		{
			name: "badger",
			config: func(t *testing.T) db.ServiceConfig {
				return db.ServiceConfig{DbType: "badger", DbConfig: []any{"", nil}}
			},
		},
		{
			name: "sqlite",
			config: func(t *testing.T) db.ServiceConfig {
				return db.ServiceConfig{DbType: "sqlite", DbConfig: []any{t.TempDir()}}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := db.NewService(tt.config(t))
			require.NoError(t, err)
			t.Cleanup(svc.Close)

			repo := svc.SignedOutpoints()
			testGetMissing(t, repo)
			testAddBatch(t, repo)
			testConflicts(t, repo)
			testBatchAtomicity(t, repo)
			testConcurrentBatches(t, repo)
		})
	}
}

func testGetMissing(t *testing.T, repo domain.SignedOutpointRepository) {
	t.Run("get missing outpoint", func(t *testing.T) {
		ctx := context.Background()

		signedOutpoint, err := repo.Get(ctx, testutil.OutPoint(0xa1, 0))
		require.ErrorIs(t, err, domain.ErrSignedOutpointNotFound)
		require.Nil(t, signedOutpoint)
	})
}

func testAddBatch(t *testing.T, repo domain.SignedOutpointRepository) {
	t.Run("add batch", func(t *testing.T) {
		ctx := context.Background()

		entries := []domain.SignedOutpoint{
			{Outpoint: testutil.OutPoint(0xb1, 0), Signature: []byte{0x01, 0x02}},
			{Outpoint: testutil.OutPoint(0xb1, 1), Signature: []byte{0x03, 0x04}},
		}
		require.NoError(t, repo.AddBatch(ctx, entries))

		for _, entry := range entries {
			stored, err := repo.Get(ctx, entry.Outpoint)
			require.NoError(t, err)
			require.Equal(t, entry.Outpoint, stored.Outpoint)
			require.Equal(t, entry.Signature, stored.Signature)
		}
	})
}

func testConflicts(t *testing.T, repo domain.SignedOutpointRepository) {
	t.Run("conflicting batches", func(t *testing.T) {
		ctx := context.Background()

		outpoint := testutil.OutPoint(0xc1, 3)
		original := domain.SignedOutpoint{Outpoint: outpoint, Signature: []byte{0x0a}}
		require.NoError(t, repo.AddBatch(ctx, []domain.SignedOutpoint{original}))

		// Re-inserting is a conflict even with the same signature bytes.
		var conflict *domain.OutpointConflictError
		err := repo.AddBatch(ctx, []domain.SignedOutpoint{original})
		require.ErrorAs(t, err, &conflict)
		require.Equal(t, outpoint, conflict.Outpoint)

		err = repo.AddBatch(ctx, []domain.SignedOutpoint{
			{Outpoint: outpoint, Signature: []byte{0x0b}},
		})
		require.ErrorAs(t, err, &conflict)

		// The stored signature is untouched by the refused batches.
		stored, err := repo.Get(ctx, outpoint)
		require.NoError(t, err)
		require.Equal(t, original.Signature, stored.Signature)
	})
}

func testBatchAtomicity(t *testing.T, repo domain.SignedOutpointRepository) {
	t.Run("batch atomicity", func(t *testing.T) {
		ctx := context.Background()

		committed := testutil.OutPoint(0xd1, 0)
		fresh := testutil.OutPoint(0xd2, 0)
		require.NoError(t, repo.AddBatch(ctx, []domain.SignedOutpoint{
			{Outpoint: committed, Signature: []byte{0x0c}},
		}))

		var conflict *domain.OutpointConflictError
		err := repo.AddBatch(ctx, []domain.SignedOutpoint{
			{Outpoint: fresh, Signature: []byte{0x0d}},
			{Outpoint: committed, Signature: []byte{0x0e}},
		})
		require.ErrorAs(t, err, &conflict)
		require.Equal(t, committed, conflict.Outpoint)

		// The refused batch must not have been partially applied.
		_, err = repo.Get(ctx, fresh)
		require.ErrorIs(t, err, domain.ErrSignedOutpointNotFound)
	})
}

func testConcurrentBatches(t *testing.T, repo domain.SignedOutpointRepository) {
	t.Run("concurrent batches", func(t *testing.T) {
		ctx := context.Background()
		outpoint := testutil.OutPoint(0xf1, 0)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = repo.AddBatch(ctx, []domain.SignedOutpoint{
					{Outpoint: outpoint, Signature: []byte{byte(i + 1)}},
				})
			}(i)
		}
		wg.Wait()

		// Exactly one of the racing batches wins, the other observes a
		// conflict.
		var conflicts int
		for _, err := range errs {
			if err == nil {
				continue
			}
			var conflict *domain.OutpointConflictError
			require.ErrorAs(t, err, &conflict)
			require.Equal(t, outpoint, conflict.Outpoint)
			conflicts++
		}
		require.Equal(t, 1, conflicts)

		_, err := repo.Get(ctx, outpoint)
		require.NoError(t, err)
	})
}

func TestSignedOutpointRepositoryPersistence(t *testing.T) {
	tests := []struct {
		name   string
		config func(baseDir string) db.ServiceConfig
	}{
		{
			name: "badger",
			config: func(baseDir string) db.ServiceConfig {
				return db.ServiceConfig{DbType: "badger", DbConfig: []any{baseDir, nil}}
			},
		},
		{
			name: "sqlite",
			config: func(baseDir string) db.ServiceConfig {
				return db.ServiceConfig{DbType: "sqlite", DbConfig: []any{baseDir}}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			baseDir := t.TempDir()

			svc, err := db.NewService(tt.config(baseDir))
			require.NoError(t, err)

			outpoint := testutil.OutPoint(0xe1, 7)
			signature := []byte{0xde, 0xad}
			require.NoError(t, svc.SignedOutpoints().AddBatch(ctx, []domain.SignedOutpoint{
				{Outpoint: outpoint, Signature: signature},
			}))
			svc.Close()

			svc, err = db.NewService(tt.config(baseDir))
			require.NoError(t, err)
			t.Cleanup(svc.Close)

			stored, err := svc.SignedOutpoints().Get(ctx, outpoint)
			require.NoError(t, err)
			require.Equal(t, signature, stored.Signature)

			// Conflicts survive a restart.
			var conflict *domain.OutpointConflictError
			err = svc.SignedOutpoints().AddBatch(ctx, []domain.SignedOutpoint{
				{Outpoint: outpoint, Signature: []byte{0xff}},
			})
			require.ErrorAs(t, err, &conflict)
		})
	}
}

func TestNewServiceFailures(t *testing.T) {
	tests := []struct {
		name   string
		config db.ServiceConfig
	}{
		{
			name:   "unsupported type",
			config: db.ServiceConfig{DbType: "postgres", DbConfig: []any{""}},
		},
		{
			name:   "sqlite wrong config arity",
			config: db.ServiceConfig{DbType: "sqlite", DbConfig: []any{"", nil}},
		},
		{
			name:   "sqlite invalid base directory",
			config: db.ServiceConfig{DbType: "sqlite", DbConfig: []any{42}},
		},
		{
			name:   "badger wrong config arity",
			config: db.ServiceConfig{DbType: "badger", DbConfig: []any{""}},
		},
		{
			name:   "badger invalid base directory",
			config: db.ServiceConfig{DbType: "badger", DbConfig: []any{42, nil}},
		},
		{
			name:   "badger invalid logger",
			config: db.ServiceConfig{DbType: "badger", DbConfig: []any{"", "not a logger"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.NewService(tt.config)
			require.Error(t, err)
		})
	}
}
