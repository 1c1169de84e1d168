package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/angelmondragon/pantry-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testModel struct {
	ID   int
	Name string
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&testModel{}); err != nil {
		t.Fatalf("failed to migrate sqlite: %v", err)
	}
	return conn
}

func testConfig() config.DBConfig {
	return config.DBConfig{
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
		TxTimeout:      time.Second,
		ConnectTimeout: time.Second,
	}
}

func TestWithTx_CommitsAndRollbacks(t *testing.T) {
	db := newTestDB(t)
	client := NewFromConn(db, testConfig())

	ctx := context.Background()
	if err := client.WithTx(ctx, func(tx *gorm.DB) error {
		return tx.Create(&testModel{Name: "committed"}).Error
	}); err != nil {
		t.Fatalf("WithTx commit failed: %v", err)
	}

	var count int64
	if err := db.Model(&testModel{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 record, got %d", count)
	}

	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&testModel{Name: "rolled"}).Error; err != nil {
			return err
		}
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected WithTx to return an error")
	}
	if err := db.Model(&testModel{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed after rollback: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected rollback to leave 1 record, got %d", count)
	}
}

func TestWithRetryTx_RetriesTransientFailures(t *testing.T) {
	client := NewFromConn(newTestDB(t), testConfig())

	calls := 0
	err := client.WithRetryTx(context.Background(), "transient", func(tx *gorm.DB) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return tx.Create(&testModel{Name: "eventually"}).Error
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryTx_ConnectionErrorReinitializes(t *testing.T) {
	client := NewFromConn(newTestDB(t), testConfig())

	calls := 0
	err := client.WithRetryTx(context.Background(), "connection", func(tx *gorm.DB) error {
		calls++
		if calls == 1 {
			return &pgconn.PgError{Code: "08006"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWithRetryTx_StopsOnValidation(t *testing.T) {
	client := NewFromConn(newTestDB(t), testConfig())

	calls := 0
	err := client.WithRetryTx(context.Background(), "validation", func(tx *gorm.DB) error {
		calls++
		return &pgconn.PgError{Code: "23505"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryTx_DomainErrorsAreNotRetried(t *testing.T) {
	client := NewFromConn(newTestDB(t), testConfig())

	calls := 0
	err := client.WithRetryTx(context.Background(), "domain", func(tx *gorm.DB) error {
		calls++
		return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
	assert.Equal(t, 1, calls)
}

func TestWithRetryTx_ExhaustsAttempts(t *testing.T) {
	client := NewFromConn(newTestDB(t), testConfig())

	calls := 0
	err := client.WithRetryTx(context.Background(), "exhaust", func(tx *gorm.DB) error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestPing(t *testing.T) {
	client := NewFromConn(newTestDB(t), testConfig())
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected ping error: %v", err)
	}
}

func TestReinitializeHealthyPoolIsNoop(t *testing.T) {
	client := NewFromConn(newTestDB(t), testConfig())
	require.NoError(t, client.Reinitialize(context.Background()))
}

func TestReinitializeReopensClosedPool(t *testing.T) {
	ctx := context.Background()
	opens := 0
	client, err := NewWithOpener(ctx, testConfig(), nil, func() (*gorm.DB, error) {
		opens++
		return newTestDB(t), nil
	})
	require.NoError(t, err)

	sqlDB, err := client.DB().DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
	require.Error(t, client.Ping(ctx))

	require.NoError(t, client.Reinitialize(ctx))
	assert.Equal(t, 2, opens)
	require.NoError(t, client.Ping(ctx))
	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		return tx.Create(&testModel{Name: "after reopen"}).Error
	}))
}

func TestNewWithOpenerRequiresOpener(t *testing.T) {
	_, err := NewWithOpener(context.Background(), testConfig(), nil, nil)
	assert.Error(t, err)
}
