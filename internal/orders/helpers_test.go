package orders

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/pantry-backend/pkg/config"
	"github.com/angelmondragon/pantry-backend/pkg/db"
	"github.com/angelmondragon/pantry-backend/pkg/db/models"
	"github.com/angelmondragon/pantry-backend/pkg/enums"
)

func setupOrdersTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&models.Order{},
		&models.Payment{},
		&models.PaymentEvent{},
		&models.WebhookDeadLetter{},
	))
	return conn
}

func testDBConfig() config.DBConfig {
	return config.DBConfig{
		RetryAttempts:  2,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
		TxTimeout:      5 * time.Second,
		ConnectTimeout: time.Second,
	}
}

func newTestDeadLetters(t *testing.T) (DeadLetterRepository, *gorm.DB) {
	t.Helper()
	conn := setupOrdersTestDB(t)
	return NewDeadLetterRepository(db.NewFromConn(conn, testDBConfig())), conn
}

func newTestService(t *testing.T) (Service, Repository, *gorm.DB) {
	t.Helper()
	conn := setupOrdersTestDB(t)
	client := db.NewFromConn(conn, testDBConfig())
	repo := NewRepository(client)
	svc, err := NewService(repo, client, nil)
	require.NoError(t, err)
	return svc, repo, conn
}

type orderOption func(*models.Order)

func withStatus(status enums.OrderStatus) orderOption {
	return func(o *models.Order) { o.Status = status }
}

func withShippingRate(rateID, carrier string) orderOption {
	return func(o *models.Order) {
		o.FulfillmentType = enums.FulfillmentNationwideShipping
		o.ShippingRateID = &rateID
		o.ShippingCarrier = &carrier
	}
}

func seedOrder(t *testing.T, repo Repository, squareOrderID string, opts ...orderOption) *models.Order {
	t.Helper()
	email := "buyer@pantry.test"
	order := &models.Order{
		SquareOrderID:   &squareOrderID,
		Status:          enums.OrderStatusPending,
		PaymentStatus:   enums.PaymentStatusPending,
		FulfillmentType: enums.FulfillmentPickup,
		CustomerEmail:   &email,
		TotalCents:      4599,
		RawData:         []byte(`{"source":"checkout"}`),
	}
	for _, opt := range opts {
		opt(order)
	}
	created, err := repo.CreateOrder(context.Background(), order)
	require.NoError(t, err)
	return created
}
