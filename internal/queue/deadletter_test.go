package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/pantry-backend/internal/events"
	"github.com/angelmondragon/pantry-backend/internal/notifications"
	"github.com/angelmondragon/pantry-backend/internal/orders"
	"github.com/angelmondragon/pantry-backend/internal/webhooks"
	"github.com/angelmondragon/pantry-backend/pkg/db/models"
	"github.com/angelmondragon/pantry-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
	"github.com/angelmondragon/pantry-backend/pkg/pagination"
)

type memoryDeadLetters struct {
	rows      map[uuid.UUID]*models.WebhookDeadLetter
	insertErr error
}

func newMemoryDeadLetters() *memoryDeadLetters {
	return &memoryDeadLetters{rows: map[uuid.UUID]*models.WebhookDeadLetter{}}
}

func (m *memoryDeadLetters) Insert(_ context.Context, letter *models.WebhookDeadLetter) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	if letter.ID == uuid.Nil {
		letter.ID = uuid.New()
	}
	m.rows[letter.ID] = letter
	return nil
}

func (m *memoryDeadLetters) FindByID(_ context.Context, id uuid.UUID) (*models.WebhookDeadLetter, error) {
	letter, ok := m.rows[id]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "dead letter not found")
	}
	return letter, nil
}

func (m *memoryDeadLetters) List(context.Context, pagination.Params, orders.DeadLetterFilters) (pagination.Page[models.WebhookDeadLetter], error) {
	return pagination.Page[models.WebhookDeadLetter]{}, nil
}

func (m *memoryDeadLetters) DeleteFailedBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (m *memoryDeadLetters) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := m.rows[id]; !ok {
		return pkgerrors.New(pkgerrors.CodeNotFound, "dead letter not found")
	}
	delete(m.rows, id)
	return nil
}

type noticeRecorder struct {
	notices []notifications.DeadLetterNotice
	err     error
}

func (n *noticeRecorder) DeadLettered(_ context.Context, notice notifications.DeadLetterNotice) error {
	n.notices = append(n.notices, notice)
	return n.err
}

type eventRecorder struct {
	events []events.Event
}

func (e *eventRecorder) Publish(_ context.Context, event events.Event) error {
	e.events = append(e.events, event)
	return nil
}

type enqueueRecorder struct {
	deliveries []webhooks.Delivery
	delays     []time.Duration
}

func (e *enqueueRecorder) EnqueueWebhook(_ context.Context, d webhooks.Delivery, delay time.Duration) (uuid.UUID, error) {
	e.deliveries = append(e.deliveries, d)
	e.delays = append(e.delays, delay)
	return uuid.New(), nil
}

func TestDeadLetterRecordPersistsAndNotifies(t *testing.T) {
	repo := newMemoryDeadLetters()
	notifier := &noticeRecorder{}
	publisher := &eventRecorder{}
	recorder, err := NewDeadLetterRecorder(DeadLetterParams{Repo: repo, Notifier: notifier, Publisher: publisher})
	require.NoError(t, err)

	item := Item{Kind: KindWebhook, Delivery: testDelivery("E9"), RetryCount: 4}
	require.NoError(t, recorder.Record(context.Background(), item, enums.DeadLetterReasonMaxAttempts, errors.New("order not found")))

	require.Len(t, repo.rows, 1)
	var stored *models.WebhookDeadLetter
	for _, row := range repo.rows {
		stored = row
	}
	assert.Equal(t, "E9", stored.EventID)
	assert.Equal(t, 5, stored.AttemptCount)
	assert.Equal(t, enums.DeadLetterReasonMaxAttempts, stored.ErrorReason)
	require.NotNil(t, stored.OrderID)
	require.NotNil(t, stored.ErrorMessage)
	assert.Equal(t, "order not found", *stored.ErrorMessage)
	assert.JSONEq(t, `{"event_id":"E9"}`, string(stored.Payload))

	require.Len(t, notifier.notices, 1)
	assert.Equal(t, stored.ID.String(), notifier.notices[0].DeadLetterID)
	assert.Equal(t, "max_attempts", notifier.notices[0].Reason)

	require.Len(t, publisher.events, 1)
	assert.Equal(t, events.WebhookDeadLettered, publisher.events[0].Type)
	assert.Equal(t, item.Delivery.OrderID, publisher.events[0].OrderID)
}

func TestDeadLetterRecordIgnoresNotificationFailure(t *testing.T) {
	repo := newMemoryDeadLetters()
	recorder, err := NewDeadLetterRecorder(DeadLetterParams{Repo: repo, Notifier: &noticeRecorder{err: errors.New("queue full")}})
	require.NoError(t, err)

	err = recorder.Record(context.Background(), Item{Delivery: testDelivery("E10")}, enums.DeadLetterReasonNonRetryable, nil)
	require.NoError(t, err)
	assert.Len(t, repo.rows, 1)
}

func TestDeadLetterRecordReturnsInsertError(t *testing.T) {
	repo := newMemoryDeadLetters()
	repo.insertErr = errors.New("connection refused")
	notifier := &noticeRecorder{}
	recorder, err := NewDeadLetterRecorder(DeadLetterParams{Repo: repo, Notifier: notifier})
	require.NoError(t, err)

	err = recorder.Record(context.Background(), Item{Delivery: testDelivery("E11")}, enums.DeadLetterReasonMaxAttempts, nil)
	assert.Error(t, err)
	assert.Empty(t, notifier.notices)
}

func TestDeadLetterReplayRequeuesAndDeletes(t *testing.T) {
	repo := newMemoryDeadLetters()
	recorder, err := NewDeadLetterRecorder(DeadLetterParams{Repo: repo})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, recorder.Record(ctx, Item{Delivery: testDelivery("E12")}, enums.DeadLetterReasonMaxAttempts, errors.New("boom")))
	var id uuid.UUID
	for key := range repo.rows {
		id = key
	}

	queue := &enqueueRecorder{}
	itemID, err := recorder.Replay(ctx, id, queue)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, itemID)
	require.Len(t, queue.deliveries, 1)
	assert.Equal(t, "E12", queue.deliveries[0].EventID)
	assert.Equal(t, enums.WebhookProviderSquare, queue.deliveries[0].Provider)
	assert.Equal(t, time.Duration(0), queue.delays[0])
	assert.Empty(t, repo.rows)

	_, err = recorder.Replay(ctx, id, queue)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}
