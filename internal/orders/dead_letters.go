package orders

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/pantry-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
	"github.com/angelmondragon/pantry-backend/pkg/pagination"
)

const maxDeadLetterErrorLen = 1024

type deadLetterRepository struct {
	conn Conn
}

// NewDeadLetterRepository builds the webhook dead-letter repository.
func NewDeadLetterRepository(conn Conn) DeadLetterRepository {
	return &deadLetterRepository{conn: conn}
}

func (r *deadLetterRepository) db() *gorm.DB {
	return r.conn.DB()
}

func (r *deadLetterRepository) Insert(ctx context.Context, letter *models.WebhookDeadLetter) error {
	if letter == nil {
		return errors.New("dead letter required")
	}
	if letter.ErrorMessage != nil {
		msg := truncateDeadLetterError(*letter.ErrorMessage)
		letter.ErrorMessage = &msg
	}
	if len(letter.Payload) == 0 {
		letter.Payload = []byte("{}")
	}
	return r.db().WithContext(ctx).Create(letter).Error
}

func (r *deadLetterRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.WebhookDeadLetter, error) {
	var letter models.WebhookDeadLetter
	err := r.db().WithContext(ctx).Where("id = ?", id).First(&letter).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "dead letter not found")
		}
		return nil, err
	}
	return &letter, nil
}

// List pages dead letters newest first using a (failed_at, id) keyset.
func (r *deadLetterRepository) List(ctx context.Context, params pagination.Params, filters DeadLetterFilters) (pagination.Page[models.WebhookDeadLetter], error) {
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return pagination.Page[models.WebhookDeadLetter]{}, err
	}

	query := r.db().WithContext(ctx).Model(&models.WebhookDeadLetter{})
	if filters.Provider != nil {
		query = query.Where("provider = ?", *filters.Provider)
	}
	if eventType := strings.TrimSpace(filters.EventType); eventType != "" {
		query = query.Where("event_type = ?", eventType)
	}
	if cursor != nil {
		query = query.Where("(failed_at < ?) OR (failed_at = ? AND id < ?)", cursor.At, cursor.At, cursor.ID)
	}

	var rows []models.WebhookDeadLetter
	err = query.
		Order("failed_at DESC").
		Order("id DESC").
		Limit(pagination.LimitWithBuffer(params.Limit)).
		Find(&rows).Error
	if err != nil {
		return pagination.Page[models.WebhookDeadLetter]{}, err
	}

	return pagination.BuildPage(rows, params.Limit, func(l models.WebhookDeadLetter) pagination.Cursor {
		return pagination.Cursor{At: l.FailedAt, ID: l.ID}
	}), nil
}

func (r *deadLetterRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res := r.db().WithContext(ctx).Where("id = ?", id).Delete(&models.WebhookDeadLetter{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, "dead letter not found")
	}
	return nil
}

// DeleteFailedBefore prunes dead letters that failed before cutoff.
func (r *deadLetterRepository) DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db().WithContext(ctx).Where("failed_at < ?", cutoff).Delete(&models.WebhookDeadLetter{})
	return res.RowsAffected, res.Error
}

func truncateDeadLetterError(message string) string {
	if len(message) <= maxDeadLetterErrorLen {
		return message
	}
	return message[:maxDeadLetterErrorLen]
}
