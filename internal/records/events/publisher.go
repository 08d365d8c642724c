package events

import (
	"context"

	"github.com/civirec/civirec-backend/internal/records/domain"
	"github.com/civirec/civirec-backend/pkg/logger"
	"github.com/civirec/civirec-backend/pkg/messaging"
)

// RecordEventPublisher publishes record lifecycle events
type RecordEventPublisher struct {
	publisher *messaging.Publisher
	logger    *logger.Logger
}

// NewRecordEventPublisher creates a new record event publisher
func NewRecordEventPublisher(rmq *messaging.RabbitMQ, log *logger.Logger) (*RecordEventPublisher, error) {
	publisher, err := messaging.NewPublisher(rmq, messaging.ExchangeRecordEvents, "records-service", log)
	if err != nil {
		return nil, err
	}

	return &RecordEventPublisher{
		publisher: publisher,
		logger:    log,
	}, nil
}

// PublishRecordCreated publishes a record created event. Publish failures
// are logged, never surfaced: the record is already committed.
func (p *RecordEventPublisher) PublishRecordCreated(ctx context.Context, rec *domain.Record) {
	data := messaging.RecordCreatedEvent{
		RecordID: rec.ID,
		Name:     rec.Name,
		IDNumber: rec.IDNumber,
	}

	if err := p.publisher.Publish(ctx, messaging.EventRecordCreated, data); err != nil {
		p.logger.Error().Err(err).Int64("record_id", rec.ID).Msg("failed to publish record created event")
	}
}

// PublishRecordUpdated publishes a record updated event with the changed fields
func (p *RecordEventPublisher) PublishRecordUpdated(ctx context.Context, recordID int64, changes map[string]any) {
	data := messaging.RecordUpdatedEvent{
		RecordID: recordID,
		Fields:   changes,
	}

	if err := p.publisher.Publish(ctx, messaging.EventRecordUpdated, data); err != nil {
		p.logger.Error().Err(err).Int64("record_id", recordID).Msg("failed to publish record updated event")
	}
}

// PublishRecordDeleted publishes a record deleted event
func (p *RecordEventPublisher) PublishRecordDeleted(ctx context.Context, recordID int64) {
	data := messaging.RecordDeletedEvent{
		RecordID: recordID,
	}

	if err := p.publisher.Publish(ctx, messaging.EventRecordDeleted, data); err != nil {
		p.logger.Error().Err(err).Int64("record_id", recordID).Msg("failed to publish record deleted event")
	}
}
