package service

import (
	"context"
	"time"

	"github.com/civirec/civirec-backend/internal/records/domain"
	"github.com/civirec/civirec-backend/internal/records/identity"
	"github.com/civirec/civirec-backend/internal/records/repository"
	"github.com/civirec/civirec-backend/pkg/logger"
)

// EventPublisher publishes record lifecycle events
type EventPublisher interface {
	PublishRecordCreated(ctx context.Context, rec *domain.Record)
	PublishRecordUpdated(ctx context.Context, recordID int64, changes map[string]any)
	PublishRecordDeleted(ctx context.Context, recordID int64)
}

// RecordService handles record business logic
type RecordService struct {
	repo      *repository.RecordRepository
	publisher EventPublisher
	logger    *logger.Logger
	now       func() time.Time
}

// NewRecordService creates a new record service
func NewRecordService(repo *repository.RecordRepository, publisher EventPublisher, log *logger.Logger) *RecordService {
	return &RecordService{
		repo:      repo,
		publisher: publisher,
		logger:    log,
		now:       time.Now,
	}
}

// Create creates a new record from the API shape.
func (s *RecordService) Create(ctx context.Context, dto *domain.CreateUpdateRecordDTO) (*domain.Record, error) {
	rec := s.fromDTO(dto)

	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, err
	}

	s.publisher.PublishRecordCreated(ctx, rec)
	return rec, nil
}

// GetByID gets a record by ID
func (s *RecordService) GetByID(ctx context.Context, id int64) (*domain.Record, error) {
	return s.repo.GetByID(ctx, id)
}

// Update updates an existing record.
func (s *RecordService) Update(ctx context.Context, id int64, dto *domain.CreateUpdateRecordDTO) (*domain.Record, error) {
	rec := s.fromDTO(dto)
	rec.ID = id

	if err := s.repo.Update(ctx, rec); err != nil {
		return nil, err
	}

	s.publisher.PublishRecordUpdated(ctx, id, map[string]any{
		"name":      rec.Name,
		"id_number": rec.IDNumber,
	})
	return rec, nil
}

// Delete soft deletes a record
func (s *RecordService) Delete(ctx context.Context, id int64) error {
	if err := s.repo.SoftDelete(ctx, id); err != nil {
		return err
	}

	s.publisher.PublishRecordDeleted(ctx, id)
	return nil
}

// List lists records with pagination
func (s *RecordService) List(ctx context.Context, page, perPage int) (*domain.PagedResult, error) {
	records, total, err := s.repo.List(ctx, page, perPage)
	if err != nil {
		return nil, err
	}
	return pagedResult(records, total, page, perPage), nil
}

// Search filters records by name and identifier.
func (s *RecordService) Search(ctx context.Context, name, idNumber string, page, perPage int) (*domain.PagedResult, error) {
	records, total, err := s.repo.Search(ctx, name, idNumber, page, perPage)
	if err != nil {
		return nil, err
	}
	return pagedResult(records, total, page, perPage), nil
}

// ExistingIDSet returns the live identifier set for duplicate checks.
func (s *RecordService) ExistingIDSet(ctx context.Context) (map[string]struct{}, error) {
	return s.repo.ExistingIDSet(ctx)
}

// Save routes a finalized reconciliation payload: create for a fresh
// draft, update for an existing record.
func (s *RecordService) Save(ctx context.Context, recordID *int64, payload *domain.SavePayload) (*domain.Record, error) {
	dto := payload.DTO()
	if recordID == nil {
		return s.Create(ctx, dto)
	}
	return s.Update(ctx, *recordID, dto)
}

// fromDTO maps the API shape onto the persisted shape, backfilling age
// from the birth date.
func (s *RecordService) fromDTO(dto *domain.CreateUpdateRecordDTO) *domain.Record {
	rec := &domain.Record{
		Name:          dto.Name,
		IDNumber:      dto.IDNumber,
		Address:       dto.Address,
		DateOfBirth:   dto.DateOfBirth,
		Gender:        dto.Gender,
		Profession:    dto.Profession,
		MaritalStatus: dto.MaritalStatus,
		Religion:      dto.Religion,
		HusbandName:   dto.HusbandName,
		EndDate:       dto.EndDate,
		Notes:         dto.Notes,
	}

	if dto.DateOfBirth != nil {
		if age, ok := identity.AgeAt(*dto.DateOfBirth, s.now()); ok {
			rec.Age = age
		}
	}

	return rec
}

func pagedResult(records []*domain.Record, total int64, page, perPage int) *domain.PagedResult {
	if records == nil {
		records = []*domain.Record{}
	}
	totalPages := 0
	if perPage > 0 {
		totalPages = int((total + int64(perPage) - 1) / int64(perPage))
	}
	return &domain.PagedResult{
		Items:      records,
		PageNumber: page,
		PageSize:   perPage,
		TotalCount: total,
		TotalPages: totalPages,
	}
}
