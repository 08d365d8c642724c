package repository

import (
	"context"
	"database/sql"

	"github.com/civirec/civirec-backend/internal/records/arabic"
	"github.com/civirec/civirec-backend/internal/records/domain"
	"github.com/civirec/civirec-backend/pkg/database"
	"github.com/civirec/civirec-backend/pkg/errors"
)

const recordColumns = `id, name, id_number, address, date_of_birth, age,
       gender, profession, marital_status, religion, husband_name,
       end_date, notes, created_at, updated_at`

// RecordRepository handles identity-record persistence
type RecordRepository struct {
	db *database.DB
}

// NewRecordRepository creates a new record repository
func NewRecordRepository(db *database.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

// Create inserts a new record and fills in its generated fields.
func (r *RecordRepository) Create(ctx context.Context, rec *domain.Record) error {
	query := `
		INSERT INTO records (
			name, id_number, address, date_of_birth, age,
			gender, profession, marital_status, religion, husband_name,
			end_date, notes
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		) RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRowxContext(ctx, query,
		rec.Name, rec.IDNumber, rec.Address, rec.DateOfBirth, rec.Age,
		rec.Gender, rec.Profession, rec.MaritalStatus, rec.Religion, rec.HusbandName,
		rec.EndDate, rec.Notes,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return database.MapPQError(err)
	}
	return nil
}

// GetByID gets a record by ID
func (r *RecordRepository) GetByID(ctx context.Context, id int64) (*domain.Record, error) {
	var rec domain.Record

	query := `
		SELECT ` + recordColumns + `
		FROM records
		WHERE id = $1 AND deleted_at IS NULL
	`

	err := r.db.GetContext(ctx, &rec, query, id)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("record")
	}
	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// List lists records with pagination, newest first.
func (r *RecordRepository) List(ctx context.Context, page, perPage int) ([]*domain.Record, int64, error) {
	var total int64
	countQuery := `SELECT COUNT(*) FROM records WHERE deleted_at IS NULL`
	if err := r.db.GetContext(ctx, &total, countQuery); err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * perPage
	query := `
		SELECT ` + recordColumns + `
		FROM records
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`

	var records []*domain.Record
	if err := r.db.SelectContext(ctx, &records, query, perPage, offset); err != nil {
		return nil, 0, err
	}

	return records, total, nil
}

// Search filters by name substring and identifier prefix. The identifier
// is digit-normalized first so Arabic-Indic input matches stored ASCII.
// Empty filters degrade to a plain list.
func (r *RecordRepository) Search(ctx context.Context, name, idNumber string, page, perPage int) ([]*domain.Record, int64, error) {
	idNumber = arabic.DigitsOnly(idNumber)

	where := `deleted_at IS NULL
		  AND ($1 = '' OR name ILIKE '%' || $1 || '%')
		  AND ($2 = '' OR id_number LIKE $2 || '%')`

	var total int64
	countQuery := `SELECT COUNT(*) FROM records WHERE ` + where
	if err := r.db.GetContext(ctx, &total, countQuery, name, idNumber); err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * perPage
	query := `
		SELECT ` + recordColumns + `
		FROM records
		WHERE ` + where + `
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`

	var records []*domain.Record
	if err := r.db.SelectContext(ctx, &records, query, name, idNumber, perPage, offset); err != nil {
		return nil, 0, err
	}

	return records, total, nil
}

// Update updates a record in place.
func (r *RecordRepository) Update(ctx context.Context, rec *domain.Record) error {
	query := `
		UPDATE records SET
			name = $2, id_number = $3, address = $4, date_of_birth = $5, age = $6,
			gender = $7, profession = $8, marital_status = $9, religion = $10,
			husband_name = $11, end_date = $12, notes = $13, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.Name, rec.IDNumber, rec.Address, rec.DateOfBirth, rec.Age,
		rec.Gender, rec.Profession, rec.MaritalStatus, rec.Religion,
		rec.HusbandName, rec.EndDate, rec.Notes,
	)
	if err != nil {
		return database.MapPQError(err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("record")
	}

	return nil
}

// SoftDelete marks a record deleted without destroying it.
func (r *RecordRepository) SoftDelete(ctx context.Context, id int64) error {
	query := `UPDATE records SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("record")
	}

	return nil
}

// ExistingIDSet returns the set of live national IDs for duplicate checks
// at session open.
func (r *RecordRepository) ExistingIDSet(ctx context.Context) (map[string]struct{}, error) {
	query := `SELECT id_number FROM records WHERE deleted_at IS NULL`

	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query); err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}
