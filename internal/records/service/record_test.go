package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civirec/civirec-backend/internal/records/domain"
	"github.com/civirec/civirec-backend/internal/records/repository"
	"github.com/civirec/civirec-backend/internal/records/service"
	"github.com/civirec/civirec-backend/pkg/database"
	"github.com/civirec/civirec-backend/pkg/logger"
	"github.com/civirec/civirec-backend/pkg/testutil"
)

// fakePublisher records published events
type fakePublisher struct {
	created []int64
	updated []int64
	deleted []int64
}

func (p *fakePublisher) PublishRecordCreated(ctx context.Context, rec *domain.Record) {
	p.created = append(p.created, rec.ID)
}

func (p *fakePublisher) PublishRecordUpdated(ctx context.Context, recordID int64, changes map[string]any) {
	p.updated = append(p.updated, recordID)
}

func (p *fakePublisher) PublishRecordDeleted(ctx context.Context, recordID int64) {
	p.deleted = append(p.deleted, recordID)
}

func newService(t *testing.T) (*service.RecordService, *testutil.MockDB, *fakePublisher) {
	t.Helper()
	mockDB := testutil.NewMockDB(t)
	t.Cleanup(func() { mockDB.Close() })

	repo := repository.NewRecordRepository(database.NewWithDB(mockDB.DB, logger.Nop()))
	pub := &fakePublisher{}
	return service.NewRecordService(repo, pub, logger.Nop()), mockDB, pub
}

func TestRecordService_CreateDerivesAgeAndPublishes(t *testing.T) {
	svc, mockDB, pub := newService(t)

	now := time.Now().UTC()
	mockDB.Mock.ExpectQuery("INSERT INTO records").
		WillReturnRows(testutil.MockRows("id", "created_at", "updated_at").AddRow(int64(7), now, now))

	dob := "1995-05-15"
	rec, err := svc.Create(context.Background(), &domain.CreateUpdateRecordDTO{
		Name:        "Ali Hassan",
		IDNumber:    "29505157654321",
		DateOfBirth: &dob,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(7), rec.ID)
	assert.Greater(t, rec.Age, 0, "age derived from birth date")
	assert.Equal(t, []int64{7}, pub.created)
	mockDB.ExpectationsWereMet(t)
}

func TestRecordService_CreateFailureDoesNotPublish(t *testing.T) {
	svc, mockDB, pub := newService(t)

	mockDB.Mock.ExpectQuery("INSERT INTO records").
		WillReturnError(assert.AnError)

	_, err := svc.Create(context.Background(), &domain.CreateUpdateRecordDTO{
		Name:     "Ali Hassan",
		IDNumber: "29505157654321",
	})
	require.Error(t, err)
	assert.Empty(t, pub.created)
	mockDB.ExpectationsWereMet(t)
}

func TestRecordService_UpdatePublishes(t *testing.T) {
	svc, mockDB, pub := newService(t)

	mockDB.Mock.ExpectExec("UPDATE records SET").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := svc.Update(context.Background(), 7, &domain.CreateUpdateRecordDTO{
		Name:     "Ali Hassan",
		IDNumber: "29505157654321",
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, pub.updated)
	mockDB.ExpectationsWereMet(t)
}

func TestRecordService_DeletePublishes(t *testing.T) {
	svc, mockDB, pub := newService(t)

	mockDB.Mock.ExpectExec("UPDATE records SET deleted_at").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.Delete(context.Background(), 7))
	assert.Equal(t, []int64{7}, pub.deleted)
	mockDB.ExpectationsWereMet(t)
}

func TestRecordService_ListPagination(t *testing.T) {
	svc, mockDB, _ := newService(t)

	mockDB.Mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(testutil.MockRows("count").AddRow(int64(45)))
	mockDB.Mock.ExpectQuery("SELECT (.+) FROM records").
		WillReturnRows(testutil.MockRows("id", "name", "id_number", "age", "created_at", "updated_at"))

	result, err := svc.List(context.Background(), 2, 20)
	require.NoError(t, err)

	assert.Equal(t, 2, result.PageNumber)
	assert.Equal(t, int64(45), result.TotalCount)
	assert.Equal(t, 3, result.TotalPages)
	assert.NotNil(t, result.Items, "empty page still marshals as an array")
	mockDB.ExpectationsWereMet(t)
}

func TestRecordService_SaveRoutesCreateAndUpdate(t *testing.T) {
	svc, mockDB, pub := newService(t)

	now := time.Now().UTC()
	payload := &domain.SavePayload{
		Name:       "Ali Hassan",
		IDNumber:   "29505157654321",
		NationalID: "29505157654321",
		Age:        31,
	}

	mockDB.Mock.ExpectQuery("INSERT INTO records").
		WillReturnRows(testutil.MockRows("id", "created_at", "updated_at").AddRow(int64(1), now, now))
	_, err := svc.Save(context.Background(), nil, payload)
	require.NoError(t, err)
	assert.Len(t, pub.created, 1)

	id := int64(1)
	mockDB.Mock.ExpectExec("UPDATE records SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	_, err = svc.Save(context.Background(), &id, payload)
	require.NoError(t, err)
	assert.Len(t, pub.updated, 1)

	mockDB.ExpectationsWereMet(t)
}
