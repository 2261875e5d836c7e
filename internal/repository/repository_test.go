package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-import/internal/models"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(mockDB, "mysql")
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

var portalCols = []string{"id", "member_id", "domain", "access_token", "refresh_token", "expires_at",
	"client_id", "client_secret", "created_at", "updated_at"}

func TestPortalRepository_GetByID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPortalRepository(db)
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT .+ FROM portals WHERE id = \?`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(portalCols).
			AddRow(7, "member-7", "acme.bitrix24.ru", "at", "rt", now, nil, "secret", now, now))

	portal, err := repo.GetByID(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), portal.ID)
	assert.Equal(t, "acme.bitrix24.ru", portal.Domain)
	assert.Equal(t, now, portal.ExpiresAt)
	assert.Equal(t, "", portal.ClientID)
	assert.Equal(t, "secret", portal.ClientSecret)
}

func TestPortalRepository_NullExpiry(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPortalRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .+ FROM portals WHERE member_id = \?`).
		WithArgs("member-1").
		WillReturnRows(sqlmock.NewRows(portalCols).
			AddRow(1, "member-1", "acme.bitrix24.ru", "at", "rt", nil, nil, nil, now, now))

	portal, err := repo.GetByMemberID(context.Background(), "member-1")
	require.NoError(t, err)
	assert.True(t, portal.ExpiresAt.IsZero())
	assert.True(t, portal.NeedsTokenRefresh(now, time.Minute))
}

func TestPortalRepository_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPortalRepository(db)

	mock.ExpectQuery(`SELECT .+ FROM portals WHERE id = \?`).
		WithArgs(int64(99)).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPortalRepository_UpdateTokens(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPortalRepository(db)
	expires := time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE portals SET access_token = \?, refresh_token = \?, expires_at = \?`).
		WithArgs("new-at", "new-rt", expires, sqlmock.AnyArg(), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.UpdateTokens(context.Background(), 3, "new-at", "new-rt", expires))

	mock.ExpectExec(`UPDATE portals`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.UpdateTokens(context.Background(), 4, "a", "b", expires), ErrNotFound)
}

var jobCols = []string{"id", "portal_id", "status", "original_filename", "stored_filepath", "field_mappings",
	"settings", "total_rows", "processed_rows", "error_details", "created_at", "updated_at"}

func jobRow(rows *sqlmock.Rows, id int64, status string, errs any) *sqlmock.Rows {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	return rows.AddRow(id, 1, status, "contacts.csv", "/tmp/contacts.csv",
		[]byte(`[{"source":"name","target":"TITLE"}]`),
		[]byte(`{"entity_type_id":"1036","duplicate_handling":"skip"}`),
		10, 4, errs, now, now)
}

func TestImportJobRepository_Create(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewImportJobRepository(db)

	mock.ExpectExec(`INSERT INTO import_jobs`).
		WithArgs(int64(1), "pending", "contacts.csv", "/tmp/a.csv",
			sqlmock.AnyArg(), sqlmock.AnyArg(), 0, 0, nil).
		WillReturnResult(sqlmock.NewResult(42, 1))

	job := &models.ImportJob{
		PortalID:         1,
		OriginalFilename: "contacts.csv",
		StoredFilepath:   "/tmp/a.csv",
		FieldMappings:    models.FieldMappings{{SourceColumn: "name", TargetField: "TITLE"}},
		Settings:         models.Settings{EntityTypeID: 1036, DuplicateHandling: models.DuplicateSkip, BatchSize: 10},
	}
	require.NoError(t, repo.Create(context.Background(), job))
	assert.Equal(t, int64(42), job.ID)
	assert.Equal(t, models.StatusPending, job.Status)
}

func TestImportJobRepository_GetByID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewImportJobRepository(db)

	mock.ExpectQuery(`SELECT .+ FROM import_jobs WHERE id = \?`).
		WithArgs(int64(5)).
		WillReturnRows(jobRow(sqlmock.NewRows(jobCols), 5, "processing",
			[]byte(`[{"row":3,"command":"row_3","error":"bad"}]`)))

	job, err := repo.GetByID(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, job.Status)
	assert.Equal(t, 1036, job.Settings.EntityTypeID)
	assert.Equal(t, models.DuplicateSkip, job.Settings.DuplicateHandling)
	require.Len(t, job.FieldMappings, 1)
	assert.Equal(t, "TITLE", job.FieldMappings[0].TargetField)
	require.Len(t, job.ErrorDetails, 1)
	assert.Equal(t, 3, job.ErrorDetails[0].Row)
	assert.Equal(t, 40.0, job.ProgressPercentage())

	mock.ExpectQuery(`SELECT .+ FROM import_jobs WHERE id = \?`).
		WithArgs(int64(6)).
		WillReturnError(sql.ErrNoRows)
	_, err = repo.GetByID(context.Background(), 6)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestImportJobRepository_ListByPortal(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewImportJobRepository(db)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM import_jobs WHERE portal_id = \?`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))
	rows := sqlmock.NewRows(jobCols)
	jobRow(rows, 12, "completed", nil)
	jobRow(rows, 11, "failed", nil)
	mock.ExpectQuery(`SELECT .+ FROM import_jobs WHERE portal_id = \? ORDER BY created_at DESC, id DESC LIMIT \? OFFSET \?`).
		WithArgs(int64(1), 2, 10).
		WillReturnRows(rows)

	jobs, total, err := repo.ListByPortal(context.Background(), 1, 2, 10)
	require.NoError(t, err)
	assert.Equal(t, 12, total)
	require.Len(t, jobs, 2)
	assert.Equal(t, int64(12), jobs[0].ID)
	assert.Empty(t, jobs[1].ErrorDetails)
}

func TestImportJobRepository_StateTransitions(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewImportJobRepository(db)
	ctx := context.Background()
	errs := models.RowErrors{{Row: 2, Error: "bad"}}

	mock.ExpectExec(`UPDATE import_jobs SET status = \?, updated_at = NOW\(\)\s+WHERE id = \? AND status IN`).
		WithArgs("processing", int64(1), "pending", "processing").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE import_jobs SET total_rows = \?`).
		WithArgs(250, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE import_jobs SET processed_rows = \?, error_details = \?`).
		WithArgs(100, sqlmock.AnyArg(), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE import_jobs SET status = \?, processed_rows = \?, error_details = \?`).
		WithArgs("completed", 250, sqlmock.AnyArg(), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE import_jobs SET status = \?, processed_rows = \?, error_details = \?`).
		WithArgs("failed", 3, nil, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkProcessing(ctx, 1))
	require.NoError(t, repo.SetTotalRows(ctx, 1, 250))
	require.NoError(t, repo.UpdateProgress(ctx, 1, 100, errs))
	require.NoError(t, repo.MarkCompleted(ctx, 1, 250, errs))
	require.NoError(t, repo.MarkFailed(ctx, 2, 3, nil))
}
