package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"crm-import/internal/models"
)

type PortalRepository struct {
	db *sqlx.DB
}

func NewPortalRepository(db *sqlx.DB) *PortalRepository {
	return &PortalRepository{db: db}
}

// portalRow mirrors the portals table, whose expiry and client credentials
// may be NULL.
type portalRow struct {
	ID           int64          `db:"id"`
	MemberID     string         `db:"member_id"`
	Domain       string         `db:"domain"`
	AccessToken  string         `db:"access_token"`
	RefreshToken string         `db:"refresh_token"`
	ExpiresAt    sql.NullTime   `db:"expires_at"`
	ClientID     sql.NullString `db:"client_id"`
	ClientSecret sql.NullString `db:"client_secret"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (row portalRow) toModel() *models.Portal {
	return &models.Portal{
		ID:           row.ID,
		MemberID:     row.MemberID,
		Domain:       row.Domain,
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		ExpiresAt:    row.ExpiresAt.Time,
		ClientID:     row.ClientID.String,
		ClientSecret: row.ClientSecret.String,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
}

const portalColumns = `id, member_id, domain, access_token, refresh_token, expires_at,
	client_id, client_secret, created_at, updated_at`

func (r *PortalRepository) GetByID(ctx context.Context, id int64) (*models.Portal, error) {
	var row portalRow
	query := "SELECT " + portalColumns + " FROM portals WHERE id = ? LIMIT 1"
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, notFound(err)
	}
	return row.toModel(), nil
}

func (r *PortalRepository) GetByMemberID(ctx context.Context, memberID string) (*models.Portal, error) {
	var row portalRow
	query := "SELECT " + portalColumns + " FROM portals WHERE member_id = ? LIMIT 1"
	if err := r.db.GetContext(ctx, &row, query, memberID); err != nil {
		return nil, notFound(err)
	}
	return row.toModel(), nil
}

// UpdateTokens stores a refreshed credential pair for the portal.
func (r *PortalRepository) UpdateTokens(ctx context.Context, portalID int64, accessToken, refreshToken string, expiresAt time.Time) error {
	query := `UPDATE portals SET access_token = ?, refresh_token = ?, expires_at = ?, updated_at = ?
	          WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query, accessToken, refreshToken, expiresAt.UTC(), time.Now().UTC(), portalID)
	if err != nil {
		return fmt.Errorf("update tokens for portal %d: %w", portalID, err)
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}
