package models

import "time"

// Portal is one Bitrix24 installation together with its OAuth credential pair.
type Portal struct {
	ID           int64     `db:"id" json:"id"`
	MemberID     string    `db:"member_id" json:"member_id"`
	Domain       string    `db:"domain" json:"domain"`
	AccessToken  string    `db:"access_token" json:"-"`
	RefreshToken string    `db:"refresh_token" json:"-"`
	ExpiresAt    time.Time `db:"expires_at" json:"expires_at"`
	ClientID     string    `db:"client_id" json:"-"`
	ClientSecret string    `db:"client_secret" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// IsTokenExpired reports whether the access token is no longer valid at now.
func (p *Portal) IsTokenExpired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// NeedsTokenRefresh reports whether the token expires within buffer of now.
// A portal without a known expiry always needs a refresh.
func (p *Portal) NeedsTokenRefresh(now time.Time, buffer time.Duration) bool {
	if p.ExpiresAt.IsZero() {
		return true
	}
	return !now.Before(p.ExpiresAt.Add(-buffer))
}

// SetTokens replaces the credential pair in memory.
func (p *Portal) SetTokens(accessToken, refreshToken string, expiresAt time.Time) {
	p.AccessToken = accessToken
	p.RefreshToken = refreshToken
	p.ExpiresAt = expiresAt
}
