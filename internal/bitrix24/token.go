package bitrix24

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const (
	DefaultTokenURL      = "https://oauth.bitrix.info/oauth/token/"
	DefaultRefreshBuffer = 60 * time.Second
	defaultTokenLifetime = 3600 * time.Second
)

// TokenStore persists a renewed credential pair for a portal.
type TokenStore interface {
	UpdateTokens(ctx context.Context, portalID int64, accessToken, refreshToken string, expiresAt time.Time) error
}

// ensureValidToken renews the credential when the attached portal is within
// the refresh buffer of its expiry. Clients without a portal never refresh.
func (c *Client) ensureValidToken(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.portal == nil {
		return nil
	}
	if !c.portal.NeedsTokenRefresh(c.now(), c.refreshBuffer) {
		return nil
	}
	return c.refreshLocked(ctx)
}

func (c *Client) refreshLocked(ctx context.Context) error {
	portal := c.portal
	errCtx := map[string]any{"portal_id": portal.ID, "domain": portal.Domain}

	clientID := firstNonEmpty(portal.ClientID, c.oauth.ClientID)
	clientSecret := firstNonEmpty(portal.ClientSecret, c.oauth.ClientSecret)
	if clientID == "" || clientSecret == "" {
		return newTokenRefreshError("token refresh failed: client credentials are not configured", errCtx, nil)
	}
	if portal.RefreshToken == "" {
		return newTokenRefreshError("token refresh failed: portal has no refresh token", errCtx, nil)
	}

	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.oauth.Endpoint.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	octx := context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := conf.TokenSource(octx, &oauth2.Token{RefreshToken: portal.RefreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			if retrieveErr.Response != nil {
				errCtx["status"] = retrieveErr.Response.StatusCode
			}
			if retrieveErr.ErrorCode != "" {
				errCtx["error"] = retrieveErr.ErrorCode
			}
			if retrieveErr.ErrorDescription != "" {
				errCtx["error_description"] = retrieveErr.ErrorDescription
			}
		}
		c.logger.WithFields(logrus.Fields{
			"portal_id": portal.ID,
			"domain":    portal.Domain,
		}).WithError(err).Error("Failed to refresh access token")
		return newTokenRefreshError(fmt.Sprintf("token refresh failed: %v", err), errCtx, err)
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = portal.RefreshToken
	}
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = c.now().Add(defaultTokenLifetime)
	}

	if c.tokens != nil {
		if err := c.tokens.UpdateTokens(ctx, portal.ID, tok.AccessToken, refreshToken, expiresAt); err != nil {
			return newTokenRefreshError(fmt.Sprintf("failed to persist refreshed token: %v", err), errCtx, err)
		}
	}
	portal.SetTokens(tok.AccessToken, refreshToken, expiresAt)
	c.accessToken = tok.AccessToken

	c.logger.WithFields(logrus.Fields{
		"portal_id":  portal.ID,
		"domain":     portal.Domain,
		"expires_at": expiresAt,
	}).Info("Access token refreshed")
	return nil
}

func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

// SetAccessToken replaces the credential used for subsequent calls.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
