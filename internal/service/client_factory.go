package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"crm-import/internal/bitrix24"
	"crm-import/internal/config"
	"crm-import/internal/models"
)

// RemoteClient is the part of the API client the import pipeline uses.
type RemoteClient interface {
	Call(ctx context.Context, method string, params map[string]any) (*bitrix24.CallResult, error)
	CallBatch(ctx context.Context, batch *bitrix24.BatchRequest, maxRetries int) (*bitrix24.BatchResult, error)
}

// ClientFactory builds an API client bound to a portal credential.
type ClientFactory interface {
	ForPortal(portal *models.Portal) RemoteClient
}

type PortalClientFactory struct {
	cfg    *config.Config
	tokens bitrix24.TokenStore
	logger *logrus.Entry
}

func NewPortalClientFactory(cfg *config.Config, tokens bitrix24.TokenStore, logger *logrus.Entry) *PortalClientFactory {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &PortalClientFactory{cfg: cfg, tokens: tokens, logger: logger}
}

func (f *PortalClientFactory) ForPortal(portal *models.Portal) RemoteClient {
	return bitrix24.NewPortalClient(portal, f.tokens,
		bitrix24.WithTimeouts(f.cfg.BitrixConnectTimeout, f.cfg.BitrixRequestTimeout),
		bitrix24.WithOAuth(f.cfg.BitrixClientID, f.cfg.BitrixClientSecret, f.cfg.BitrixTokenURL),
		bitrix24.WithRefreshBuffer(f.cfg.BitrixRefreshBuffer),
		bitrix24.WithLogger(f.logger.WithField("portal_id", portal.ID)),
	)
}
