package handler

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"crm-import/internal/bitrix24"
	"crm-import/internal/models"
	"crm-import/internal/repository"
	"crm-import/internal/service"
	"crm-import/internal/utils"
)

type SmartProcessHandler struct {
	portals PortalLookup
	clients service.ClientFactory
	service *service.SmartProcessService
	logger  *logrus.Entry
}

func NewSmartProcessHandler(portals PortalLookup, clients service.ClientFactory, svc *service.SmartProcessService, logger *logrus.Entry) *SmartProcessHandler {
	return &SmartProcessHandler{
		portals: portals,
		clients: clients,
		service: svc,
		logger:  logger.WithField("component", "smart_process_handler"),
	}
}

func (h *SmartProcessHandler) GetSmartProcesses(c *fiber.Ctx) error {
	portal, err := h.loadPortal(c)
	if portal == nil {
		return err
	}

	types, err := h.service.ListTypes(c.UserContext(), h.clients.ForPortal(portal))
	if err != nil {
		h.logger.WithError(err).WithField("portal_id", portal.ID).Error("Failed to list smart processes")
		return remoteErrorResponse(c, "Failed to retrieve smart processes", err)
	}
	return utils.SuccessResponse(c, "Smart processes retrieved successfully", types)
}

func (h *SmartProcessHandler) GetFields(c *fiber.Ctx) error {
	entityTypeID, err := strconv.ParseInt(c.Params("entityTypeId"), 10, 64)
	if err != nil || entityTypeID <= 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid entity type ID", err)
	}
	portal, err := h.loadPortal(c)
	if portal == nil {
		return err
	}

	fields, err := h.service.ListFields(c.UserContext(), h.clients.ForPortal(portal), entityTypeID)
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"portal_id":      portal.ID,
			"entity_type_id": entityTypeID,
		}).Error("Failed to list smart process fields")
		return remoteErrorResponse(c, "Failed to retrieve smart process fields", err)
	}
	return utils.SuccessResponse(c, "Fields retrieved successfully", fields)
}

func (h *SmartProcessHandler) loadPortal(c *fiber.Ctx) (*models.Portal, error) {
	portalID, err := strconv.ParseInt(c.Query("portal_id"), 10, 64)
	if err != nil || portalID <= 0 {
		return nil, utils.ErrorResponse(c, fiber.StatusBadRequest, "portal_id is required", nil)
	}
	portal, err := h.portals.GetByID(c.UserContext(), portalID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "Portal not found", nil)
	}
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load portal", err)
	}
	return portal, nil
}

// remoteErrorResponse maps a portal call failure: an expired grant needs the
// app to be reinstalled, anything else is an upstream failure.
func remoteErrorResponse(c *fiber.Ctx, message string, err error) error {
	if bitrix24.IsTokenRefreshError(err) {
		return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Portal authorization expired", err)
	}
	return utils.ErrorResponse(c, fiber.StatusBadGateway, message, err)
}
