package payment

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/polyclinic/clinic/internal/domain/queue"
	"github.com/polyclinic/clinic/internal/platform/apperr"
	"github.com/polyclinic/clinic/internal/platform/auth"
	"github.com/polyclinic/clinic/internal/platform/tenancy"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/payments/orders", h.RecordOrder)
	api.POST("/payments/verify", h.Verify)
}

func (h *Handler) RecordOrder(c echo.Context) error {
	tc, err := tenancy.MustFromEcho(c)
	if err != nil {
		return err
	}
	var req OrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.RecordOrder(c.Request().Context(), tc, req)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, p)
}

type verifyResponse struct {
	Payment *Payment           `json:"payment"`
	Booked  []*queue.Formatted `json:"booked"`
}

func (h *Handler) Verify(c echo.Context) error {
	tc, err := tenancy.MustFromEcho(c)
	if err != nil {
		return err
	}
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}
	var req VerifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, booked, err := h.svc.Verify(c.Request().Context(), tc, actor, req)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, verifyResponse{
		Payment: p,
		Booked:  queue.FormatAll(booked, actor.Role),
	})
}
