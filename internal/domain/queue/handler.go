package queue

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/polyclinic/clinic/internal/platform/apperr"
	"github.com/polyclinic/clinic/internal/platform/auth"
	"github.com/polyclinic/clinic/internal/platform/events"
	"github.com/polyclinic/clinic/internal/platform/tenancy"
	"github.com/polyclinic/clinic/pkg/pagination"
)

// Streamer pushes an initial view and every later event of a queue channel
// to one client.
type Streamer interface {
	Stream(c echo.Context, channel string, initial any) error
}

type Handler struct {
	svc  *Service
	live Streamer
	now  func() time.Time
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, now: time.Now}
}

// WithLive enables the live queue stream route.
func (h *Handler) WithLive(s Streamer) *Handler {
	h.live = s
	return h
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/queues", h.Book)
	api.GET("/queues", h.List)
	api.GET("/queues/:id", h.Get)
	api.GET("/queues/aid/:aid", h.GetByAID)
	api.GET("/doctors/:doctorId/queue", h.View)
	if h.live != nil {
		api.GET("/doctors/:doctorId/queue/live", h.Live)
	}
	api.POST("/queues/:id/cancel", h.Cancel)

	staff := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleReceptionist, auth.RoleDoctor, auth.RoleNurse))
	staff.GET("/queues/:id/activity", h.Activity)
	staff.POST("/queues/:id/call", h.Call)
	staff.POST("/queues/:id/skip", h.Skip)
	staff.POST("/queues/:id/clock-in", h.ClockIn)

	clinician := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleAdmin))
	clinician.POST("/queues/:id/complete", h.Complete)
}

// request pulls the tenant and the caller every handler needs.
func request(c echo.Context) (tenancy.Context, auth.Actor, error) {
	tc, err := tenancy.MustFromEcho(c)
	if err != nil {
		return tenancy.Context{}, auth.Actor{}, err
	}
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return tenancy.Context{}, auth.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}
	return tc, actor, nil
}

func pathID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func (h *Handler) Book(c echo.Context) error {
	tc, actor, err := request(c)
	if err != nil {
		return err
	}
	var req BookingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	e, err := h.svc.Book(c.Request().Context(), tc, actor, req)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	status := http.StatusCreated
	if req.QueueID != nil {
		status = http.StatusOK
	}
	return c.JSON(status, Format(e, actor.Role))
}

func (h *Handler) Get(c echo.Context) error {
	tc, actor, err := request(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	e, err := h.svc.Get(c.Request().Context(), tc, actor, id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, Format(e, actor.Role))
}

func (h *Handler) GetByAID(c echo.Context) error {
	tc, actor, err := request(c)
	if err != nil {
		return err
	}
	e, err := h.svc.GetByAID(c.Request().Context(), tc, actor, c.Param("aid"))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, Format(e, actor.Role))
}

// List pages the caller's appointments. ?date narrows it to one day.
func (h *Handler) List(c echo.Context) error {
	tc, actor, err := request(c)
	if err != nil {
		return err
	}
	var date *time.Time
	if raw := c.QueryParam("date"); raw != "" {
		d, err := ParseDate(raw)
		if err != nil {
			return apperr.ToHTTP(err)
		}
		date = &d
	}

	page := pagination.FromContext(c)
	entries, total, err := h.svc.List(c.Request().Context(), tc, actor, date, page)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(FormatAll(entries, actor.Role), total, page))
}

func (h *Handler) Activity(c echo.Context) error {
	tc, actor, err := request(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	page := pagination.FromContext(c)
	logs, total, err := h.svc.Activity(c.Request().Context(), tc, actor, id, page)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if logs == nil {
		logs = []*ActivityLog{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(logs, total, page))
}

// queueParams reads the doctor and the day of a queue request. The day
// defaults to today.
func (h *Handler) queueParams(c echo.Context) (uuid.UUID, time.Time, error) {
	doctorID, err := pathID(c, "doctorId")
	if err != nil {
		return uuid.Nil, time.Time{}, err
	}
	date := DateOf(h.now())
	if raw := c.QueryParam("date"); raw != "" {
		if date, err = ParseDate(raw); err != nil {
			return uuid.Nil, time.Time{}, apperr.ToHTTP(err)
		}
	}
	return doctorID, date, nil
}

func (h *Handler) View(c echo.Context) error {
	tc, actor, err := request(c)
	if err != nil {
		return err
	}
	doctorID, date, err := h.queueParams(c)
	if err != nil {
		return err
	}

	var queueID *uuid.UUID
	if raw := c.QueryParam("queueId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid queueId")
		}
		queueID = &id
	}

	v, err := h.svc.Views(c.Request().Context(), tc, actor, doctorID, date, queueID)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, FormatView(v, actor.Role))
}

// Live streams the doctor's queue: the current view first, then every
// change as a queue event.
func (h *Handler) Live(c echo.Context) error {
	tc, actor, err := request(c)
	if err != nil {
		return err
	}
	doctorID, date, err := h.queueParams(c)
	if err != nil {
		return err
	}

	v, err := h.svc.Views(c.Request().Context(), tc, actor, doctorID, date, nil)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	channel := events.QueueEvent{Tenant: tc.Slug, DoctorID: doctorID, Date: DateKey(date)}.Channel()
	return h.live.Stream(c, channel, FormatView(v, actor.Role))
}

type transitionFunc func(ctx context.Context, tc tenancy.Context, actor auth.Actor, id uuid.UUID) (*Entry, error)

func (h *Handler) transition(c echo.Context, fn transitionFunc) error {
	tc, actor, err := request(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	e, err := fn(c.Request().Context(), tc, actor, id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, Format(e, actor.Role))
}

func (h *Handler) Call(c echo.Context) error    { return h.transition(c, h.svc.Call) }
func (h *Handler) Skip(c echo.Context) error    { return h.transition(c, h.svc.Skip) }
func (h *Handler) ClockIn(c echo.Context) error { return h.transition(c, h.svc.ClockIn) }

func (h *Handler) Complete(c echo.Context) error {
	var out Outcome
	if err := c.Bind(&out); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return h.transition(c, func(ctx context.Context, tc tenancy.Context, actor auth.Actor, id uuid.UUID) (*Entry, error) {
		return h.svc.Complete(ctx, tc, actor, id, out)
	})
}

type cancelRequest struct {
	Remark *string `json:"remark"`
}

func (h *Handler) Cancel(c echo.Context) error {
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return h.transition(c, func(ctx context.Context, tc tenancy.Context, actor auth.Actor, id uuid.UUID) (*Entry, error) {
		return h.svc.Cancel(ctx, tc, actor, id, req.Remark)
	})
}
