package dispatch

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pickmylab/dispatch/internal/platform/auth"
	"github.com/pickmylab/dispatch/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Staff endpoints: ops (admin implied)
	staff := api.Group("", auth.RequireRole(auth.RoleOps))
	staff.POST("/bookings", h.CreateBooking)
	staff.GET("/bookings/:id/history", h.GetBookingHistory)
	staff.POST("/bookings/:id/assign", h.AssignBooking)
	staff.POST("/bookings/:id/auto-assign", h.AutoAssignBooking)
	staff.POST("/bookings/:id/cancel", h.CancelBooking)
	staff.GET("/phlebotomists", h.ListPhlebotomists)

	// Field endpoints: ops or the phlebotomist acting on their own record
	field := api.Group("", auth.RequireRole(auth.RoleOps, auth.RolePhlebotomist))
	field.GET("/bookings/:id", h.GetBooking)
	field.PATCH("/bookings/:id/status", h.UpdateBookingStatus)
	field.GET("/phlebotomists/:id", h.GetPhlebotomist)
	field.PUT("/phlebotomists/:id/availability", h.UpdateAvailability)
	field.GET("/phlebotomists/:id/bookings", h.ListPhlebotomistBookings)

	// Admin endpoints
	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/bookings/:id/release", h.ReleaseBooking)
	admin.PUT("/phlebotomists/:id", h.UpsertPhlebotomist)
	admin.POST("/dispatch/sweep", h.RunSweep)
}

// kindStatus maps error kinds onto HTTP status codes.
var kindStatus = map[string]int{
	KindNotFound:             http.StatusNotFound,
	KindBookingNotFound:      http.StatusNotFound,
	KindAgentNotFound:        http.StatusNotFound,
	KindInvalidInput:         http.StatusBadRequest,
	KindBookingNotAssignable: http.StatusConflict,
	KindAgentUnavailable:     http.StatusConflict,
	KindCapacityExceeded:     http.StatusConflict,
	KindNoAvailableAgents:    http.StatusConflict,
	KindIllegalTransition:    http.StatusConflict,
	KindPreconditionFailed:   http.StatusConflict,
	KindNotAssignedAgent:     http.StatusForbidden,
}

func httpError(err error) *echo.HTTPError {
	kind := KindOf(err)
	code, ok := kindStatus[kind]
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError,
			map[string]string{"code": KindInternal, "message": "internal error"}).SetInternal(err)
	}
	return echo.NewHTTPError(code, map[string]string{"code": kind, "message": err.Error()})
}

func badRequest(msg string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusBadRequest, map[string]string{"code": KindInvalidInput, "message": msg})
}

func isStaff(c echo.Context) bool {
	return auth.HasRole(auth.RolesFromContext(c.Request().Context()), auth.RoleOps)
}

// requireSelfOrStaff lets staff act on any phlebotomist and a phlebotomist
// only on their own record.
func requireSelfOrStaff(c echo.Context, agentID string) error {
	if isStaff(c) || auth.UserIDFromContext(c.Request().Context()) == agentID {
		return nil
	}
	return echo.NewHTTPError(http.StatusForbidden, "phlebotomists may only act on their own record")
}

// -- Booking Handlers --

type createBookingRequest struct {
	BookingNumber  string         `json:"booking_number"`
	CustomerID     string         `json:"customer_id"`
	CollectionType CollectionType `json:"collection_type"`
	ScheduledFor   *time.Time     `json:"scheduled_for"`
}

func (h *Handler) CreateBooking(c echo.Context) error {
	var req createBookingRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(err.Error())
	}
	b := &Booking{
		BookingNumber:  req.BookingNumber,
		CustomerID:     req.CustomerID,
		CollectionType: req.CollectionType,
		ScheduledFor:   req.ScheduledFor,
	}
	if err := h.svc.CreateBooking(c.Request().Context(), b); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) GetBooking(c echo.Context) error {
	b, err := h.svc.GetBooking(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if !isStaff(c) && b.AgentID() != auth.UserIDFromContext(c.Request().Context()) {
		return httpError(ErrNotAssignedAgent)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) GetBookingHistory(c echo.Context) error {
	items, err := h.svc.BookingHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items})
}

type assignRequest struct {
	AgentID string `json:"agent_id"`
}

func (h *Handler) AssignBooking(c echo.Context) error {
	var req assignRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(err.Error())
	}
	if req.AgentID == "" {
		return badRequest("agent_id is required")
	}
	ctx := c.Request().Context()
	res, err := h.svc.AssignManual(ctx, c.Param("id"), req.AgentID, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) AutoAssignBooking(c echo.Context) error {
	ctx := c.Request().Context()
	res, err := h.svc.AssignAuto(ctx, c.Param("id"), auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

type statusRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
	// AgentID lets staff record a field update on behalf of the assigned
	// phlebotomist. Ignored for phlebotomist callers.
	AgentID string `json:"agent_id"`
}

func (h *Handler) UpdateBookingStatus(c echo.Context) error {
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(err.Error())
	}
	if req.Status == "" {
		return badRequest("status is required")
	}
	ctx := c.Request().Context()
	agentID := auth.UserIDFromContext(ctx)
	if isStaff(c) && req.AgentID != "" {
		agentID = req.AgentID
	}
	b, err := h.svc.UpdateBookingStatus(ctx, c.Param("id"), agentID, req.Status, req.Notes)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelBooking(c echo.Context) error {
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(err.Error())
	}
	ctx := c.Request().Context()
	b, err := h.svc.CancelBooking(ctx, c.Param("id"), auth.UserIDFromContext(ctx), req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ReleaseBooking(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.svc.ReleaseAgent(ctx, c.Param("id")); err != nil {
		return httpError(err)
	}
	b, err := h.svc.GetBooking(ctx, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

// -- Phlebotomist Handlers --

func (h *Handler) ListPhlebotomists(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := AgentFilter{Limit: pg.Limit, Offset: pg.Offset}
	if v, err := strconv.ParseBool(c.QueryParam("active")); err == nil {
		filter.ActiveOnly = v
	}
	if v, err := strconv.ParseBool(c.QueryParam("available")); err == nil {
		filter.AvailableOnly = v
	}
	if v, err := strconv.ParseBool(c.QueryParam("eligible")); err == nil && v {
		filter.ActiveOnly, filter.AvailableOnly, filter.UnderCapacityOnly = true, true, true
	}
	items, total, err := h.svc.ListAgents(c.Request().Context(), filter)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) GetPhlebotomist(c echo.Context) error {
	id := c.Param("id")
	if err := requireSelfOrStaff(c, id); err != nil {
		return err
	}
	a, err := h.svc.GetAgent(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) UpsertPhlebotomist(c echo.Context) error {
	var p AgentProfile
	if err := c.Bind(&p); err != nil {
		return badRequest(err.Error())
	}
	p.ID = c.Param("id")
	a, err := h.svc.UpsertAgent(c.Request().Context(), p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

type availabilityRequest struct {
	Status    string   `json:"status"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

func (h *Handler) UpdateAvailability(c echo.Context) error {
	id := c.Param("id")
	if err := requireSelfOrStaff(c, id); err != nil {
		return err
	}
	var req availabilityRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(err.Error())
	}
	var loc *Location
	if req.Latitude != nil && req.Longitude != nil {
		loc = &Location{Latitude: *req.Latitude, Longitude: *req.Longitude}
	} else if req.Latitude != nil || req.Longitude != nil {
		return badRequest("latitude and longitude must be sent together")
	}
	a, err := h.svc.UpdateAvailability(c.Request().Context(), id, req.Status, loc)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListPhlebotomistBookings(c echo.Context) error {
	id := c.Param("id")
	if err := requireSelfOrStaff(c, id); err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAgentBookings(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

// -- Dispatch Handlers --

func (h *Handler) RunSweep(c echo.Context) error {
	ctx := c.Request().Context()
	res, err := h.svc.AutoAssignPending(ctx, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}
