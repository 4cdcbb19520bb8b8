package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/pickmylab/dispatch/internal/platform/auth"
)

func newTestHandler(t *testing.T) (*Handler, *fixture, *echo.Echo) {
	t.Helper()
	f := newFixture(t)
	return NewHandler(f.svc), f, echo.New()
}

// newRouter mounts the dispatch routes behind header-driven identity.
func newRouter(t *testing.T) (*echo.Echo, *fixture) {
	t.Helper()
	f := newFixture(t)
	e := echo.New()
	api := e.Group("/api/v1", auth.DevAuthMiddleware())
	NewHandler(f.svc).RegisterRoutes(api)
	return e, f
}

func serve(e *echo.Echo, method, path, body, user, roles string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("X-User-ID", user)
	req.Header.Set("X-User-Roles", roles)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func withIdentity(c echo.Context, userID string, roles ...string) {
	c.SetRequest(c.Request().WithContext(auth.WithIdentity(c.Request().Context(), userID, roles...)))
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body["code"]
}

func assertHTTPError(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected HTTP %d, got nil error", code)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestHandler_CreateBooking(t *testing.T) {
	h, _, e := newTestHandler(t)
	body := `{"customer_id":"cust-1","collection_type":"home"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreateBooking(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var b Booking
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatal(err)
	}
	if b.ID == "" || b.Status != StatusPending {
		t.Errorf("unexpected booking %+v", b)
	}
}

func TestHandler_CreateBooking_BadCollectionType(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"collection_type":"drone"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	assertHTTPError(t, h.CreateBooking(c), http.StatusBadRequest)
}

func TestHandler_AssignBooking(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.agent(t, "phl-1", 2)
	b := f.booking(t, CollectionHome)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"agent_id":"phl-1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(b.ID)
	withIdentity(c, "ops-1", auth.RoleOps)

	if err := h.AssignBooking(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res AssignmentResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.AgentID != "phl-1" || res.AssignedBy != "ops-1" || res.Mode != ModeManual {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestHandler_AssignBooking_MissingAgent(t *testing.T) {
	h, f, e := newTestHandler(t)
	b := f.booking(t, CollectionHome)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(b.ID)

	assertHTTPError(t, h.AssignBooking(c), http.StatusBadRequest)
}

func TestHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{ErrBookingNotFound, http.StatusNotFound},
		{ErrAgentNotFound, http.StatusNotFound},
		{ErrInvalidInput, http.StatusBadRequest},
		{ErrBookingNotAssignable, http.StatusConflict},
		{ErrCapacityExceeded, http.StatusConflict},
		{ErrAgentUnavailable, http.StatusConflict},
		{ErrNoAvailableAgents, http.StatusConflict},
		{ErrIllegalTransition, http.StatusConflict},
		{ErrNotAssignedAgent, http.StatusForbidden},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		he := httpError(tt.err)
		if he.Code != tt.code {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.code, he.Code)
		}
	}
	he := httpError(context.DeadlineExceeded)
	if he.Internal == nil {
		t.Error("expected internal error to be kept for logging")
	}
	if msg := he.Message.(map[string]string)["message"]; msg != "internal error" {
		t.Errorf("internal details leaked: %q", msg)
	}
}

func TestRoutes_RoleChecks(t *testing.T) {
	e, f := newRouter(t)
	f.agent(t, "phl-1", 2)
	b := f.booking(t, CollectionHome)

	rec := serve(e, http.MethodPost, "/api/v1/bookings/"+b.ID+"/assign", `{"agent_id":"phl-1"}`, "phl-1", auth.RolePhlebotomist)
	if rec.Code != http.StatusForbidden {
		t.Errorf("phlebotomist assigning: expected 403, got %d", rec.Code)
	}
	rec = serve(e, http.MethodPost, "/api/v1/dispatch/sweep", "", "ops-1", auth.RoleOps)
	if rec.Code != http.StatusForbidden {
		t.Errorf("ops running sweep: expected 403, got %d", rec.Code)
	}
	rec = serve(e, http.MethodPost, "/api/v1/bookings/"+b.ID+"/assign", `{"agent_id":"phl-1"}`, "ops-1", auth.RoleOps)
	if rec.Code != http.StatusOK {
		t.Fatalf("ops assigning: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = serve(e, http.MethodPost, "/api/v1/bookings/"+b.ID+"/assign", `{"agent_id":"phl-1"}`, "ops-1", auth.RoleOps)
	if rec.Code != http.StatusConflict || errorCode(t, rec) != KindBookingNotAssignable {
		t.Errorf("double assign: expected 409 %s, got %d %s", KindBookingNotAssignable, rec.Code, rec.Body.String())
	}
	rec = serve(e, http.MethodPost, "/api/v1/dispatch/sweep", "", "root", auth.RoleAdmin)
	if rec.Code != http.StatusOK {
		t.Errorf("admin sweep: expected 200, got %d", rec.Code)
	}
}

func TestRoutes_FieldFlow(t *testing.T) {
	e, f := newRouter(t)
	f.agent(t, "phl-1", 1)
	f.agent(t, "phl-2", 1)
	b := f.booking(t, CollectionHome)
	if _, err := f.svc.AssignManual(context.Background(), b.ID, "phl-1", "ops"); err != nil {
		t.Fatal(err)
	}
	path := "/api/v1/bookings/" + b.ID

	if rec := serve(e, http.MethodGet, path, "", "phl-2", auth.RolePhlebotomist); rec.Code != http.StatusForbidden {
		t.Errorf("other phlebotomist reading: expected 403, got %d", rec.Code)
	}
	if rec := serve(e, http.MethodGet, path, "", "phl-1", auth.RolePhlebotomist); rec.Code != http.StatusOK {
		t.Errorf("assigned phlebotomist reading: expected 200, got %d", rec.Code)
	}

	collect := `{"status":"sample_collected","notes":"2 vials"}`
	rec := serve(e, http.MethodPatch, path+"/status", collect, "phl-2", auth.RolePhlebotomist)
	if rec.Code != http.StatusForbidden || errorCode(t, rec) != KindNotAssignedAgent {
		t.Errorf("other phlebotomist collecting: expected 403, got %d %s", rec.Code, rec.Body.String())
	}
	rec = serve(e, http.MethodPatch, path+"/status", collect, "phl-1", auth.RolePhlebotomist)
	if rec.Code != http.StatusOK {
		t.Fatalf("collect: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if f.count(t, "phl-1") != 0 {
		t.Error("expected capacity returned on collection")
	}

	rec = serve(e, http.MethodPatch, path+"/status", `{"status":"completed"}`, "phl-1", auth.RolePhlebotomist)
	if rec.Code != http.StatusConflict || errorCode(t, rec) != KindIllegalTransition {
		t.Errorf("skipping ahead: expected 409 %s, got %d", KindIllegalTransition, rec.Code)
	}
	rec = serve(e, http.MethodPatch, path+"/status", `{"status":"in_transit","agent_id":"phl-1"}`, "ops-1", auth.RoleOps)
	if rec.Code != http.StatusOK {
		t.Errorf("staff on behalf of agent: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRoutes_SelfOrStaff(t *testing.T) {
	e, f := newRouter(t)
	f.agent(t, "phl-1", 2)
	f.agent(t, "phl-2", 2)

	rec := serve(e, http.MethodPut, "/api/v1/phlebotomists/phl-1/availability", `{"status":"on_break"}`, "phl-2", auth.RolePhlebotomist)
	if rec.Code != http.StatusForbidden {
		t.Errorf("editing another agent: expected 403, got %d", rec.Code)
	}
	rec = serve(e, http.MethodPut, "/api/v1/phlebotomists/phl-1/availability", `{"status":"on_break","latitude":12.9}`, "phl-1", auth.RolePhlebotomist)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("half a location: expected 400, got %d", rec.Code)
	}
	rec = serve(e, http.MethodPut, "/api/v1/phlebotomists/phl-1/availability", `{"status":"on_break","latitude":12.9,"longitude":77.6}`, "phl-1", auth.RolePhlebotomist)
	if rec.Code != http.StatusOK {
		t.Fatalf("own availability: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var a Agent
	if err := json.Unmarshal(rec.Body.Bytes(), &a); err != nil {
		t.Fatal(err)
	}
	if a.AvailabilityStatus != AvailabilityOnBreak || a.LastLocation == nil {
		t.Errorf("unexpected agent %+v", a)
	}

	if rec := serve(e, http.MethodGet, "/api/v1/phlebotomists/phl-2/bookings", "", "phl-1", auth.RolePhlebotomist); rec.Code != http.StatusForbidden {
		t.Errorf("listing another agent's bookings: expected 403, got %d", rec.Code)
	}
	if rec := serve(e, http.MethodGet, "/api/v1/phlebotomists/phl-2/bookings", "", "ops-1", auth.RoleOps); rec.Code != http.StatusOK {
		t.Errorf("staff listing bookings: expected 200, got %d", rec.Code)
	}
	if rec := serve(e, http.MethodGet, "/api/v1/phlebotomists/ghost", "", "ops-1", auth.RoleOps); rec.Code != http.StatusNotFound {
		t.Errorf("unknown agent: expected 404, got %d", rec.Code)
	}
}

func TestRoutes_ListPhlebotomists(t *testing.T) {
	e, f := newRouter(t)
	f.agent(t, "phl-a", 1)
	f.agent(t, "phl-b", 1)
	f.agent(t, "phl-c", 1)
	f.loadAgent(t, "phl-a", 1)

	rec := serve(e, http.MethodGet, "/api/v1/phlebotomists?eligible=true&limit=1", "", "ops-1", auth.RoleOps)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var page struct {
		Data    []Agent `json:"data"`
		Total   int     `json:"total"`
		HasMore bool    `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if page.Total != 2 || len(page.Data) != 1 || page.Data[0].ID != "phl-b" || !page.HasMore {
		t.Errorf("unexpected page %+v", page)
	}
}

func TestRoutes_CancelAndRelease(t *testing.T) {
	e, f := newRouter(t)
	f.agent(t, "phl-1", 1)
	b := f.booking(t, CollectionHome)
	if _, err := f.svc.AssignManual(context.Background(), b.ID, "phl-1", "ops"); err != nil {
		t.Fatal(err)
	}

	rec := serve(e, http.MethodPost, "/api/v1/bookings/"+b.ID+"/cancel", `{"reason":"customer away"}`, "ops-1", auth.RoleOps)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if f.count(t, "phl-1") != 0 {
		t.Error("expected capacity returned on cancel")
	}
	rec = serve(e, http.MethodPost, "/api/v1/bookings/"+b.ID+"/release", "", "root", auth.RoleAdmin)
	if rec.Code != http.StatusOK {
		t.Errorf("repeat release: expected 200, got %d", rec.Code)
	}
	if f.count(t, "phl-1") != 0 {
		t.Error("repeat release must not drive the counter negative")
	}

	rec = serve(e, http.MethodGet, "/api/v1/bookings/"+b.ID+"/history", "", "ops-1", auth.RoleOps)
	var hist struct {
		Data []StatusHistoryEntry `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &hist); err != nil {
		t.Fatal(err)
	}
	if len(hist.Data) != 2 || hist.Data[1].ToStatus != StatusCancelled {
		t.Errorf("unexpected history %+v", hist.Data)
	}
}

func TestRoutes_UpsertPhlebotomist(t *testing.T) {
	e, f := newRouter(t)
	rec := serve(e, http.MethodPut, "/api/v1/phlebotomists/phl-9", `{"name":"Ravi","max_bookings_per_day":4}`, "root", auth.RoleAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	a, err := f.agents.GetAgent(context.Background(), "phl-9")
	if err != nil {
		t.Fatal(err)
	}
	if a.Name != "Ravi" || a.MaxBookingsPerDay != 4 {
		t.Errorf("unexpected agent %+v", a)
	}
	if rec := serve(e, http.MethodPut, "/api/v1/phlebotomists/phl-9", `{"name":"x"}`, "ops-1", auth.RoleOps); rec.Code != http.StatusForbidden {
		t.Errorf("ops upserting: expected 403, got %d", rec.Code)
	}
}
