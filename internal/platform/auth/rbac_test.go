package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHasRole(t *testing.T) {
	tests := []struct {
		roles []string
		role  string
		want  bool
	}{
		{[]string{RoleOps}, RoleOps, true},
		{[]string{RolePhlebotomist}, RoleOps, false},
		{[]string{RoleAdmin}, RolePhlebotomist, true},
		{nil, RoleOps, false},
	}
	for _, tt := range tests {
		if got := HasRole(tt.roles, tt.role); got != tt.want {
			t.Errorf("HasRole(%v, %q) = %v, want %v", tt.roles, tt.role, got, tt.want)
		}
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name    string
		roles   []string
		allowed bool
	}{
		{"ops allowed", []string{RoleOps}, true},
		{"admin bypass", []string{RoleAdmin}, true},
		{"phlebotomist denied", []string{RolePhlebotomist}, false},
		{"anonymous denied", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req = req.WithContext(WithIdentity(req.Context(), "u1", tt.roles...))
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := RequireRole(RoleOps)(func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			})(c)
			if tt.allowed {
				if err != nil {
					t.Fatalf("expected access, got %v", err)
				}
				return
			}
			httpErr, ok := err.(*echo.HTTPError)
			if !ok {
				t.Fatalf("expected echo.HTTPError, got %T", err)
			}
			if httpErr.Code != http.StatusForbidden {
				t.Errorf("expected 403, got %d", httpErr.Code)
			}
		})
	}
}
