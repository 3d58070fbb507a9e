package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func serve(user *AppUser, auth *Auth, header string, mw ...echo.MiddlewareFunc) (*httptest.ResponseRecorder, *AppContext) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set(echo.HeaderAuthorization, header)
	}
	rec := httptest.NewRecorder()
	cc := &AppContext{Context: e.NewContext(req, rec), Auth: auth, User: user}

	h := func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	if err := h(cc); err != nil {
		e.HTTPErrorHandler(err, cc)
	}
	return rec, cc
}

func TestRequirePermission(t *testing.T) {
	reviewer := &AppUser{UserID: "u1", Role: "user", Permissions: []string{PermStagingView, PermStagingReview}}

	tests := []struct {
		name   string
		user   *AppUser
		mw     echo.MiddlewareFunc
		status int
	}{
		{"granted", reviewer, RequirePermission(PermStagingReview), http.StatusNoContent},
		{"missing", reviewer, RequirePermission(PermGraphAdmin), http.StatusForbidden},
		{"any granted", reviewer, RequireAnyPermission(PermGraphAdmin, PermStagingView), http.StatusNoContent},
		{"any missing", reviewer, RequireAnyPermission(PermGraphAdmin, PermIngestCreate), http.StatusForbidden},
		{"no user", nil, RequirePermission(PermStagingView), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := serve(tt.user, nil, "", tt.mw)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
		})
	}
}

func TestIsAdmin(t *testing.T) {
	if IsAdmin(nil) || IsAdmin(&AppUser{Role: "user"}) || !IsAdmin(&AppUser{Role: "admin"}) {
		t.Fatalf("unexpected admin detection")
	}
	if HasPermission(nil, PermStagingView) {
		t.Fatalf("expected no permissions without a user")
	}
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		auth   *Auth
		header string
		status int
		userID string
	}{
		{"disabled", &Auth{Disabled: true}, "", http.StatusNoContent, anonymousUserID},
		{"no auth configured", nil, "", http.StatusNoContent, anonymousUserID},
		{"master key", &Auth{MasterAPIKey: "secret"}, "Bearer secret", http.StatusNoContent, masterUserID},
		{"missing header", &Auth{MasterAPIKey: "secret"}, "", http.StatusUnauthorized, ""},
		{"wrong key without jwks", &Auth{MasterAPIKey: "secret"}, "Bearer other", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, cc := serve(nil, tt.auth, tt.header, AuthMiddleware)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			if tt.userID == "" {
				if cc.User != nil {
					t.Fatalf("expected no user, got %+v", cc.User)
				}
				return
			}
			if cc.User == nil || cc.User.UserID != tt.userID || !IsAdmin(cc.User) {
				t.Fatalf("expected admin %s, got %+v", tt.userID, cc.User)
			}
			if !HasPermission(cc.User, PermGraphAdmin) {
				t.Fatalf("expected every permission, got %v", cc.User.Permissions)
			}
		})
	}
}
