package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	m := NewManager("test-secret", time.Hour)
	token, err := m.Issue(Principal{
		UserID:     "u1",
		Department: "legal",
		Groups:     []string{"g1", "g2"},
		Role:       RoleUser,
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	p, err := m.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.UserID != "u1" || p.Department != "legal" || p.Role != RoleUser {
		t.Errorf("principal = %+v", p)
	}
	if len(p.Groups) != 2 {
		t.Errorf("groups = %v", p.Groups)
	}
	if p.Admin() {
		t.Error("user role must not be admin")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewManager("secret-a", time.Hour).Issue(Principal{UserID: "u1", Role: RoleUser})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := NewManager("secret-b", time.Hour).Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("error = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	m := &Manager{secret: []byte("s"), expiry: -time.Hour}
	token, err := m.Issue(Principal{UserID: "u1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := m.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("error = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	m := NewManager("s", time.Hour)
	if _, err := m.Verify("not.a.token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("error = %v, want ErrInvalidToken", err)
	}
}

func TestMiddlewareDisabledGrantsAdmin(t *testing.T) {
	m := NewManager("s", time.Hour)
	var seen *Principal
	h := m.Middleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if seen == nil || !seen.Admin() {
		t.Errorf("principal = %+v, want anonymous admin", seen)
	}
}

func TestMiddlewareRequiresBearer(t *testing.T) {
	m := NewManager("s", time.Hour)
	h := m.Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run without a token")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestMiddlewarePassesValidToken(t *testing.T) {
	m := NewManager("s", time.Hour)
	token, err := m.Issue(Principal{UserID: "u1", Role: RoleUser})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	var seen *Principal
	h := m.Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if seen == nil || seen.UserID != "u1" {
		t.Errorf("principal = %+v", seen)
	}
}
