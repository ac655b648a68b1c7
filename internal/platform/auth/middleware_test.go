package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type stubVerifier struct {
	token *firebaseauth.Token
	err   error
}

func (s *stubVerifier) VerifyIDToken(context.Context, string) (*firebaseauth.Token, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

func TestRequireRolesBuildsActor(t *testing.T) {
	verifier := &stubVerifier{token: &firebaseauth.Token{
		UID: "user-1",
		Claims: map[string]interface{}{
			"email": "editor@example.com",
			"role":  "Editor",
		},
	}}

	var captured Actor
	handler := NewAuthenticator(verifier).RequireRoles(RoleAdmin, RoleEditor)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if captured.ID != "user-1" || captured.Email != "editor@example.com" {
		t.Errorf("unexpected actor: %+v", captured)
	}
	if !captured.HasRole(RoleEditor) {
		t.Errorf("expected editor role, got %v", captured.Roles)
	}
	if captured.PrimaryRole() != RoleEditor {
		t.Errorf("unexpected primary role %q", captured.PrimaryRole())
	}
}

func TestRequireRolesRejectsMissingHeader(t *testing.T) {
	handler := NewAuthenticator(&stubVerifier{}).RequireRoles(RoleAdmin)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestRequireRolesRejectsInsufficientRole(t *testing.T) {
	verifier := &stubVerifier{token: &firebaseauth.Token{
		UID:    "user-2",
		Claims: map[string]interface{}{"role": "viewer"},
	}}

	handler := NewAuthenticator(verifier).RequireRoles(RoleAdmin)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestRequireRolesRejectsVerificationFailure(t *testing.T) {
	handler := NewAuthenticator(&stubVerifier{err: errors.New("boom")}).RequireRoles()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestRequireRolesFallbackRole(t *testing.T) {
	verifier := &stubVerifier{token: &firebaseauth.Token{UID: "user-3", Claims: map[string]interface{}{}}}

	var captured Actor
	handler := NewAuthenticator(verifier, WithFallbackRole(RoleViewer)).RequireRoles()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = ActorFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer token")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !captured.HasRole(RoleViewer) {
		t.Errorf("expected fallback viewer role, got %v", captured.Roles)
	}
}

func TestRolesFromClaimsShapes(t *testing.T) {
	cases := []struct {
		name   string
		claims map[string]interface{}
		want   []string
	}{
		{"string", map[string]interface{}{"role": "Admin"}, []string{"admin"}},
		{"slice", map[string]interface{}{"role": []interface{}{"admin", "editor", "admin"}}, []string{"admin", "editor"}},
		{"bool map", map[string]interface{}{"role": map[string]interface{}{"editor": true, "viewer": false}}, []string{"editor"}},
		{"absent", map[string]interface{}{}, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := rolesFromClaims(tc.claims, "role")
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Errorf("expected %v, got %v", tc.want, got)
				}
			}
		})
	}
}
