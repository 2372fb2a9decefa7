package httpapi

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"rekonkas/backend/internal/domain"
	"rekonkas/backend/internal/session"
	"rekonkas/backend/internal/store"
)

type stubAdminStore struct {
	admin *domain.Admin
}

func (s *stubAdminStore) GetAdminByUsername(_ context.Context, username string) (*domain.Admin, error) {
	if s.admin != nil && s.admin.Username == username {
		admin := *s.admin
		return &admin, nil
	}
	return nil, store.ErrNotFound
}

func newTestAuthManager(t *testing.T, ttl time.Duration) *AuthManager {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret-pass"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	repo := &stubAdminStore{admin: &domain.Admin{
		ID:           1,
		Username:     "admin",
		PasswordHash: string(hash),
		Name:         "Administrator",
	}}
	return NewAuthManager(repo, session.NewMemoryStore(), ttl)
}

func TestLoginIssuesUsableToken(t *testing.T) {
	auth := newTestAuthManager(t, time.Hour)

	resp, err := auth.Login(context.Background(), domain.LoginRequest{Username: "Admin ", Password: "s3cret-pass"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if !resp.Success || resp.Token == "" {
		t.Fatalf("expected success with token, got %+v", resp)
	}
	if resp.User.Username != "admin" || resp.User.Name != "Administrator" {
		t.Fatalf("unexpected profile: %+v", resp.User)
	}

	principal, err := auth.Authorize(context.Background(), resp.Token)
	if err != nil {
		t.Fatalf("authorize failed: %v", err)
	}
	if principal.AdminID != 1 || principal.Username != "admin" {
		t.Fatalf("unexpected principal: %+v", principal)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	auth := newTestAuthManager(t, time.Hour)

	if _, err := auth.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "nope"}); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for wrong password, got %v", err)
	}
	if _, err := auth.Login(context.Background(), domain.LoginRequest{Username: "ghost", Password: "s3cret-pass"}); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for unknown user, got %v", err)
	}
	if _, err := auth.Login(context.Background(), domain.LoginRequest{}); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for empty credentials, got %v", err)
	}
}

func TestAuthorizeRejectsExpiredSession(t *testing.T) {
	auth := newTestAuthManager(t, time.Millisecond)

	resp, err := auth.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "s3cret-pass"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if _, err := auth.Authorize(context.Background(), resp.Token); err == nil {
		t.Fatalf("expected expired session to be rejected")
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	auth := newTestAuthManager(t, time.Hour)

	resp, err := auth.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "s3cret-pass"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if err := auth.Logout(context.Background(), resp.Token); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if _, err := auth.Authorize(context.Background(), resp.Token); err == nil {
		t.Fatalf("expected revoked token to be rejected")
	}
}

func TestAuthorizeRejectsUnknownToken(t *testing.T) {
	auth := newTestAuthManager(t, time.Hour)

	if _, err := auth.Authorize(context.Background(), "sess_bogus"); err == nil {
		t.Fatalf("expected unknown token to be rejected")
	}
	if _, err := auth.Authorize(context.Background(), ""); err == nil {
		t.Fatalf("expected empty token to be rejected")
	}
}
