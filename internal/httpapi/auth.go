package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"rekonkas/backend/internal/domain"
	"rekonkas/backend/internal/session"
	"rekonkas/backend/internal/store"
	"rekonkas/backend/internal/xid"
)

// AuthManager checks admin credentials against the repository and keeps the
// resulting opaque bearer tokens in an injected session store. Tokens carry no
// information themselves; revoking one is a plain delete.
type AuthManager struct {
	repo     AdminStore
	sessions session.Store
	tokenTTL time.Duration
}

type AdminStore interface {
	GetAdminByUsername(ctx context.Context, username string) (*domain.Admin, error)
}

func NewAuthManager(repo AdminStore, sessions session.Store, tokenTTL time.Duration) *AuthManager {
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	return &AuthManager{
		repo:     repo,
		sessions: sessions,
		tokenTTL: tokenTTL,
	}
}

// Login verifies the credential and mints a session. Credential failures come
// back wrapping store.ErrUnauthorized; anything else is a repository or
// session-store failure the handler must not present as a 401.
func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if username == "" || strings.TrimSpace(req.Password) == "" {
		return domain.LoginResponse{}, fmt.Errorf("%w: invalid credentials", store.ErrUnauthorized)
	}

	admin, err := a.repo.GetAdminByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.LoginResponse{}, fmt.Errorf("%w: invalid credentials", store.ErrUnauthorized)
		}
		return domain.LoginResponse{}, err
	}

	if bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(req.Password)) != nil {
		return domain.LoginResponse{}, fmt.Errorf("%w: invalid credentials", store.ErrUnauthorized)
	}

	token := xid.New("sess")
	principal := domain.Principal{
		AdminID:  admin.ID,
		Username: admin.Username,
		Name:     admin.Name,
	}
	if err := a.sessions.Set(ctx, token, principal, a.tokenTTL); err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		Success: true,
		Token:   token,
		User: domain.AdminProfile{
			Name:     admin.Name,
			Username: admin.Username,
		},
	}, nil
}

// Authorize resolves a bearer token to its principal. A missing or expired
// session yields an error; the session store never returns stale entries.
func (a *AuthManager) Authorize(ctx context.Context, token string) (domain.Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Principal{}, fmt.Errorf("%w: missing bearer token", store.ErrUnauthorized)
	}
	principal, ok, err := a.sessions.Get(ctx, token)
	if err != nil {
		return domain.Principal{}, err
	}
	if !ok {
		return domain.Principal{}, fmt.Errorf("%w: invalid or expired session", store.ErrUnauthorized)
	}
	return *principal, nil
}

func (a *AuthManager) Logout(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	return a.sessions.Delete(ctx, token)
}
