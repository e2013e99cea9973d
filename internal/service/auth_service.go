package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"iptracker/internal/models"
	"iptracker/internal/repository"

	zlog "github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

const passwordCost = 12

var ErrInvalidToken = errors.New("invalid API token")

type AdminStore interface {
	GetAdmin(ctx context.Context, username string) (*models.AdminAccount, error)
	CreateAdmin(ctx context.Context, admin models.AdminAccount) error
	CreateAPIToken(ctx context.Context, token models.APIToken) error
	GetAPITokenByHash(ctx context.Context, hash string) (*models.APIToken, error)
	UpdateTokenLastUsed(ctx context.Context, id int) error
}

type AuthService struct {
	store     AdminStore
	dummyHash []byte
}

func NewAuthService(store AdminStore) *AuthService {
	// Compared against when the user does not exist so both paths cost one bcrypt.
	dummy, _ := bcrypt.GenerateFromPassword([]byte("iptracker-dummy"), bcrypt.MinCost)
	return &AuthService{store: store, dummyHash: dummy}
}

// CheckAuth returns the account when username and password match.
func (s *AuthService) CheckAuth(ctx context.Context, username, password string) (*models.AdminAccount, bool) {
	if s.store == nil || username == "" {
		return nil, false
	}
	admin, err := s.store.GetAdmin(ctx, username)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			zlog.Error().Err(err).Str("username", username).Msg("Admin lookup failed")
		}
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return nil, false
	}
	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)); err != nil {
		return nil, false
	}
	return admin, true
}

func (s *AuthService) HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), passwordCost)
	return string(bytes), err
}

func (s *AuthService) CreateAdmin(ctx context.Context, username, password, role string) (*models.AdminAccount, error) {
	if s.store == nil {
		return nil, nil
	}
	if username == "" || password == "" {
		return nil, fmt.Errorf("username and password are required")
	}
	hash, err := s.HashPassword(password)
	if err != nil {
		return nil, err
	}
	if role == "" {
		role = "viewer"
	}
	admin := models.AdminAccount{Username: username, PasswordHash: hash, Role: role}
	if err := s.store.CreateAdmin(ctx, admin); err != nil {
		return nil, err
	}
	return &admin, nil
}

// EnsureAdmin seeds the initial admin account when it does not exist yet.
func (s *AuthService) EnsureAdmin(ctx context.Context, username, password string) error {
	if s.store == nil || username == "" {
		return nil
	}
	_, err := s.store.GetAdmin(ctx, username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	zlog.Info().Str("username", username).Msg("Seeding initial admin user")
	_, err = s.CreateAdmin(ctx, username, password, "admin")
	return err
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CreateToken issues a bearer token for username. Only its hash is stored;
// the raw value is returned once.
func (s *AuthService) CreateToken(ctx context.Context, username, name string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	raw := hex.EncodeToString(buf)
	if err := s.store.CreateAPIToken(ctx, models.APIToken{
		TokenHash: hashToken(raw),
		Name:      name,
		Username:  username,
	}); err != nil {
		return "", err
	}
	return raw, nil
}

// AuthenticateToken resolves a raw bearer token to its owner.
func (s *AuthService) AuthenticateToken(ctx context.Context, raw string) (*models.AdminAccount, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || s.store == nil {
		return nil, ErrInvalidToken
	}
	token, err := s.store.GetAPITokenByHash(ctx, hashToken(raw))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if err := s.store.UpdateTokenLastUsed(ctx, token.ID); err != nil {
		zlog.Warn().Err(err).Int("token_id", token.ID).Msg("Failed to update token last_used")
	}
	admin, err := s.store.GetAdmin(ctx, token.Username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	return admin, nil
}
