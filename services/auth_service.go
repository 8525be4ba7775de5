package services

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"go-where/identity"
	"go-where/models"
	"go-where/utils/errors"
)

const minPasswordLength = 8

var ErrInvalidEmail = errors.NewAPIError("INVALID_EMAIL", "A valid email is required", http.StatusBadRequest)

var ErrInvalidCredentials = errors.NewAPIError("INVALID_CREDENTIALS", "Invalid email or password", http.StatusUnauthorized)

// Register creates a new user with an empty friend set. The user key is
// the normalized email.
func (s *UserService) Register(ctx context.Context, email, displayName, password string) (*models.User, error) {
	key := identity.NormalizeKey(email)
	local, domain, ok := strings.Cut(key, "@")
	if !ok || local == "" || domain == "" {
		return nil, ErrInvalidEmail
	}
	if len(password) < minPasswordLength {
		return nil, errors.NewAPIError("WEAK_PASSWORD", "Password must be at least 8 characters", http.StatusBadRequest)
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = local
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, errors.Wrap(err, "HASH_ERROR", "failed to hash password", http.StatusInternalServerError)
	}

	user := &models.User{
		Key:          key,
		Email:        key,
		DisplayName:  displayName,
		PasswordHash: string(passwordHash),
		Friends:      []string{},
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Login authenticates a user and returns a JWT
func (s *UserService) Login(ctx context.Context, email, password string) (string, error) {
	user, err := s.store.User(ctx, identity.NormalizeKey(email))
	if err != nil {
		if errors.Is(err, errors.ErrUserNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	return IssueToken(s.jwtSecret, user.Key, s.jwtTTL)
}

// IssueToken signs an HS256 token carrying the user key.
func IssueToken(secret, userKey string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userKey": userKey,
		"exp":     time.Now().Add(ttl).Unix(),
	})
	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", errors.Wrap(err, "JWT_ERROR", "Failed to generate token", http.StatusInternalServerError)
	}
	return tokenString, nil
}
