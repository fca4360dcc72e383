package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// AuthorizationKey is the metadata key carrying the bearer token.
const AuthorizationKey = "authorization"

// Authentication errors
var (
	ErrAuthRequired      = errors.New("authentication required")
	ErrAuthTokenMismatch = errors.New("auth token mismatch")
)

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// Enabled determines if authentication is required
	Enabled bool
	// Token is the secret token that clients must provide
	Token string
}

// Authenticator checks the bearer token of control requests.
type Authenticator struct {
	config AuthConfig
	mu     sync.RWMutex
}

// NewAuthenticator creates a new Authenticator with the given config.
func NewAuthenticator(config AuthConfig) *Authenticator {
	return &Authenticator{
		config: config,
	}
}

// IsEnabled returns true if authentication is enabled.
func (a *Authenticator) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config.Enabled
}

// ValidateToken checks if the provided token matches the configured token.
// Uses constant-time comparison to prevent timing attacks.
func (a *Authenticator) ValidateToken(providedToken string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.config.Enabled {
		return nil
	}
	if providedToken == "" {
		return ErrAuthRequired
	}
	if subtle.ConstantTimeCompare([]byte(a.config.Token), []byte(providedToken)) != 1 {
		return ErrAuthTokenMismatch
	}
	return nil
}

// tokenFromContext extracts the bearer token from incoming metadata.
func tokenFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(AuthorizationKey)
	if len(values) == 0 {
		return ""
	}
	token := strings.TrimSpace(values[0])
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return token
}

// UnaryInterceptor rejects requests without a valid token.
func (a *Authenticator) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := a.ValidateToken(tokenFromContext(ctx)); err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(ctx, req)
	}
}
