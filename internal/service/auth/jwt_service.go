// Package auth issues and validates the bearer tokens that guard the HTTP
// API. Operators manage jobs; workers report results and heartbeats.
package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Role distinguishes what a principal may do.
type Role string

// Known roles.
const (
	RoleOperator Role = "operator"
	RoleWorker   Role = "worker"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleOperator || r == RoleWorker
}

// JWTService defines operations for managing JWT authentication tokens.
type JWTService interface {
	// GenerateToken creates a signed JWT for the principal.
	// Returns ErrInvalidRole for an unknown role.
	GenerateToken(ctx context.Context, principalID uuid.UUID, role Role) (string, error)

	// ValidateToken validates the provided token string and extracts the claims.
	// Returns ErrExpiredToken, ErrTokenNotYetValid or ErrInvalidToken on failure.
	ValidateToken(ctx context.Context, tokenString string) (*Claims, error)
}

// Claims represents the validated contents of a token.
type Claims struct {
	// PrincipalID identifies the operator or worker the token was issued for.
	PrincipalID uuid.UUID `json:"pid,omitempty"`

	// Role is what the principal is allowed to do.
	Role Role `json:"role,omitempty"`

	Subject   string    `json:"sub,omitempty"`
	IssuedAt  time.Time `json:"iat,omitempty"`
	ExpiresAt time.Time `json:"exp,omitempty"`
	ID        string    `json:"jti,omitempty"`
}
