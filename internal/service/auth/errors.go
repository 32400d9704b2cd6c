package auth

import "errors"

var (
	ErrInvalidToken     = errors.New("invalid authentication token")
	ErrExpiredToken     = errors.New("authentication token has expired")
	ErrTokenNotYetValid = errors.New("authentication token not yet valid")
	ErrMissingToken     = errors.New("authentication token is missing")
	// ErrInvalidRole is returned for tokens requested or presented with a
	// role other than operator or worker.
	ErrInvalidRole = errors.New("unknown principal role")
)
