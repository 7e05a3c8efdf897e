package auth

import "errors"

// Authentication errors
var (
	// ErrUnauthenticated indicates no usable credentials were presented.
	ErrUnauthenticated = errors.New("authentication required")

	// ErrInvalidToken indicates the token format is invalid or signature doesn't match
	ErrInvalidToken = errors.New("invalid authentication token")

	// ErrExpiredToken indicates the token has expired
	ErrExpiredToken = errors.New("authentication token has expired")
)
