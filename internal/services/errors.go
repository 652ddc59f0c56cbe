package services

import "errors"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionNotFound    = errors.New("refresh session not found")
	ErrChallengeNotFound  = errors.New("challenge missing or expired")
	ErrCredentialNotFound = errors.New("credential not found")
	ErrNoCredentials      = errors.New("no registered credentials")
	ErrReplayDetected     = errors.New("signature counter regression")
)
