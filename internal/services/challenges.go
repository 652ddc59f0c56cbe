package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/redis/go-redis/v9"
)

const (
	RegistrationChallengeTTL   = 5 * time.Minute
	AuthenticationChallengeTTL = time.Minute
)

// ChallengeStore keeps in-flight WebAuthn ceremony state in redis. Entries
// are single-use: Consume* removes the entry whether or not the subsequent
// verification succeeds, and the TTL bounds how long a ceremony may stay
// open. Keeping this out of process memory means a restart or a second
// instance does not strand ceremonies.
type ChallengeStore struct {
	rdb *redis.Client
}

func NewChallengeStore(rdb *redis.Client) *ChallengeStore {
	return &ChallengeStore{rdb: rdb}
}

func regKey(staffID uint) string {
	return fmt.Sprintf("webauthn:reg:%d", staffID)
}

func authKey(username string) string {
	return "webauthn:auth_" + username
}

func (s *ChallengeStore) SaveRegistration(ctx context.Context, staffID uint, sd *webauthn.SessionData) error {
	return s.save(ctx, regKey(staffID), sd, RegistrationChallengeTTL)
}

func (s *ChallengeStore) ConsumeRegistration(ctx context.Context, staffID uint) (*webauthn.SessionData, error) {
	return s.consume(ctx, regKey(staffID))
}

func (s *ChallengeStore) SaveAuthentication(ctx context.Context, username string, sd *webauthn.SessionData) error {
	return s.save(ctx, authKey(username), sd, AuthenticationChallengeTTL)
}

func (s *ChallengeStore) ConsumeAuthentication(ctx context.Context, username string) (*webauthn.SessionData, error) {
	return s.consume(ctx, authKey(username))
}

func (s *ChallengeStore) save(ctx context.Context, key string, sd *webauthn.SessionData, ttl time.Duration) error {
	payload, err := json.Marshal(sd)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, payload, ttl).Err()
}

func (s *ChallengeStore) consume(ctx context.Context, key string) (*webauthn.SessionData, error) {
	payload, err := s.rdb.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, err
	}
	var sd webauthn.SessionData
	if err := json.Unmarshal(payload, &sd); err != nil {
		return nil, err
	}
	return &sd, nil
}
