package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voting-queue-system/pkg/apperr"
)

const (
	tokenKey   = "token:%s"
	sessionKey = "session:%s"
)

// TokenInfo holds a host's Spotify credentials.
type TokenInfo struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (t *TokenInfo) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// Identity is what the session store remembers about a signed-in viewer.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Guest       bool   `json:"guest"`
}

// TokenStore keeps Spotify tokens per host and the validity of issued
// identity tokens. Deleting a session revokes the identity token that
// carries it.
type TokenStore struct {
	client redis.Cmdable
}

func NewTokenStore(client redis.Cmdable) *TokenStore {
	return &TokenStore{client: client}
}

// StoreTokens stores the user's Spotify tokens without expiry; the refresh
// token outlives the access token.
func (s *TokenStore) StoreTokens(ctx context.Context, userID string, token *TokenInfo) error {
	tokenJSON, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := s.client.Set(ctx, fmt.Sprintf(tokenKey, userID), tokenJSON, 0).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", unavailable(err))
	}
	return nil
}

func (s *TokenStore) GetTokens(ctx context.Context, userID string) (*TokenInfo, error) {
	tokenJSON, err := s.client.Get(ctx, fmt.Sprintf(tokenKey, userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("token for %s: %w", userID, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get token: %w", unavailable(err))
	}

	var token TokenInfo
	if err := json.Unmarshal(tokenJSON, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &token, nil
}

// AccessToken returns the user's current Spotify access token.
func (s *TokenStore) AccessToken(ctx context.Context, userID string) (string, error) {
	token, err := s.GetTokens(ctx, userID)
	if err != nil {
		return "", err
	}
	if token.Expired(time.Now()) {
		return "", fmt.Errorf("spotify token for %s expired: %w", userID, apperr.ErrForbidden)
	}
	return token.AccessToken, nil
}

func (s *TokenStore) DeleteToken(ctx context.Context, userID string) error {
	return s.client.Del(ctx, fmt.Sprintf(tokenKey, userID)).Err()
}

// RefreshToken updates the access token and its expiry.
func (s *TokenStore) RefreshToken(ctx context.Context, userID string, newAccessToken string, newExpiresAt time.Time) error {
	token, err := s.GetTokens(ctx, userID)
	if err != nil {
		return err
	}

	token.AccessToken = newAccessToken
	token.ExpiresAt = newExpiresAt
	return s.StoreTokens(ctx, userID, token)
}

// StartSession records an issued identity token by its id for ttl.
func (s *TokenStore) StartSession(ctx context.Context, tokenID string, id Identity, ttl time.Duration) error {
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.client.Set(ctx, fmt.Sprintf(sessionKey, tokenID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", unavailable(err))
	}
	return nil
}

// Session returns the identity recorded for tokenID, or ErrNotFound once it
// expired or was ended.
func (s *TokenStore) Session(ctx context.Context, tokenID string) (*Identity, error) {
	data, err := s.client.Get(ctx, fmt.Sprintf(sessionKey, tokenID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("session %s: %w", tokenID, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get session: %w", unavailable(err))
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &id, nil
}

func (s *TokenStore) EndSession(ctx context.Context, tokenID string) error {
	return s.client.Del(ctx, fmt.Sprintf(sessionKey, tokenID)).Err()
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", apperr.ErrUnavailable, err)
}
