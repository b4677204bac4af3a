package spotify

import (
	"context"
	"fmt"
)

// TokenSource yields a user's current Spotify access token.
type TokenSource interface {
	AccessToken(ctx context.Context, userID string) (string, error)
}

// Player drives one host's Spotify playback. It satisfies playback.Provider.
type Player struct {
	client   *Client
	tokens   TokenSource
	userID   string
	deviceID string
}

func NewPlayer(client *Client, tokens TokenSource, userID, deviceID string) *Player {
	return &Player{client: client, tokens: tokens, userID: userID, deviceID: deviceID}
}

func (p *Player) token(ctx context.Context) (string, error) {
	token, err := p.tokens.AccessToken(ctx, p.userID)
	if err != nil {
		return "", fmt.Errorf("failed to get spotify token: %w", err)
	}
	return token, nil
}

func (p *Player) Play(ctx context.Context, trackURI string) error {
	if trackURI == "" {
		return nil
	}
	token, err := p.token(ctx)
	if err != nil {
		return err
	}
	return p.client.PlayTrack(ctx, token, p.deviceID, trackURI)
}

func (p *Player) Pause(ctx context.Context) error {
	token, err := p.token(ctx)
	if err != nil {
		return err
	}
	return p.client.Pause(ctx, token, p.deviceID)
}

func (p *Player) Resume(ctx context.Context) error {
	token, err := p.token(ctx)
	if err != nil {
		return err
	}
	return p.client.Resume(ctx, token, p.deviceID)
}

func (p *Player) Previous(ctx context.Context) error {
	token, err := p.token(ctx)
	if err != nil {
		return err
	}
	return p.client.Previous(ctx, token, p.deviceID)
}
