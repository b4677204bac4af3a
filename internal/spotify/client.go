package spotify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/voting-queue-system/pkg/apperr"
)

const (
	DefaultAccountsURL = "https://accounts.spotify.com"
	DefaultAPIURL      = "https://api.spotify.com/v1"

	scopes = "user-read-private user-read-email user-top-read streaming user-read-playback-state user-modify-playback-state"
)

type Client struct {
	clientID     string
	clientSecret string
	redirectURI  string
	accountsURL  string
	apiURL       string
	httpClient   *http.Client
}

type Option func(*Client)

// WithBaseURLs points the client at other accounts and API hosts.
func WithBaseURLs(accounts, api string) Option {
	return func(c *Client) {
		c.accountsURL = strings.TrimRight(accounts, "/")
		c.apiURL = strings.TrimRight(api, "/")
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

func (tr *TokenResponse) ExpiresAt(now time.Time) time.Time {
	return now.Add(time.Duration(tr.ExpiresIn) * time.Second).UTC()
}

type Track struct {
	ID       string   `json:"id"`
	URI      string   `json:"uri"`
	Name     string   `json:"name"`
	Artists  []Artist `json:"artists"`
	Duration int      `json:"duration_ms"`
	Album    Album    `json:"album"`
}

// ArtistNames joins the track's artist names for display.
func (t Track) ArtistNames() string {
	names := make([]string, len(t.Artists))
	for i, a := range t.Artists {
		names[i] = a.Name
	}
	return strings.Join(names, ", ")
}

func (t Track) CoverURL() string {
	if len(t.Album.Images) == 0 {
		return ""
	}
	return t.Album.Images[0].URL
}

type Artist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Album struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Images []Image `json:"images"`
}

type Image struct {
	URL    string `json:"url"`
	Height int    `json:"height"`
	Width  int    `json:"width"`
}

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

type searchResponse struct {
	Tracks struct {
		Items []Track `json:"items"`
	} `json:"tracks"`
}

type topTracksResponse struct {
	Items []Track `json:"items"`
}

func NewClient(clientID, clientSecret, redirectURI string, opts ...Option) *Client {
	c := &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		accountsURL:  DefaultAccountsURL,
		apiURL:       DefaultAPIURL,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) GetAuthURL(state string) string {
	params := url.Values{}
	params.Add("client_id", c.clientID)
	params.Add("response_type", "code")
	params.Add("redirect_uri", c.redirectURI)
	params.Add("scope", scopes)
	params.Add("state", state)

	return c.accountsURL + "/authorize?" + params.Encode()
}

func (c *Client) ExchangeToken(ctx context.Context, code string) (*TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", c.redirectURI)

	return c.doTokenRequest(ctx, data)
}

func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)

	return c.doTokenRequest(ctx, data)
}

func (c *Client) doTokenRequest(ctx context.Context, data url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.accountsURL+"/api/token", strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}

	auth := base64.StdEncoding.EncodeToString([]byte(c.clientID + ":" + c.clientSecret))
	req.Header.Add("Authorization", "Basic "+auth)
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")

	var token TokenResponse
	if err := c.do(req, "token", http.StatusOK, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

func (c *Client) SearchTracks(ctx context.Context, accessToken, query string, limit int) ([]Track, error) {
	params := url.Values{}
	params.Add("q", query)
	params.Add("type", "track")
	params.Add("limit", strconv.Itoa(limit))

	req, err := c.apiRequest(ctx, http.MethodGet, "/search?"+params.Encode(), accessToken, nil)
	if err != nil {
		return nil, err
	}

	var resp searchResponse
	if err := c.do(req, "search", http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Tracks.Items, nil
}

func (c *Client) GetTopTracks(ctx context.Context, accessToken string, timeRange string, limit int) ([]Track, error) {
	params := url.Values{}
	params.Add("time_range", timeRange) // short_term, medium_term, long_term
	params.Add("limit", strconv.Itoa(limit))

	req, err := c.apiRequest(ctx, http.MethodGet, "/me/top/tracks?"+params.Encode(), accessToken, nil)
	if err != nil {
		return nil, err
	}

	var resp topTracksResponse
	if err := c.do(req, "top tracks", http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *Client) GetUser(ctx context.Context, accessToken string) (*User, error) {
	req, err := c.apiRequest(ctx, http.MethodGet, "/me", accessToken, nil)
	if err != nil {
		return nil, err
	}

	var user User
	if err := c.do(req, "get user", http.StatusOK, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// PlayTrack starts trackURI on the device, or the active device when
// deviceID is empty. Bare track ids are expanded to spotify:track URIs.
func (c *Client) PlayTrack(ctx context.Context, accessToken, deviceID, trackURI string) error {
	if !strings.Contains(trackURI, ":") {
		trackURI = "spotify:track:" + trackURI
	}
	body, err := json.Marshal(map[string]interface{}{"uris": []string{trackURI}})
	if err != nil {
		return err
	}
	return c.player(ctx, http.MethodPut, "/me/player/play", accessToken, deviceID, body)
}

func (c *Client) Pause(ctx context.Context, accessToken, deviceID string) error {
	return c.player(ctx, http.MethodPut, "/me/player/pause", accessToken, deviceID, nil)
}

func (c *Client) Resume(ctx context.Context, accessToken, deviceID string) error {
	return c.player(ctx, http.MethodPut, "/me/player/play", accessToken, deviceID, nil)
}

func (c *Client) Previous(ctx context.Context, accessToken, deviceID string) error {
	return c.player(ctx, http.MethodPost, "/me/player/previous", accessToken, deviceID, nil)
}

func (c *Client) player(ctx context.Context, method, path, accessToken, deviceID string, body []byte) error {
	if deviceID != "" {
		path += "?device_id=" + url.QueryEscape(deviceID)
	}
	req, err := c.apiRequest(ctx, method, path, accessToken, body)
	if err != nil {
		return err
	}
	return c.do(req, "player "+path, http.StatusNoContent, nil)
}

func (c *Client) apiRequest(ctx context.Context, method, path, accessToken string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	return req, nil
}

// do sends req and decodes a JSON body into out when out is non-nil. Player
// endpoints answer 204, but some return 200 or 202; any 2xx is success when
// want is 204.
func (c *Client) do(req *http.Request, what string, want int, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("spotify: %s request failed: %w: %v", what, apperr.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	ok := resp.StatusCode == want
	if want == http.StatusNoContent {
		ok = resp.StatusCode >= 200 && resp.StatusCode < 300
	}
	if !ok {
		return statusError(what, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("spotify: failed to decode %s response: %w", what, err)
	}
	return nil
}

func statusError(what string, status int) error {
	var kind error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = apperr.ErrForbidden
	case status == http.StatusNotFound:
		kind = apperr.ErrNotFound
	case status == http.StatusTooManyRequests || status >= 500:
		kind = apperr.ErrUnavailable
	default:
		return fmt.Errorf("spotify: %s request failed with status %d", what, status)
	}
	return fmt.Errorf("spotify: %s request failed with status %d: %w", what, status, kind)
}
