// Package twitchapi contains minimal helpers to interact with Twitch Helix
// APIs for user id resolution and live stream lookups, using an app access
// token.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.twitch.tv/helix"

// ErrUserNotFound reports a login Helix does not know.
var ErrUserNotFound = errors.New("twitch user not found")

// maxLoginsPerRequest is the Helix cap on user_login params per streams call.
const maxLoginsPerRequest = 100

// HelixClient provides the methods needed for live state polling.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	// BaseURL overrides the Helix endpoint, mainly for tests.
	BaseURL    string
	HTTPClient *http.Client
}

// User is the subset of a Helix user object the service cares about.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// Stream is the subset of a Helix stream object the watcher consumes.
// ThumbnailURL keeps Helix's {width}x{height} template form.
type Stream struct {
	UserID       string    `json:"user_id"`
	UserLogin    string    `json:"user_login"`
	Title        string    `json:"title"`
	GameName     string    `json:"game_name"`
	ViewerCount  int64     `json:"viewer_count"`
	ThumbnailURL string    `json:"thumbnail_url"`
	StartedAt    time.Time `json:"started_at"`
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return defaultBaseURL
}

// doGet performs an authenticated Helix GET and decodes the data envelope
// into out. Non-200 responses become errors carrying the Twitch status line.
func (hc *HelixClient) doGet(ctx context.Context, path string, query map[string][]string, out any) error {
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return fmt.Errorf("app token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+path, nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("helix %s: %s: %s", path, resp.Status, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetUser resolves a login name to its Helix user object.
func (hc *HelixClient) GetUser(ctx context.Context, login string) (User, error) {
	if login == "" {
		return User{}, fmt.Errorf("login empty")
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.doGet(ctx, "/users", map[string][]string{"login": {login}}, &body); err != nil {
		return User{}, err
	}
	if len(body.Data) == 0 {
		return User{}, ErrUserNotFound
	}
	return body.Data[0], nil
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	u, err := hc.GetUser(ctx, login)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

// GetStreams returns the currently live streams among the given logins.
// Logins absent from the result are offline. Requests are chunked to the
// Helix per-call cap.
func (hc *HelixClient) GetStreams(ctx context.Context, logins []string) ([]Stream, error) {
	if len(logins) == 0 {
		return nil, nil
	}
	var out []Stream
	for start := 0; start < len(logins); start += maxLoginsPerRequest {
		end := start + maxLoginsPerRequest
		if end > len(logins) {
			end = len(logins)
		}
		var body struct {
			Data []struct {
				Stream
				Type string `json:"type"`
			} `json:"data"`
		}
		q := map[string][]string{
			"user_login": logins[start:end],
			"first":      {strconv.Itoa(maxLoginsPerRequest)},
		}
		if err := hc.doGet(ctx, "/streams", q, &body); err != nil {
			return nil, err
		}
		for _, s := range body.Data {
			// Helix reports reruns with a different type.
			if s.Type != "live" {
				continue
			}
			out = append(out, s.Stream)
		}
	}
	return out, nil
}

// ConcreteThumbnailURL fills Helix's {width}x{height} template. Non-template
// URLs pass through unchanged.
func ConcreteThumbnailURL(tmpl string, width, height int) string {
	s := strings.ReplaceAll(tmpl, "{width}", strconv.Itoa(width))
	return strings.ReplaceAll(s, "{height}", strconv.Itoa(height))
}
