// Package twitch integrates with Twitch: OAuth code/refresh grants, the Helix
// REST API for user lookup and EventSub subscription creation, and the EventSub
// WebSocket adapter that normalizes chat, follow, and delete notifications.
package twitch

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kremstream/overlayd/db"
	"github.com/kremstream/overlayd/telemetry"
)

const helixBase = "https://api.twitch.tv/helix"

// HelixClient wraps the few Helix endpoints the adapter needs. AccessToken is a
// func so a refreshed token is picked up without rebuilding the client.
type HelixClient struct {
	ClientID    string
	AccessToken func() string
	HTTPClient  *http.Client
	BaseURL     string

	// Profile picture cache backing store; lookups are gated by CacheTTL so a
	// busy chat doesn't exhaust the users endpoint rate limit. A nil DB
	// disables the cache.
	DB       *sql.DB
	CacheTTL time.Duration
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return helixBase
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, hc.base()+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+hc.AccessToken())
	return req, nil
}

type userData struct {
	Data []struct {
		ID              string `json:"id"`
		Login           string `json:"login"`
		ProfileImageURL string `json:"profile_image_url"`
	} `json:"data"`
}

func (hc *HelixClient) lookupUser(ctx context.Context, query string) (*userData, error) {
	req, err := hc.newRequest(ctx, http.MethodGet, "/users?"+query, nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("helix users request failed: %s: %s", resp.Status, string(b))
	}
	var body userData
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return &body, nil
}

// ProfilePicByID returns a user's profile picture URL, consulting the 30-day
// cache first. A miss or stale entry costs exactly one users call.
func (hc *HelixClient) ProfilePicByID(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", nil
	}
	if hc.DB != nil {
		if pic, ok, err := db.GetProfilePic(ctx, hc.DB, "twitch", userID, hc.CacheTTL); err == nil && ok {
			return pic, nil
		}
	}
	telemetry.CountProfileLookup()
	body, err := hc.lookupUser(ctx, "id="+userID)
	if err != nil {
		return "", err
	}
	pic := ""
	if len(body.Data) > 0 {
		pic = body.Data[0].ProfileImageURL
	}
	if hc.DB != nil {
		if err := db.PutProfilePic(ctx, hc.DB, "twitch", userID, pic); err != nil {
			slog.Warn("profile cache write failed", slog.Any("err", err))
		}
	}
	return pic, nil
}

// ProfilePicByLogin is the login-keyed variant used by the IRC chat source,
// which only sees login names. Cache entries are keyed by login with a prefix
// so they never collide with user ids.
func (hc *HelixClient) ProfilePicByLogin(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", nil
	}
	key := "login:" + login
	if hc.DB != nil {
		if pic, ok, err := db.GetProfilePic(ctx, hc.DB, "twitch", key, hc.CacheTTL); err == nil && ok {
			return pic, nil
		}
	}
	telemetry.CountProfileLookup()
	body, err := hc.lookupUser(ctx, "login="+login)
	if err != nil {
		return "", err
	}
	pic := ""
	if len(body.Data) > 0 {
		pic = body.Data[0].ProfileImageURL
	}
	if hc.DB != nil {
		if err := db.PutProfilePic(ctx, hc.DB, "twitch", key, pic); err != nil {
			slog.Warn("profile cache write failed", slog.Any("err", err))
		}
	}
	return pic, nil
}

type emoteData struct {
	Data []struct {
		Name   string `json:"name"`
		Images struct {
			URL1x string `json:"url_1x"`
		} `json:"images"`
	} `json:"data"`
}

// GlobalEmotes returns the global Twitch emote set as name -> image URL.
func (hc *HelixClient) GlobalEmotes(ctx context.Context) (map[string]string, error) {
	req, err := hc.newRequest(ctx, http.MethodGet, "/chat/emotes/global", nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("helix emotes request failed: %s: %s", resp.Status, string(b))
	}
	var body emoteData
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	emotes := make(map[string]string, len(body.Data))
	for _, e := range body.Data {
		emotes[e.Name] = e.Images.URL1x
	}
	return emotes, nil
}

// CreateEventSubSubscription registers one EventSub subscription bound to a
// WebSocket session.
func (hc *HelixClient) CreateEventSubSubscription(ctx context.Context, subType, version string, condition map[string]string, sessionID string) error {
	payload := map[string]any{
		"type":      subType,
		"version":   version,
		"condition": condition,
		"transport": map[string]string{
			"method":     "websocket",
			"session_id": sessionID,
		},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := hc.newRequest(ctx, http.MethodPost, "/eventsub/subscriptions", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("eventsub subscribe %s failed: %s: %s", subType, resp.Status, string(b))
	}
	return nil
}
