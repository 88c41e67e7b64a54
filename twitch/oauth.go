package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kremstream/overlayd/tokens"
)

const tokenEndpoint = "https://id.twitch.tv/oauth2/token"

// BuildAuthorizeURL constructs the user authorization URL for the OAuth code grant.
func BuildAuthorizeURL(clientID, redirectURI, scopes, state string) (string, error) {
	if clientID == "" || redirectURI == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	v := url.Values{}
	v.Set("response_type", "code")
	v.Set("client_id", clientID)
	v.Set("redirect_uri", redirectURI)
	if scopes != "" {
		v.Set("scope", strings.TrimSpace(strings.ReplaceAll(scopes, ",", " ")))
	}
	if state != "" {
		v.Set("state", state)
	}
	return "https://id.twitch.tv/oauth2/authorize?" + v.Encode(), nil
}

type tokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	Scope        []string `json:"scope"`
	ExpiresIn    int      `json:"expires_in"`
}

func postTokenForm(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := http.DefaultClient.Do(req)
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
		return nil, fmt.Errorf("twitch token request failed: %s: %s", resp.Status, string(b))
	}
	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, err
	}
	if tr.AccessToken == "" {
		return nil, errors.New("empty access_token in twitch response")
	}
	return &tr, nil
}

func recordFromResponse(tr *tokenResponse) *tokens.Record {
	return &tokens.Record{
		Provider:     "twitch",
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresIn:    tr.ExpiresIn,
		ObtainedAt:   time.Now(),
		Scope:        strings.Join(tr.Scope, " "),
	}
}

// ExchangeAuthCode exchanges an authorization code for a credential record.
func ExchangeAuthCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*tokens.Record, error) {
	if clientID == "" || clientSecret == "" || code == "" || redirectURI == "" {
		return nil, errors.New("missing required parameter for auth code exchange")
	}
	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("code", code)
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", redirectURI)
	return toRecord(postTokenForm(ctx, form))
}

// NewRefreshFunc returns a tokens.RefreshFunc performing the refresh_token grant.
func NewRefreshFunc(clientID, clientSecret string) tokens.RefreshFunc {
	return func(ctx context.Context, r tokens.Record) (*tokens.Record, error) {
		if clientID == "" || clientSecret == "" || r.RefreshToken == "" {
			return nil, errors.New("missing clientID/clientSecret/refreshToken")
		}
		form := url.Values{}
		form.Set("client_id", clientID)
		form.Set("client_secret", clientSecret)
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", r.RefreshToken)
		return toRecord(postTokenForm(ctx, form))
	}
}

func toRecord(tr *tokenResponse, err error) (*tokens.Record, error) {
	if err != nil {
		return nil, err
	}
	return recordFromResponse(tr), nil
}
