// Package youtube integrates with YouTube Live: Google OAuth2 for credentials
// and a liveChat/messages polling adapter that publishes normalized chat and
// delete events.
package youtube

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/kremstream/overlayd/config"
	"github.com/kremstream/overlayd/tokens"
)

const defaultScope = "https://www.googleapis.com/auth/youtube.readonly"

// OAuth wraps the Google OAuth2 code-grant config for the YouTube integration.
type OAuth struct {
	cfg *oauth2.Config
}

func NewOAuth(clientID, clientSecret, redirectURI, scopes string) *OAuth {
	fields := strings.Fields(strings.ReplaceAll(scopes, ",", " "))
	if len(fields) == 0 {
		fields = []string{defaultScope}
	}
	return &OAuth{cfg: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  redirectURI,
		Scopes:       fields,
	}}
}

// AuthCodeURL builds the user consent URL. Offline access with forced approval
// so Google always returns a refresh token.
func (o *OAuth) AuthCodeURL(state string) string {
	return o.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a credential record.
func (o *OAuth) Exchange(ctx context.Context, code string) (*tokens.Record, error) {
	if code == "" {
		return nil, errors.New("missing authorization code")
	}
	tok, err := o.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	return recordFromToken(tok, o.cfg.Scopes), nil
}

// NewRefreshFunc returns a tokens.RefreshFunc backed by the oauth2 token source.
func (o *OAuth) NewRefreshFunc() tokens.RefreshFunc {
	return func(ctx context.Context, r tokens.Record) (*tokens.Record, error) {
		if r.RefreshToken == "" {
			return nil, errors.New("no refresh token stored")
		}
		src := o.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: r.RefreshToken})
		tok, err := src.Token()
		if err != nil {
			return nil, err
		}
		return recordFromToken(tok, o.cfg.Scopes), nil
	}
}

// tokenSource adapts a stored record into an oauth2 source that refreshes
// transparently while the polling adapter runs.
func (o *OAuth) tokenSource(ctx context.Context, r *tokens.Record) oauth2.TokenSource {
	return o.cfg.TokenSource(ctx, &oauth2.Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		Expiry:       tokens.ExpiresAt(r),
	})
}

func recordFromToken(tok *oauth2.Token, scopes []string) *tokens.Record {
	now := time.Now()
	expiresIn := int(tok.Expiry.Sub(now).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	return &tokens.Record{
		Provider:     config.PlatformYouTube,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    expiresIn,
		ObtainedAt:   now,
		Scope:        strings.Join(scopes, " "),
	}
}
