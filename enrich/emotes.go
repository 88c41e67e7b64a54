// Package enrich turns normalized events into the overlay wire format: emote
// image substitution in chat text and the source-tag suppression policy.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kremstream/overlayd/telemetry"
)

const (
	bttvGlobalURL    = "https://api.betterttv.net/3/cached/emotes/global"
	sevenTVGlobalURL = "https://7tv.io/v3/emote-sets/global"
	ffzGlobalURL     = "https://api.frankerfacez.com/v1/set/global"

	defaultRefreshTTL = time.Hour
	fetchTimeout      = 10 * time.Second
)

var emoteHTTPClient = &http.Client{Timeout: fetchTimeout}

// Provider fetches one emote set as name -> image URL.
type Provider interface {
	Name() string
	Fetch(ctx context.Context) (map[string]string, error)
}

// Emotes merges the global emote sets of several providers into a single
// lookup table. Refresh is TTL-gated; a provider failure keeps that provider's
// previous emotes and never fails the lookup.
type Emotes struct {
	Providers []Provider
	TTL       time.Duration

	mu          sync.RWMutex
	byName      map[string]string
	perProvider map[string]map[string]string
	lastRefresh time.Time
	refreshing  bool
}

// Refresh re-fetches provider sets when the TTL has elapsed. Safe to call on
// every message: the fetches run outside the lock, and while one caller is
// fetching everyone else returns immediately with the current table, so a
// stalled provider never blocks another adapter's delivery path.
func (e *Emotes) Refresh(ctx context.Context) {
	ttl := e.TTL
	if ttl <= 0 {
		ttl = defaultRefreshTTL
	}

	e.mu.Lock()
	if e.refreshing || time.Since(e.lastRefresh) < ttl {
		e.mu.Unlock()
		return
	}
	e.refreshing = true
	e.lastRefresh = time.Now()
	providers := e.Providers
	e.mu.Unlock()

	telemetry.CountEmoteRefresh()
	fetched := make(map[string]map[string]string)
	for _, p := range providers {
		set, err := p.Fetch(ctx)
		if err != nil {
			slog.Warn("emote fetch failed", slog.String("provider", p.Name()), slog.Any("err", err))
			continue
		}
		fetched[p.Name()] = set
	}

	e.mu.Lock()
	if e.perProvider == nil {
		e.perProvider = make(map[string]map[string]string)
	}
	for name, set := range fetched {
		e.perProvider[name] = set
	}
	merged := make(map[string]string)
	for _, p := range providers {
		for name, link := range e.perProvider[p.Name()] {
			merged[name] = link
		}
	}
	e.byName = merged
	e.refreshing = false
	e.mu.Unlock()
}

// Lookup returns the image URL for an emote name.
func (e *Emotes) Lookup(name string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	link, ok := e.byName[name]
	return link, ok
}

func getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := emoteHTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s: %s", url, resp.Status, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// TwitchProvider adapts any Twitch global-emote source (the Helix client).
type TwitchProvider struct {
	Fetcher func(ctx context.Context) (map[string]string, error)
}

func (TwitchProvider) Name() string { return "twitch" }

func (p TwitchProvider) Fetch(ctx context.Context) (map[string]string, error) {
	return p.Fetcher(ctx)
}

// BTTVProvider fetches the BetterTTV global emote set.
type BTTVProvider struct{}

func (BTTVProvider) Name() string { return "bttv" }

func (BTTVProvider) Fetch(ctx context.Context) (map[string]string, error) {
	var body []struct {
		ID   string `json:"id"`
		Code string `json:"code"`
	}
	if err := getJSON(ctx, bttvGlobalURL, &body); err != nil {
		return nil, err
	}
	set := make(map[string]string, len(body))
	for _, e := range body {
		set[e.Code] = "https://cdn.betterttv.net/emote/" + e.ID + "/1x"
	}
	return set, nil
}

// SevenTVProvider fetches the 7TV global emote set.
type SevenTVProvider struct{}

func (SevenTVProvider) Name() string { return "7tv" }

func (SevenTVProvider) Fetch(ctx context.Context) (map[string]string, error) {
	var body struct {
		Emotes []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"emotes"`
	}
	if err := getJSON(ctx, sevenTVGlobalURL, &body); err != nil {
		return nil, err
	}
	set := make(map[string]string, len(body.Emotes))
	for _, e := range body.Emotes {
		set[e.Name] = "https://cdn.7tv.app/emote/" + e.ID + "/1x.webp"
	}
	return set, nil
}

// FFZProvider fetches the FrankerFaceZ global emote sets.
type FFZProvider struct{}

func (FFZProvider) Name() string { return "ffz" }

func (FFZProvider) Fetch(ctx context.Context) (map[string]string, error) {
	var body struct {
		Sets map[string]struct {
			Emoticons []struct {
				Name string            `json:"name"`
				URLs map[string]string `json:"urls"`
			} `json:"emoticons"`
		} `json:"sets"`
	}
	if err := getJSON(ctx, ffzGlobalURL, &body); err != nil {
		return nil, err
	}
	set := make(map[string]string)
	for _, s := range body.Sets {
		for _, e := range s.Emoticons {
			if link, ok := e.URLs["1"]; ok {
				set[e.Name] = link
			}
		}
	}
	return set, nil
}
