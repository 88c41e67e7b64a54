package enrich

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kremstream/overlayd/broadcast"
	"github.com/kremstream/overlayd/events"
)

type staticProvider struct {
	name string
	set  map[string]string
	err  error
}

func (p staticProvider) Name() string { return p.name }

func (p staticProvider) Fetch(context.Context) (map[string]string, error) {
	return p.set, p.err
}

type captureOutlet struct {
	mu        sync.Mutex
	envelopes []broadcast.Envelope
}

func (c *captureOutlet) Broadcast(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envelopes = append(c.envelopes, v.(broadcast.Envelope))
}

func (c *captureOutlet) all() []broadcast.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]broadcast.Envelope(nil), c.envelopes...)
}

type fixedCount int

func (n fixedCount) ActiveCount() int { return int(n) }

func newTestEmotes(providers ...Provider) *Emotes {
	e := &Emotes{Providers: providers}
	e.Refresh(context.Background())
	return e
}

func TestSubstituteReplacesWholeWordTokens(t *testing.T) {
	emotes := newTestEmotes(staticProvider{name: "bttv", set: map[string]string{
		"Kappa": "https://cdn.example/kappa/1x",
	}})
	p := &Pipeline{Emotes: emotes}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "single emote",
			in:   "Kappa",
			want: `<img class="emote" alt="Kappa" src="https://cdn.example/kappa/1x">`,
		},
		{
			name: "emote between words",
			in:   "hello Kappa world",
			want: `hello <img class="emote" alt="Kappa" src="https://cdn.example/kappa/1x"> world`,
		},
		{
			name: "emote inside a word is untouched",
			in:   "notKappa KappaNot",
			want: "notKappa KappaNot",
		},
		{
			name: "no emotes",
			in:   "plain message",
			want: "plain message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.substitute(tt.in); got != tt.want {
				t.Errorf("substitute(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRefreshKeepsPreviousSetOnProviderFailure(t *testing.T) {
	good := staticProvider{name: "bttv", set: map[string]string{"Kappa": "link"}}
	e := &Emotes{Providers: []Provider{good}, TTL: 1}
	e.Refresh(context.Background())

	if _, ok := e.Lookup("Kappa"); !ok {
		t.Fatal("Kappa should be present after the first refresh")
	}

	// Same provider name, now failing; the previous set must survive.
	e.Providers = []Provider{staticProvider{name: "bttv", err: errors.New("rate limited")}}
	e.lastRefresh = e.lastRefresh.Add(-defaultRefreshTTL)
	e.Refresh(context.Background())

	if _, ok := e.Lookup("Kappa"); !ok {
		t.Error("Kappa should survive a failed provider refresh")
	}
}

func TestRefreshMergesProviders(t *testing.T) {
	e := newTestEmotes(
		staticProvider{name: "bttv", set: map[string]string{"A": "bttv-a"}},
		staticProvider{name: "7tv", set: map[string]string{"A": "7tv-a", "B": "7tv-b"}},
	)

	// Later providers win on name collisions.
	if link, _ := e.Lookup("A"); link != "7tv-a" {
		t.Errorf("Lookup(A) = %q, want 7tv-a", link)
	}
	if link, _ := e.Lookup("B"); link != "7tv-b" {
		t.Errorf("Lookup(B) = %q, want 7tv-b", link)
	}
}

func TestSourceSuppression(t *testing.T) {
	tests := []struct {
		name       string
		active     int
		wantSource string
	}{
		{name: "single platform hides the tag", active: 1, wantSource: ""},
		{name: "multiple platforms keep the tag", active: 2, wantSource: "twitch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &captureOutlet{}
			p := &Pipeline{Integrations: fixedCount(tt.active), Out: out}
			bus := events.NewBus()
			p.Attach(context.Background(), bus)

			bus.Publish(events.NewChat(events.ChatMessage{ID: "1", Text: "hi", Source: "twitch"}))

			if len(out.envelopes) != 1 {
				t.Fatalf("broadcast %d envelopes, want 1", len(out.envelopes))
			}
			msg := out.envelopes[0].Data.(events.ChatMessage)
			if msg.Source != tt.wantSource {
				t.Errorf("Source = %q, want %q", msg.Source, tt.wantSource)
			}
		})
	}
}

func TestPipelineEnvelopes(t *testing.T) {
	out := &captureOutlet{}
	p := &Pipeline{Out: out}
	bus := events.NewBus()
	p.Attach(context.Background(), bus)

	bus.Publish(events.NewChat(events.ChatMessage{ID: "1", Text: "hi"}))
	bus.Publish(events.NewFollow(events.Follow{Username: "fan", ProfilePic: "pic"}))
	bus.Publish(events.NewDelete(events.MessageDelete{ID: "1"}))

	if len(out.envelopes) != 3 {
		t.Fatalf("broadcast %d envelopes, want 3", len(out.envelopes))
	}
	if out.envelopes[0].Type != "chat" {
		t.Errorf("first envelope type = %q, want chat", out.envelopes[0].Type)
	}
	follow := out.envelopes[1]
	if follow.Type != "follow" || follow.Data.(map[string]string)["username"] != "fan" {
		t.Errorf("follow envelope = %+v, want username fan", follow)
	}
	del := out.envelopes[2]
	if del.Type != "chatDelete" || del.Data.(map[string]string)["id"] != "1" {
		t.Errorf("delete envelope = %+v, want id 1", del)
	}
}

// blockingProvider signals entry into Fetch and then waits for release.
type blockingProvider struct {
	entered chan struct{}
	release chan struct{}
}

func (p blockingProvider) Name() string { return "stalled" }

func (p blockingProvider) Fetch(context.Context) (map[string]string, error) {
	close(p.entered)
	<-p.release
	return nil, nil
}

func TestStalledFetchBlocksOnlyItsOwnPublisher(t *testing.T) {
	slow := blockingProvider{entered: make(chan struct{}), release: make(chan struct{})}
	out := &captureOutlet{}
	p := &Pipeline{Emotes: &Emotes{Providers: []Provider{slow}}, Out: out}

	// Adapter A's handler triggers the refresh and stalls inside the fetch.
	firstDone := make(chan struct{})
	go func() {
		p.handleChat(context.Background(), events.ChatMessage{ID: "slow", Text: "hi", Source: "twitch"})
		close(firstDone)
	}()
	<-slow.entered

	// Adapter B publishes from its own goroutine; its message must go out
	// while the fetch is still hanging.
	secondDone := make(chan struct{})
	go func() {
		p.handleChat(context.Background(), events.ChatMessage{ID: "fast", Text: "yo", Source: "youtube"})
		close(secondDone)
	}()
	select {
	case <-secondDone:
	case <-time.After(2 * time.Second):
		t.Fatal("chat delivery was blocked by another adapter's stalled emote fetch")
	}

	envs := out.all()
	if len(envs) != 1 || envs[0].Data.(events.ChatMessage).ID != "fast" {
		t.Fatalf("envelopes = %+v, want just the unstalled message", envs)
	}

	close(slow.release)
	select {
	case <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("stalled handler never finished after the fetch was released")
	}
	if envs := out.all(); len(envs) != 2 {
		t.Errorf("delivered %d envelopes after release, want both messages", len(envs))
	}
}

func TestChatDeliveredUnenrichedWhenAllProvidersFail(t *testing.T) {
	out := &captureOutlet{}
	emotes := &Emotes{Providers: []Provider{staticProvider{name: "bttv", err: errors.New("down")}}}
	p := &Pipeline{Emotes: emotes, Out: out}
	bus := events.NewBus()
	p.Attach(context.Background(), bus)

	bus.Publish(events.NewChat(events.ChatMessage{ID: "1", Text: "Kappa hello"}))

	if len(out.envelopes) != 1 {
		t.Fatalf("broadcast %d envelopes, want 1", len(out.envelopes))
	}
	msg := out.envelopes[0].Data.(events.ChatMessage)
	if msg.Text != "Kappa hello" || strings.Contains(msg.Text, "<img") {
		t.Errorf("Text = %q, want the original text untouched", msg.Text)
	}
}
