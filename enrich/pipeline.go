package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/kremstream/overlayd/broadcast"
	"github.com/kremstream/overlayd/events"
)

const emoteTemplate = `<img class="emote" alt="%s" src="%s">`

// ActiveCounter reports how many platform integrations are currently active.
type ActiveCounter interface {
	ActiveCount() int
}

// Outlet receives the finished overlay messages.
type Outlet interface {
	Broadcast(v any)
}

// Pipeline subscribes to the event bus, substitutes emote images into chat
// text, applies the source-tag suppression policy, and hands overlay envelopes
// to the broadcaster. Any enrichment failure delivers the message unenriched;
// events are never dropped here.
type Pipeline struct {
	Emotes       *Emotes
	Integrations ActiveCounter
	Out          Outlet

	// PipeSound, when set, is an audio file played on a "!pipe" chat message.
	PipeSound string
}

// Attach subscribes the pipeline to the bus. Handlers run synchronously on the
// publishing adapter's goroutine.
func (p *Pipeline) Attach(ctx context.Context, bus *events.Bus) {
	bus.OnChat(func(m events.ChatMessage) { p.handleChat(ctx, m) })
	bus.OnFollow(func(f events.Follow) {
		p.Out.Broadcast(broadcast.Envelope{Type: "follow", Data: map[string]string{
			"username":   f.Username,
			"profilePic": f.ProfilePic,
		}})
	})
	bus.OnMessageDelete(func(d events.MessageDelete) {
		p.Out.Broadcast(broadcast.Envelope{Type: "chatDelete", Data: map[string]string{
			"id": d.ID,
		}})
	})
}

func (p *Pipeline) handleChat(ctx context.Context, m events.ChatMessage) {
	if p.Emotes != nil {
		p.Emotes.Refresh(ctx)
		m.Text = p.substitute(m.Text)
	}
	if p.Integrations != nil && p.Integrations.ActiveCount() <= 1 {
		m.Source = ""
	}
	p.Out.Broadcast(broadcast.Envelope{Type: "chat", Data: m})

	if p.PipeSound != "" && strings.Contains(m.Text, "!pipe") {
		go p.playPipe()
	}
}

// substitute replaces whole word tokens that name a known emote with the image
// tag. Tokens inside words are left alone.
func (p *Pipeline) substitute(text string) string {
	words := strings.Split(text, " ")
	changed := false
	for i, w := range words {
		if link, ok := p.Emotes.Lookup(w); ok {
			words[i] = fmt.Sprintf(emoteTemplate, w, link)
			changed = true
		}
	}
	if !changed {
		return text
	}
	return strings.Join(words, " ")
}

func (p *Pipeline) playPipe() {
	if err := exec.Command("cvlc", "--play-and-exit", p.PipeSound).Run(); err != nil {
		slog.Warn("pipe sound playback failed", slog.Any("err", err))
	}
}
