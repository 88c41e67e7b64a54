// Package events defines the normalized event types shared by all platform
// integrations and an in-process publish/subscribe bus that fans them out to
// consumers. Dispatch is synchronous: handlers run on the publisher's goroutine,
// in publish order, so per-source ordering is preserved. Handlers must not block
// for long; anything I/O-bound only delays its own publisher.
package events

import "sync"

// DefaultChatColor is used when a platform supplies no username color.
const DefaultChatColor = "#ff256a"

// ChatMessage is a platform-agnostic chat message. ID is unique per source
// platform. Source is the originating platform name; the enrichment layer may
// blank it when only one integration is active.
type ChatMessage struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	Username   string `json:"username"`
	Color      string `json:"color,omitempty"`
	ProfilePic string `json:"profilePic"`
	Source     string `json:"source"`
}

// Follow is a normalized new-follower event.
type Follow struct {
	Username   string `json:"username"`
	ProfilePic string `json:"profilePic"`
	Source     string `json:"source"`
}

// MessageDelete signals that a previously delivered chat message was removed.
type MessageDelete struct {
	ID     string `json:"id"`
	Source string `json:"source"`
}

// Kind discriminates the event union.
type Kind string

const (
	KindChat          Kind = "chat"
	KindFollow        Kind = "follow"
	KindMessageDelete Kind = "messageDelete"
)

// Event is the tagged union published on the bus. Exactly one payload field is
// set, matching Type.
type Event struct {
	Type   Kind
	Chat   *ChatMessage
	Follow *Follow
	Delete *MessageDelete
}

func NewChat(m ChatMessage) Event     { return Event{Type: KindChat, Chat: &m} }
func NewFollow(f Follow) Event        { return Event{Type: KindFollow, Follow: &f} }
func NewDelete(d MessageDelete) Event { return Event{Type: KindMessageDelete, Delete: &d} }

// Bus is a synchronous in-process pub/sub point. Subscriber lists are guarded
// by a mutex since adapters publish from their own goroutines.
type Bus struct {
	mu       sync.RWMutex
	chat     []func(ChatMessage)
	follow   []func(Follow)
	delete   []func(MessageDelete)
	wildcard []func(Event)
}

func NewBus() *Bus { return &Bus{} }

// Publish delivers the event to every subscriber of its kind, then to every
// wildcard subscriber, synchronously and exactly once each.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	chat, follow, del, any := b.chat, b.follow, b.delete, b.wildcard
	b.mu.RUnlock()

	switch ev.Type {
	case KindChat:
		for _, h := range chat {
			h(*ev.Chat)
		}
	case KindFollow:
		for _, h := range follow {
			h(*ev.Follow)
		}
	case KindMessageDelete:
		for _, h := range del {
			h(*ev.Delete)
		}
	}
	for _, h := range any {
		h(ev)
	}
}

// OnChat subscribes to chat messages.
func (b *Bus) OnChat(h func(ChatMessage)) {
	b.mu.Lock()
	b.chat = append(b.chat, h)
	b.mu.Unlock()
}

// OnFollow subscribes to follow events.
func (b *Bus) OnFollow(h func(Follow)) {
	b.mu.Lock()
	b.follow = append(b.follow, h)
	b.mu.Unlock()
}

// OnMessageDelete subscribes to message deletions.
func (b *Bus) OnMessageDelete(h func(MessageDelete)) {
	b.mu.Lock()
	b.delete = append(b.delete, h)
	b.mu.Unlock()
}

// OnAny subscribes to every event regardless of kind.
func (b *Bus) OnAny(h func(Event)) {
	b.mu.Lock()
	b.wildcard = append(b.wildcard, h)
	b.mu.Unlock()
}
