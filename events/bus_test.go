package events

import (
	"testing"
)

func TestBusDeliversToKindAndWildcardSubscribers(t *testing.T) {
	bus := NewBus()

	var chats []ChatMessage
	var follows []Follow
	var deletes []MessageDelete
	var all []Event

	bus.OnChat(func(m ChatMessage) { chats = append(chats, m) })
	bus.OnFollow(func(f Follow) { follows = append(follows, f) })
	bus.OnMessageDelete(func(d MessageDelete) { deletes = append(deletes, d) })
	bus.OnAny(func(ev Event) { all = append(all, ev) })

	bus.Publish(NewChat(ChatMessage{ID: "1", Text: "hello", Username: "a", Source: "twitch"}))
	bus.Publish(NewFollow(Follow{Username: "b", Source: "twitch"}))
	bus.Publish(NewDelete(MessageDelete{ID: "1", Source: "twitch"}))

	if len(chats) != 1 || chats[0].ID != "1" {
		t.Errorf("chat subscriber got %v, want one message with ID 1", chats)
	}
	if len(follows) != 1 || follows[0].Username != "b" {
		t.Errorf("follow subscriber got %v, want one follow for b", follows)
	}
	if len(deletes) != 1 || deletes[0].ID != "1" {
		t.Errorf("delete subscriber got %v, want one delete for 1", deletes)
	}
	if len(all) != 3 {
		t.Fatalf("wildcard subscriber got %d events, want 3", len(all))
	}
	if all[0].Type != KindChat || all[1].Type != KindFollow || all[2].Type != KindMessageDelete {
		t.Errorf("wildcard order = %v %v %v, want chat/follow/messageDelete", all[0].Type, all[1].Type, all[2].Type)
	}
}

func TestBusExactlyOncePerSubscriber(t *testing.T) {
	bus := NewBus()
	counts := make([]int, 3)
	for i := range counts {
		i := i
		bus.OnChat(func(ChatMessage) { counts[i]++ })
	}

	bus.Publish(NewChat(ChatMessage{ID: "x"}))

	for i, n := range counts {
		if n != 1 {
			t.Errorf("subscriber %d called %d times, want 1", i, n)
		}
	}
}

func TestBusPreservesPublishOrder(t *testing.T) {
	bus := NewBus()
	var ids []string
	bus.OnChat(func(m ChatMessage) { ids = append(ids, m.ID) })

	for _, id := range []string{"1", "2", "3", "4"} {
		bus.Publish(NewChat(ChatMessage{ID: id}))
	}

	want := []string{"1", "2", "3", "4"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestBusWithoutSubscribers(t *testing.T) {
	bus := NewBus()
	// Publishing with no subscribers must not panic.
	bus.Publish(NewChat(ChatMessage{ID: "1"}))
	bus.Publish(NewFollow(Follow{Username: "a"}))
}
