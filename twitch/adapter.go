package twitch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kremstream/overlayd/config"
	"github.com/kremstream/overlayd/events"
	"github.com/kremstream/overlayd/integration"
	"github.com/kremstream/overlayd/telemetry"
	"github.com/kremstream/overlayd/tokens"
)

const (
	eventSubURL = "wss://eventsub.wss.twitch.tv/ws"

	// Twitch sends a keepalive at least every ~10s by default; the original
	// client tolerated six minutes of silence before reconnecting.
	keepaliveTimeout = 6 * time.Minute

	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// EventSubAdapter consumes the Twitch EventSub WebSocket transport and
// publishes normalized chat, follow, and delete events on the bus. It owns its
// own reconnect loop; a session_reconnect frame swaps over to the URL Twitch
// provides, everything else retries with bounded exponential backoff.
type EventSubAdapter struct {
	Store         *tokens.Store
	Helix         *HelixClient
	Bus           *events.Bus
	BroadcasterID string
	URL           string // overrides the EventSub endpoint, used in tests

	mu     sync.Mutex
	active bool
	cancel context.CancelFunc
	conn   *websocket.Conn
}

func (a *EventSubAdapter) Name() string { return config.PlatformTwitch }

func (a *EventSubAdapter) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Start validates the stored credential and launches the connection loop.
func (a *EventSubAdapter) Start(ctx context.Context) error {
	rec, err := a.Store.Load(ctx, config.PlatformTwitch)
	if err != nil {
		return err
	}
	if !tokens.Valid(rec, time.Now()) {
		return integration.ErrNoCredentials
	}

	a.mu.Lock()
	if a.active {
		a.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.active = true
	a.cancel = cancel
	a.mu.Unlock()

	go a.run(runCtx)
	slog.Info("twitch eventsub integration started")
	return nil
}

// Stop cancels the connection loop and closes the transport. Idempotent.
func (a *EventSubAdapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.active {
		return nil
	}
	a.active = false
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
	slog.Info("twitch eventsub integration stopped")
	return nil
}

func (a *EventSubAdapter) endpoint() string {
	if a.URL != "" {
		return a.URL
	}
	return eventSubURL
}

func (a *EventSubAdapter) run(ctx context.Context) {
	url := a.endpoint()
	delay := reconnectBaseDelay
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			slog.Warn("eventsub dial failed", slog.String("url", url), slog.Any("err", err))
			telemetry.CountReconnect(config.PlatformTwitch)
			url = a.endpoint()
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, reconnectMaxDelay)
			continue
		}

		a.mu.Lock()
		if !a.active {
			a.mu.Unlock()
			_ = conn.Close()
			return
		}
		a.conn = conn
		a.mu.Unlock()

		nextURL, established := a.serve(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		if established {
			delay = reconnectBaseDelay
		}
		if nextURL != "" {
			// Swap-over: connect to the URL Twitch gave us without delay.
			url = nextURL
			continue
		}
		telemetry.CountReconnect(config.PlatformTwitch)
		url = a.endpoint()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, reconnectMaxDelay)
	}
}

type eventSubFrame struct {
	Metadata struct {
		MessageType string `json:"message_type"`
	} `json:"metadata"`
	Payload struct {
		Session struct {
			ID           string `json:"id"`
			ReconnectURL string `json:"reconnect_url"`
		} `json:"session"`
		Subscription struct {
			Type string `json:"type"`
		} `json:"subscription"`
		Event json.RawMessage `json:"event"`
	} `json:"payload"`
}

// serve reads frames until the connection dies or Twitch asks for a
// reconnect. It returns the reconnect URL (empty for a plain failure) and
// whether the session was fully established — welcome received AND
// subscriptions created. Only an established session resets the backoff, so a
// persistently failing subscribe (revoked scope) keeps backing off instead of
// hammering at the base delay.
func (a *EventSubAdapter) serve(ctx context.Context, conn *websocket.Conn) (string, bool) {
	established := false
	_ = conn.SetReadDeadline(time.Now().Add(keepaliveTimeout))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("eventsub read failed", slog.Any("err", err))
			}
			return "", established
		}

		var frame eventSubFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			slog.Warn("eventsub frame not understood", slog.Any("err", err))
			continue
		}

		switch frame.Metadata.MessageType {
		case "session_welcome":
			_ = conn.SetReadDeadline(time.Now().Add(keepaliveTimeout))
			if err := a.subscribe(ctx, frame.Payload.Session.ID); err != nil {
				slog.Error("eventsub subscribe failed", slog.Any("err", err))
				return "", established
			}
			established = true
			slog.Info("eventsub session established", slog.String("session", frame.Payload.Session.ID))
		case "session_keepalive":
			_ = conn.SetReadDeadline(time.Now().Add(keepaliveTimeout))
		case "session_reconnect":
			return frame.Payload.Session.ReconnectURL, established
		case "notification":
			_ = conn.SetReadDeadline(time.Now().Add(keepaliveTimeout))
			a.handleNotification(ctx, frame.Payload.Subscription.Type, frame.Payload.Event)
		default:
			slog.Warn("eventsub unknown message type", slog.String("type", frame.Metadata.MessageType))
		}
	}
}

func (a *EventSubAdapter) subscribe(ctx context.Context, sessionID string) error {
	subs := []struct {
		subType   string
		version   string
		condition map[string]string
	}{
		{"channel.follow", "2", map[string]string{
			"broadcaster_user_id": a.BroadcasterID,
			"moderator_user_id":   a.BroadcasterID,
		}},
		{"channel.chat.message", "1", map[string]string{
			"broadcaster_user_id": a.BroadcasterID,
			"user_id":             a.BroadcasterID,
		}},
		{"channel.chat.message_delete", "1", map[string]string{
			"broadcaster_user_id": a.BroadcasterID,
			"user_id":             a.BroadcasterID,
		}},
	}
	for _, s := range subs {
		if err := a.Helix.CreateEventSubSubscription(ctx, s.subType, s.version, s.condition, sessionID); err != nil {
			return err
		}
	}
	return nil
}

type chatNotification struct {
	MessageID       string `json:"message_id"`
	ChatterUserID   string `json:"chatter_user_id"`
	ChatterUserName string `json:"chatter_user_name"`
	ChatterColor    string `json:"chatter_color"`
	Message         struct {
		Text string `json:"text"`
	} `json:"message"`
}

type followNotification struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

func (a *EventSubAdapter) handleNotification(ctx context.Context, subType string, raw json.RawMessage) {
	switch subType {
	case "channel.chat.message":
		var n chatNotification
		if err := json.Unmarshal(raw, &n); err != nil {
			slog.Warn("chat notification not understood", slog.Any("err", err))
			return
		}
		color := n.ChatterColor
		if color == "" {
			color = events.DefaultChatColor
		}
		pic, err := a.Helix.ProfilePicByID(ctx, n.ChatterUserID)
		if err != nil {
			slog.Warn("profile pic lookup failed", slog.String("user", n.ChatterUserID), slog.Any("err", err))
		}
		a.Bus.Publish(events.NewChat(events.ChatMessage{
			ID:         n.MessageID,
			Text:       n.Message.Text,
			Username:   n.ChatterUserName,
			Color:      color,
			ProfilePic: pic,
			Source:     config.PlatformTwitch,
		}))
		telemetry.CountEvent(config.PlatformTwitch, "chat")
	case "channel.follow":
		var n followNotification
		if err := json.Unmarshal(raw, &n); err != nil {
			slog.Warn("follow notification not understood", slog.Any("err", err))
			return
		}
		pic, err := a.Helix.ProfilePicByID(ctx, n.UserID)
		if err != nil {
			slog.Warn("profile pic lookup failed", slog.String("user", n.UserID), slog.Any("err", err))
		}
		a.Bus.Publish(events.NewFollow(events.Follow{
			Username:   n.UserName,
			ProfilePic: pic,
			Source:     config.PlatformTwitch,
		}))
		telemetry.CountEvent(config.PlatformTwitch, "follow")
	case "channel.chat.message_delete":
		var n chatNotification
		if err := json.Unmarshal(raw, &n); err != nil {
			slog.Warn("delete notification not understood", slog.Any("err", err))
			return
		}
		a.Bus.Publish(events.NewDelete(events.MessageDelete{ID: n.MessageID, Source: config.PlatformTwitch}))
		telemetry.CountEvent(config.PlatformTwitch, "delete")
	default:
		slog.Warn("eventsub unknown subscription type", slog.String("type", subType))
	}
}
