package twitch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	irc "github.com/gempir/go-twitch-irc/v4"

	"github.com/kremstream/overlayd/config"
	"github.com/kremstream/overlayd/events"
	"github.com/kremstream/overlayd/telemetry"
)

// IRCAdapter is the anonymous IRC chat source, selectable with
// TWITCH_CHAT_TRANSPORT=irc. It needs no OAuth credential and only produces
// chat and delete events; follows require EventSub.
type IRCAdapter struct {
	Channel string
	Helix   *HelixClient
	Bus     *events.Bus

	mu     sync.Mutex
	active bool
	client *irc.Client
}

func (a *IRCAdapter) Name() string { return config.PlatformTwitch }

func (a *IRCAdapter) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *IRCAdapter) Start(ctx context.Context) error {
	if a.Channel == "" {
		return errors.New("twitch channel not configured")
	}

	a.mu.Lock()
	if a.active {
		a.mu.Unlock()
		return nil
	}
	client := irc.NewAnonymousClient()
	a.client = client
	a.active = true
	a.mu.Unlock()

	client.OnPrivateMessage(func(msg irc.PrivateMessage) {
		color := msg.User.Color
		if color == "" {
			color = events.DefaultChatColor
		}
		pic := ""
		if a.Helix != nil {
			var err error
			pic, err = a.Helix.ProfilePicByLogin(ctx, msg.User.Name)
			if err != nil {
				slog.Warn("profile pic lookup failed", slog.String("login", msg.User.Name), slog.Any("err", err))
			}
		}
		a.Bus.Publish(events.NewChat(events.ChatMessage{
			ID:         msg.ID,
			Text:       msg.Message,
			Username:   msg.User.DisplayName,
			Color:      color,
			ProfilePic: pic,
			Source:     config.PlatformTwitch,
		}))
		telemetry.CountEvent(config.PlatformTwitch, "chat")
	})
	client.OnClearMessage(func(msg irc.ClearMessage) {
		a.Bus.Publish(events.NewDelete(events.MessageDelete{ID: msg.TargetMsgID, Source: config.PlatformTwitch}))
		telemetry.CountEvent(config.PlatformTwitch, "delete")
	})

	client.Join(a.Channel)
	go func() {
		<-ctx.Done()
		_ = a.Stop()
	}()
	go func() {
		if err := client.Connect(); err != nil && ctx.Err() == nil {
			slog.Error("twitch irc connect error", slog.Any("err", err))
			_ = a.Stop()
		}
	}()
	slog.Info("twitch irc integration started", slog.String("channel", a.Channel))
	return nil
}

func (a *IRCAdapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.active {
		return nil
	}
	a.active = false
	client := a.client
	a.client = nil
	if client != nil {
		if err := client.Disconnect(); err != nil {
			slog.Warn("twitch irc disconnect", slog.Any("err", err))
		}
	}
	slog.Info("twitch irc integration stopped")
	return nil
}
