package youtube

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/kremstream/overlayd/config"
	"github.com/kremstream/overlayd/events"
	"github.com/kremstream/overlayd/integration"
	"github.com/kremstream/overlayd/telemetry"
	"github.com/kremstream/overlayd/tokens"
)

// ErrNoActiveChat is returned by Start when the authenticated channel has no
// live broadcast with an attached chat.
var ErrNoActiveChat = errors.New("no active live chat")

const (
	defaultPollInterval = 2 * time.Second
	errorCooldown       = 5 * time.Second
)

// Adapter polls the YouTube liveChat/messages endpoint and publishes
// normalized chat and delete events. The API replays recent messages on most
// pages, so ids seen during this adapter's lifetime are dropped.
type Adapter struct {
	Store *tokens.Store
	OAuth *OAuth
	Bus   *events.Bus

	mu     sync.Mutex
	active bool
	cancel context.CancelFunc
}

func (a *Adapter) Name() string { return config.PlatformYouTube }

func (a *Adapter) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Start resolves the active broadcast's live chat id and launches the polling
// loop. It fails with integration.ErrNoCredentials when no usable token is
// stored and ErrNoActiveChat when the channel is not live.
func (a *Adapter) Start(ctx context.Context) error {
	rec, err := a.Store.Load(ctx, config.PlatformYouTube)
	if err != nil {
		return err
	}
	if !tokens.Valid(rec, time.Now()) {
		return integration.ErrNoCredentials
	}

	runCtx, cancel := context.WithCancel(ctx)
	svc, err := yt.NewService(runCtx, option.WithTokenSource(a.OAuth.tokenSource(runCtx, rec)))
	if err != nil {
		cancel()
		return err
	}

	chatID, err := liveChatID(svc)
	if err != nil {
		cancel()
		return err
	}

	a.mu.Lock()
	if a.active {
		a.mu.Unlock()
		cancel()
		return nil
	}
	a.active = true
	a.cancel = cancel
	a.mu.Unlock()

	go a.poll(runCtx, svc, chatID)
	slog.Info("youtube integration started", slog.String("liveChatId", chatID))
	return nil
}

// Stop ends the polling loop. Idempotent.
func (a *Adapter) Stop() error {
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
	slog.Info("youtube integration stopped")
	return nil
}

func liveChatID(svc *yt.Service) (string, error) {
	resp, err := svc.LiveBroadcasts.List([]string{"snippet"}).Mine(true).Do()
	if err != nil {
		return "", err
	}
	for _, item := range resp.Items {
		if item.Snippet != nil && item.Snippet.LiveChatId != "" {
			return item.Snippet.LiveChatId, nil
		}
	}
	return "", ErrNoActiveChat
}

func (a *Adapter) poll(ctx context.Context, svc *yt.Service, chatID string) {
	seen := make(map[string]struct{})
	pageToken := ""
	for {
		if ctx.Err() != nil {
			return
		}

		call := svc.LiveChatMessages.List(chatID, []string{"snippet", "authorDetails"}).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("youtube chat poll failed", slog.Any("err", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorCooldown):
			}
			continue
		}
		pageToken = resp.NextPageToken
		a.processItems(resp.Items, seen)

		wait := defaultPollInterval
		if resp.PollingIntervalMillis > 0 {
			wait = time.Duration(resp.PollingIntervalMillis) * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// processItems normalizes one page of live chat messages. The API frequently
// replays recent messages across pages; ids already in seen are skipped.
func (a *Adapter) processItems(items []*yt.LiveChatMessage, seen map[string]struct{}) {
	for _, item := range items {
		if item.Snippet == nil {
			continue
		}
		switch item.Snippet.Type {
		case "textMessageEvent":
			if _, dup := seen[item.Id]; dup {
				continue
			}
			seen[item.Id] = struct{}{}
			msg := events.ChatMessage{
				ID:     item.Id,
				Text:   item.Snippet.DisplayMessage,
				Source: config.PlatformYouTube,
			}
			if item.AuthorDetails != nil {
				msg.Username = item.AuthorDetails.DisplayName
				msg.ProfilePic = item.AuthorDetails.ProfileImageUrl
			}
			a.Bus.Publish(events.NewChat(msg))
			telemetry.CountEvent(config.PlatformYouTube, "chat")
		case "messageDeletedEvent":
			a.Bus.Publish(events.NewDelete(events.MessageDelete{ID: item.Id, Source: config.PlatformYouTube}))
			telemetry.CountEvent(config.PlatformYouTube, "delete")
		}
	}
}
