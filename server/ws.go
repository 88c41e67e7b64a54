package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kremstream/overlayd/broadcast"
	"github.com/kremstream/overlayd/db"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Overlays and the control panel are local tools, not a public surface.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// controlMessage is the inbound control frame: {type, data:{subType, ...}}.
type controlMessage struct {
	Type string `json:"type"`
	Data struct {
		SubType   string      `json:"subType"`
		SceneName string      `json:"sceneName"`
		Duration  int         `json:"duration"`
		MMR       json.Number `json:"mmr"`
	} `json:"data"`
}

// HandleWS upgrades the connection, registers it as a broadcast sink, and
// dispatches inbound control messages until the client disconnects.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.Any("err", err))
		return
	}

	sink := broadcast.NewWSSink(conn)
	h.bcast.Add(sink)
	defer h.bcast.Remove(sink)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg controlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.Warn("control message not understood", slog.Any("err", err))
			continue
		}
		h.dispatchControl(r.Context(), msg)
	}
}

func (h *Handlers) dispatchControl(ctx context.Context, msg controlMessage) {
	switch msg.Type {
	case "overlay":
		h.handleOverlayControl(ctx, msg)
	case "obs":
		h.handleOBSControl(ctx, msg)
	case "vnyan":
		h.handleVNyanControl(ctx, msg)
	default:
		slog.Warn("unknown control message type", slog.String("type", msg.Type))
	}
}

func (h *Handlers) handleOverlayControl(ctx context.Context, msg controlMessage) {
	switch msg.Data.SubType {
	case "darkMode":
		h.bcast.Broadcast(broadcast.Envelope{Type: "toggleDarkMode"})
	case "widescreen":
		h.bcast.Broadcast(broadcast.Envelope{Type: "toggleWidescreen"})
	case "pause":
		h.bcast.Broadcast(broadcast.Envelope{Type: "togglePause"})
		// Freeze the OBS output just after the overlay visibly pauses.
		time.AfterFunc(100*time.Millisecond, func() {
			if err := h.obs.ToggleFilterEnabled(context.Background(), "Freeze"); err != nil {
				slog.Warn("obs freeze toggle failed", slog.Any("err", err))
			}
		})
	case "mmr":
		mmr := msg.Data.MMR.String()
		if _, err := strconv.Atoi(mmr); err != nil {
			slog.Warn("mmr control message with non-numeric value", slog.String("mmr", mmr))
			return
		}
		if err := db.SetKV(ctx, h.db, "mmr", mmr); err != nil {
			slog.Warn("mmr save failed", slog.Any("err", err))
		}
		h.bcast.Broadcast(broadcast.Envelope{Type: "mmr", Data: msg.Data.MMR})
	default:
		slog.Warn("unknown overlay control subType", slog.String("subType", msg.Data.SubType))
	}
}

func (h *Handlers) handleOBSControl(ctx context.Context, msg controlMessage) {
	switch msg.Data.SubType {
	case "scene":
		if err := h.obs.SetCurrentProgramScene(ctx, msg.Data.SceneName); err != nil {
			slog.Warn("obs scene switch failed", slog.String("scene", msg.Data.SceneName), slog.Any("err", err))
		}
	case "jojo":
		time.AfterFunc(100*time.Millisecond, func() {
			ctx := context.Background()
			for _, filter := range []string{"CRT", "VHS", "Freeze"} {
				if err := h.obs.ToggleFilterEnabled(ctx, filter); err != nil {
					slog.Warn("obs filter toggle failed", slog.String("filter", filter), slog.Any("err", err))
				}
			}
			for _, source := range []string{"TEXT VHS End", "TEXT VHS Extra"} {
				if err := h.obs.EnableSource(ctx, "Talk Grouped", source); err != nil {
					slog.Warn("obs source enable failed", slog.String("source", source), slog.Any("err", err))
				}
			}
		})
	case "freeze":
		if err := h.obs.ToggleFilterEnabled(ctx, "Freeze"); err != nil {
			slog.Warn("obs freeze toggle failed", slog.Any("err", err))
			return
		}
		duration := time.Duration(msg.Data.Duration) * time.Millisecond
		time.AfterFunc(duration, func() {
			if err := h.obs.ToggleFilterEnabled(context.Background(), "Freeze"); err != nil {
				slog.Warn("obs freeze untoggle failed", slog.Any("err", err))
			}
		})
	default:
		slog.Warn("unknown obs control subType", slog.String("subType", msg.Data.SubType))
	}
}

func (h *Handlers) handleVNyanControl(ctx context.Context, msg controlMessage) {
	switch msg.Data.SubType {
	case "reset":
		if err := h.vnyan.Send(ctx, "reset"); err != nil {
			slog.Warn("vnyan send failed", slog.Any("err", err))
		}
	default:
		slog.Warn("unknown vnyan control subType", slog.String("subType", msg.Data.SubType))
	}
}
