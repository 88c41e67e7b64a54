// Package obs implements the obs-websocket v5 protocol subset the control
// panel uses: scene switching, filter toggling, and scene-item enabling.
package obs

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// obs-websocket opcodes.
const (
	opHello        = 0
	opIdentify     = 1
	opIdentified   = 2
	opRequest      = 6
	opResponse     = 7
	requestTimeout = 10 * time.Second
)

// ErrNotConnected is returned when a request is issued before Connect
// succeeded or after the connection dropped.
var ErrNotConnected = errors.New("obs websocket not connected")

type frame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type helloData struct {
	Authentication *struct {
		Challenge string `json:"challenge"`
		Salt      string `json:"salt"`
	} `json:"authentication"`
}

type responseData struct {
	RequestID     string `json:"requestId"`
	RequestStatus struct {
		Result  bool   `json:"result"`
		Comment string `json:"comment"`
	} `json:"requestStatus"`
	ResponseData json.RawMessage `json:"responseData"`
}

// Client is a request/response obs-websocket client. Responses are matched to
// requests by opaque request id; the read loop runs on its own goroutine.
type Client struct {
	URL      string
	Password string

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[string]chan responseData
	connected bool
}

func NewClient(url, password string) *Client {
	return &Client{URL: url, Password: password, pending: make(map[string]chan responseData)}
}

// Connect dials OBS and completes the Hello/Identify handshake, including the
// SHA-256 challenge auth when OBS has a password set.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return fmt.Errorf("obs dial: %w", err)
	}

	var hello frame
	if err := conn.ReadJSON(&hello); err != nil {
		_ = conn.Close()
		return fmt.Errorf("obs hello: %w", err)
	}
	if hello.Op != opHello {
		_ = conn.Close()
		return fmt.Errorf("obs handshake: expected hello, got op %d", hello.Op)
	}
	var hd helloData
	if err := json.Unmarshal(hello.D, &hd); err != nil {
		_ = conn.Close()
		return fmt.Errorf("obs hello payload: %w", err)
	}

	identify := map[string]any{"rpcVersion": 1}
	if hd.Authentication != nil && c.Password != "" {
		identify["authentication"] = computeAuth(c.Password, hd.Authentication.Challenge, hd.Authentication.Salt)
	}
	if err := conn.WriteJSON(map[string]any{"op": opIdentify, "d": identify}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("obs identify: %w", err)
	}

	var identified frame
	if err := conn.ReadJSON(&identified); err != nil {
		_ = conn.Close()
		return fmt.Errorf("obs identified: %w", err)
	}
	if identified.Op != opIdentified {
		_ = conn.Close()
		return fmt.Errorf("obs handshake: expected identified, got op %d", identified.Op)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(conn)
	slog.Info("obs connected", slog.String("url", c.URL))
	return nil
}

// computeAuth derives the obs-websocket auth string:
// base64(sha256(base64(sha256(password+salt)) + challenge)).
func computeAuth(password, challenge, salt string) string {
	secretSum := sha256.Sum256([]byte(password + salt))
	secret := base64.StdEncoding.EncodeToString(secretSum[:])
	authSum := sha256.Sum256([]byte(secret + challenge))
	return base64.StdEncoding.EncodeToString(authSum[:])
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.connected = false
				c.conn = nil
			}
			pending := c.pending
			c.pending = make(map[string]chan responseData)
			c.mu.Unlock()
			for _, ch := range pending {
				close(ch)
			}
			slog.Warn("obs connection lost", slog.Any("err", err))
			return
		}
		if f.Op != opResponse {
			continue
		}
		var rd responseData
		if err := json.Unmarshal(f.D, &rd); err != nil {
			slog.Warn("obs response not understood", slog.Any("err", err))
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[rd.RequestID]
		if ok {
			delete(c.pending, rd.RequestID)
		}
		c.mu.Unlock()
		if ok {
			ch <- rd
		}
	}
}

func (c *Client) request(ctx context.Context, requestType string, data map[string]any, out any) error {
	c.mu.Lock()
	conn := c.conn
	if !c.connected || conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	requestID := uuid.NewString()
	ch := make(chan responseData, 1)
	c.pending[requestID] = ch
	c.mu.Unlock()

	payload := map[string]any{
		"op": opRequest,
		"d": map[string]any{
			"requestType": requestType,
			"requestId":   requestID,
			"requestData": data,
		},
	}
	if err := conn.WriteJSON(payload); err != nil {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return fmt.Errorf("obs %s: %w", requestType, err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return fmt.Errorf("obs %s: timeout", requestType)
	case rd, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		if !rd.RequestStatus.Result {
			return fmt.Errorf("obs %s: %s", requestType, rd.RequestStatus.Comment)
		}
		if out != nil && len(rd.ResponseData) > 0 {
			return json.Unmarshal(rd.ResponseData, out)
		}
		return nil
	}
}

// SetCurrentProgramScene switches the active OBS scene.
func (c *Client) SetCurrentProgramScene(ctx context.Context, sceneName string) error {
	return c.request(ctx, "SetCurrentProgramScene", map[string]any{"sceneName": sceneName}, nil)
}

// ToggleFilterEnabled flips a filter on the current scene's grouped source.
// The source is named "<scene> Grouped" by convention in the OBS setup.
func (c *Client) ToggleFilterEnabled(ctx context.Context, filterName string) error {
	var scene struct {
		SceneName string `json:"sceneName"`
	}
	if err := c.request(ctx, "GetCurrentProgramScene", nil, &scene); err != nil {
		return err
	}
	sourceName := scene.SceneName + " Grouped"

	var filter struct {
		FilterEnabled bool `json:"filterEnabled"`
	}
	if err := c.request(ctx, "GetSourceFilter", map[string]any{
		"sourceName": sourceName,
		"filterName": filterName,
	}, &filter); err != nil {
		return err
	}

	return c.request(ctx, "SetSourceFilterEnabled", map[string]any{
		"sourceName":    sourceName,
		"filterName":    filterName,
		"filterEnabled": !filter.FilterEnabled,
	}, nil)
}

// EnableSource enables a scene item by name within a scene.
func (c *Client) EnableSource(ctx context.Context, sceneName, sourceName string) error {
	var item struct {
		SceneItemID int `json:"sceneItemId"`
	}
	if err := c.request(ctx, "GetSceneItemId", map[string]any{
		"sceneName":  sceneName,
		"sourceName": sourceName,
	}, &item); err != nil {
		return err
	}
	return c.request(ctx, "SetSceneItemEnabled", map[string]any{
		"sceneName":        sceneName,
		"sceneItemId":      item.SceneItemID,
		"sceneItemEnabled": true,
	}, nil)
}

// Close drops the connection. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
