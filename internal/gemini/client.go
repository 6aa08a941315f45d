package gemini

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultEndpoint = "wss://generativelanguage.googleapis.com"
	livePath        = "/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	setupTimeout = 20 * time.Second
)

// Conn owns one upstream Live API connection for one session. Writes are
// serialized through a mutex; Close is idempotent.
type Conn struct {
	sessionID string
	logger    *zap.Logger
	conn      *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func dialLive(ctx context.Context, cfg Config, sessionID string, manifest []toolBlock, logger *zap.Logger) (*Conn, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	target, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	target.Path = livePath
	query := url.Values{}
	query.Set("key", cfg.APIKey)
	target.RawQuery = query.Encode()

	dialer := websocket.Dialer{}
	wsConn, _, err := dialer.DialContext(ctx, target.String(), http.Header{})
	if err != nil {
		return nil, err
	}

	c := &Conn{
		sessionID: sessionID,
		logger:    logger,
		conn:      wsConn,
		closed:    make(chan struct{}),
	}

	setup := setupMessage{
		Setup: setupPayload{
			Model:            cfg.Model,
			GenerationConfig: generationConfig{ResponseModalities: []string{"AUDIO"}},
			SystemInstruction: &content{
				Parts: []part{{Text: cfg.SystemInstruction}},
			},
			Tools: manifest,
		},
	}
	if err := c.sendJSON(setup); err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := c.awaitSetupComplete(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// awaitSetupComplete blocks until the upstream acknowledges the session
// configuration. Anything else before the ack is a protocol error.
func (c *Conn) awaitSetupComplete() error {
	if err := c.conn.SetReadDeadline(time.Now().Add(setupTimeout)); err != nil {
		return err
	}
	var msg serverMessage
	if err := c.conn.ReadJSON(&msg); err != nil {
		return err
	}
	if msg.SetupComplete == nil {
		return errors.New("gemini: expected setupComplete as first server message")
	}
	return c.conn.SetReadDeadline(time.Time{})
}

// SendAudio forwards one base64 media chunk upstream. No buffering or
// resampling happens here; the payload is already in the wire format
// negotiated at connect time.
func (c *Conn) SendAudio(ctx context.Context, data string, mimeType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{MimeType: mimeType, Data: data}},
		},
	}
	return c.sendJSON(msg)
}

func (c *Conn) sendToolResponse(responses []FunctionResponse) error {
	msg := toolResponseMessage{
		ToolResponse: toolResponse{FunctionResponses: responses},
	}
	return c.sendJSON(msg)
}

func (c *Conn) sendJSON(payload any) error {
	select {
	case <-c.closed:
		return errors.New("gemini: connection closed")
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(payload)
}

// Close shuts the upstream connection. Safe to call from any goroutine any
// number of times.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
	return nil
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// readLoop forwards upstream events until the connection drops. onToolCalls
// runs before onEvent for the same message, mirroring the order tool calls
// are serviced relative to relaying.
func (c *Conn) readLoop(onEvent func(Event), onError func(error), onToolCalls func(*Conn, []FunctionCall), onExit func(*Conn)) {
	defer onExit(c)
	for {
		var msg serverMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if !c.isClosed() {
				c.logger.Warn("gemini connection lost",
					zap.String("session_id", c.sessionID),
					zap.Error(err),
				)
				onError(err)
			}
			return
		}
		if msg.SetupComplete != nil {
			continue
		}
		ev := translate(msg)
		if len(ev.FunctionCalls) > 0 {
			onToolCalls(c, ev.FunctionCalls)
		}
		if !ev.Empty() {
			onEvent(ev)
		}
	}
}
