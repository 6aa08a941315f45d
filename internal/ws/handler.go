package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/murmur-ai/voice-gateway/internal/gemini"
	"github.com/murmur-ai/voice-gateway/internal/protocol"
	"github.com/murmur-ai/voice-gateway/internal/session"
	"github.com/murmur-ai/voice-gateway/internal/session/fsm"
	"github.com/murmur-ai/voice-gateway/pkg/audio"
)

// Upstream is the adapter surface the relay drives. Satisfied by
// gemini.Proxy; tests inject fakes.
type Upstream interface {
	Open(ctx context.Context, sessionID string, onEvent func(gemini.Event), onError func(error)) error
	SendAudio(ctx context.Context, sessionID string, data string, mimeType string) error
	Close(sessionID string) error
}

// Handler accepts downstream relay connections, one per session.
type Handler struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader
	sessions *session.Registry
	upstream Upstream
}

// NewHandler creates the relay handler.
func NewHandler(logger *zap.Logger, sessions *session.Registry, upstream Upstream) *Handler {
	return &Handler{
		logger:   logger,
		sessions: sessions,
		upstream: upstream,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// relayConn is the per-connection state. Writes to the downstream socket go
// through sendMu so frames from the client loop and the upstream callbacks
// never interleave mid-frame.
type relayConn struct {
	conn      *websocket.Conn
	sendMu    sync.Mutex
	logger    *zap.Logger
	handler   *Handler
	sessionID string
	machine   *fsm.Machine

	closeOnce sync.Once

	trMu            sync.Mutex
	userTranscript  string
	modelTranscript string
}

// Handle upgrades the downstream connection and runs the relay loop until
// the client disconnects. A connection for an unknown session is refused
// with a policy-violation close before any frame is exchanged.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if _, ok := h.sessions.Get(sessionID); sessionID == "" || !ok {
		h.logger.Info("ws connection refused", zap.String("session_id", sessionID))
		deadline := time.Now().Add(2 * time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session not found"),
			deadline)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rc := &relayConn{
		conn:      conn,
		logger:    h.logger,
		handler:   h,
		sessionID: sessionID,
		machine:   fsm.New(),
	}

	h.logger.Info("ws session opened", zap.String("session_id", sessionID))
	rc.machine.OnOpen()
	rc.sendStatus(fsm.StateConnecting)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			rc.logger.Debug("ws connection closed",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
			break
		}
		var frame protocol.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			rc.sendError("invalid message format")
			continue
		}
		rc.handleFrame(ctx, frame)
		if rc.machine.Terminal() {
			break
		}
	}

	rc.teardown()
	h.logger.Info("ws session closed", zap.String("session_id", sessionID))
}

func (rc *relayConn) handleFrame(ctx context.Context, frame protocol.ClientFrame) {
	switch frame.Type {
	case protocol.TypeConnect:
		rc.handleConnect(ctx)
	case protocol.TypeAudio:
		rc.handleAudio(ctx, frame.Data)
	case protocol.TypeDisconnect:
		rc.teardown()
	case protocol.TypePing:
		rc.sendFrame(protocol.ServerFrame{Type: protocol.TypePong, SessionID: rc.sessionID})
	default:
		// Unknown frame types are tolerated for forward compatibility.
		rc.logger.Debug("ws unknown frame type",
			zap.String("session_id", rc.sessionID),
			zap.String("type", frame.Type),
		)
	}
}

func (rc *relayConn) handleConnect(ctx context.Context) {
	err := rc.handler.upstream.Open(ctx, rc.sessionID, rc.handleUpstreamEvent, rc.handleUpstreamError)
	if err != nil {
		rc.logger.Warn("upstream connect failed",
			zap.String("session_id", rc.sessionID),
			zap.Error(err),
		)
		if errors.Is(err, session.ErrNotFound) {
			rc.sendError("session not found")
			return
		}
		// Connection stays usable; the client may retry connect.
		rc.machine.OnUpstreamError()
		rc.sendStatus(fsm.StateError)
		return
	}
	rc.machine.OnUpstreamConnected()
	rc.sendStatus(fsm.StateConnected)
}

func (rc *relayConn) handleAudio(ctx context.Context, raw json.RawMessage) {
	var payload protocol.AudioPayload
	if err := json.Unmarshal(raw, &payload); err != nil || !audio.ValidPayload(payload.Data, payload.MimeType) {
		rc.sendError("invalid audio data format")
		return
	}
	err := rc.handler.upstream.SendAudio(ctx, rc.sessionID, payload.Data, payload.MimeType)
	if err != nil {
		// Audio captured before the connect handshake completes (or after
		// expiry) is dropped silently rather than reported.
		if errors.Is(err, gemini.ErrNotConnected) || errors.Is(err, session.ErrNotFound) {
			return
		}
		rc.logger.Warn("audio forward failed",
			zap.String("session_id", rc.sessionID),
			zap.Error(err),
		)
		rc.sendError(err.Error())
	}
}

// teardown releases the upstream handle and reports the terminal state. Safe
// against the disconnect frame racing the socket-close path; the status
// frame is sent at most once.
func (rc *relayConn) teardown() {
	rc.closeOnce.Do(func() {
		if err := rc.handler.upstream.Close(rc.sessionID); err != nil {
			rc.logger.Warn("upstream close failed",
				zap.String("session_id", rc.sessionID),
				zap.Error(err),
			)
		}
		rc.machine.OnDisconnect()
		rc.sendStatus(fsm.StateDisconnected)
	})
}

// handleUpstreamEvent translates one upstream event into client frames, in
// arrival order per session.
func (rc *relayConn) handleUpstreamEvent(ev gemini.Event) {
	for _, call := range ev.FunctionCalls {
		callID := call.ID
		if callID == "" {
			callID = uuid.NewString()
		}
		args := call.Args
		if args == nil {
			args = map[string]any{}
		}
		rc.sendFrame(protocol.ServerFrame{
			Type: protocol.TypeFunctionCall,
			Data: protocol.FunctionCallPayload{
				Name:   call.Name,
				Args:   args,
				CallID: callID,
			},
			SessionID: rc.sessionID,
		})
	}

	if ev.Audio != nil {
		rc.sendFrame(protocol.ServerFrame{
			Type: protocol.TypeAudio,
			Data: protocol.AudioPayload{
				Data:     ev.Audio.Data,
				MimeType: audio.OutputMimeType,
			},
			SessionID: rc.sessionID,
		})
	}

	if ev.Input != nil {
		rc.appendTranscript(true, ev.Input.Text)
		rc.sendTranscription(ev.Input.Text, true, false)
	}
	if ev.Output != nil {
		rc.appendTranscript(false, ev.Output.Text)
		rc.sendTranscription(ev.Output.Text, false, false)
	}

	if ev.TurnComplete {
		rc.flushTurnMemory()
		// Final markers for both roles close out the turn UI even when no
		// final fragment text arrived.
		rc.sendTranscription("", true, true)
		rc.sendTranscription("", false, true)
	}

	if ev.Interrupted {
		rc.sendFrame(protocol.ServerFrame{
			Type:      protocol.TypeAudio,
			Data:      protocol.AudioPayload{Interrupt: true},
			SessionID: rc.sessionID,
		})
	}
}

func (rc *relayConn) handleUpstreamError(err error) {
	rc.sendError(err.Error())
}

func (rc *relayConn) appendTranscript(isUser bool, text string) {
	rc.trMu.Lock()
	if isUser {
		rc.userTranscript += text
	} else {
		rc.modelTranscript += text
	}
	rc.trMu.Unlock()
}

func (rc *relayConn) flushTurnMemory() {
	rc.trMu.Lock()
	user := rc.userTranscript
	model := rc.modelTranscript
	rc.userTranscript = ""
	rc.modelTranscript = ""
	rc.trMu.Unlock()

	if user != "" {
		rc.handler.sessions.AppendMemory(rc.sessionID, "user", user)
	}
	if model != "" {
		rc.handler.sessions.AppendMemory(rc.sessionID, "assistant", model)
	}
}

func (rc *relayConn) sendTranscription(text string, isUser bool, isFinal bool) {
	rc.sendFrame(protocol.ServerFrame{
		Type: protocol.TypeTranscription,
		Data: protocol.TranscriptionPayload{
			Text:    text,
			IsUser:  isUser,
			IsFinal: isFinal,
		},
		SessionID: rc.sessionID,
	})
}

func (rc *relayConn) sendStatus(state fsm.State) {
	rc.sendFrame(protocol.ServerFrame{
		Type:      protocol.TypeStatus,
		Data:      protocol.StatusPayload{State: string(state)},
		SessionID: rc.sessionID,
	})
}

func (rc *relayConn) sendError(message string) {
	rc.sendFrame(protocol.ServerFrame{
		Type:      protocol.TypeError,
		Data:      protocol.ErrorPayload{Message: message},
		SessionID: rc.sessionID,
	})
}

func (rc *relayConn) sendFrame(frame protocol.ServerFrame) {
	rc.sendMu.Lock()
	defer rc.sendMu.Unlock()
	if err := rc.conn.WriteJSON(frame); err != nil {
		rc.logger.Debug("ws send failed",
			zap.String("session_id", rc.sessionID),
			zap.Error(err),
		)
	}
}
