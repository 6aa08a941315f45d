package gemini

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/murmur-ai/voice-gateway/internal/session"
	"github.com/murmur-ai/voice-gateway/internal/tools"
)

// ErrNotConnected reports a send against a session that is absent or has no
// live upstream handle.
var ErrNotConnected = errors.New("session not found or not connected")

// DefaultModel is the Live API model spoken to when the config names none.
const DefaultModel = "models/gemini-2.5-flash-native-audio-preview-09-2025"

// DefaultSystemInstruction directs the model to reach for tools instead of
// answering unaided, and to follow the input language.
const DefaultSystemInstruction = `You are a helpful AI voice assistant with access to various tools and APIs.

You have access to function calling tools. When a user asks about weather, analytics or data queries, searching for information, or external API calls, you MUST use the matching function instead of answering without one. Always explain what you're doing when calling functions.

Mostly try to respond in English unless the user speaks in another language.`

// Config holds the upstream connection settings.
type Config struct {
	APIKey            string
	Model             string
	Endpoint          string
	SystemInstruction string
}

// Proxy opens and owns upstream Live API connections, one per session. It
// extracts tool calls from upstream events, executes them through the tool
// registry, and forwards the batched results upstream.
type Proxy struct {
	cfg      Config
	logger   *zap.Logger
	sessions *session.Registry
	tools    *tools.Registry
}

// NewProxy creates a proxy. Missing model or system instruction fall back to
// the defaults.
func NewProxy(cfg Config, sessions *session.Registry, toolReg *tools.Registry, logger *zap.Logger) *Proxy {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.SystemInstruction == "" {
		cfg.SystemInstruction = DefaultSystemInstruction
	}
	return &Proxy{
		cfg:      cfg,
		logger:   logger,
		sessions: sessions,
		tools:    toolReg,
	}
}

// Open establishes the upstream connection for sessionID and stores the
// handle in the session record. Fails if the registry has no such session.
func (p *Proxy) Open(ctx context.Context, sessionID string, onEvent func(Event), onError func(error)) error {
	if _, ok := p.sessions.Get(sessionID); !ok {
		return session.ErrNotFound
	}

	manifest := p.manifest()
	conn, err := dialLive(ctx, p.cfg, sessionID, manifest, p.logger)
	if err != nil {
		return err
	}

	if !p.sessions.Update(sessionID, func(s *session.Session) { s.Upstream = conn }) {
		// Session expired between the lookup and the dial.
		_ = conn.Close()
		return session.ErrNotFound
	}

	p.logger.Info("gemini session connected",
		zap.String("session_id", sessionID),
		zap.String("model", p.cfg.Model),
		zap.Int("tools", len(p.tools.ListAll())),
	)

	go conn.readLoop(onEvent, onError, p.dispatchToolCalls, p.detach)
	return nil
}

// SendAudio forwards one audio chunk to the session's live upstream handle.
func (p *Proxy) SendAudio(ctx context.Context, sessionID string, data string, mimeType string) error {
	sess, ok := p.sessions.Get(sessionID)
	if !ok || sess.Upstream == nil {
		return ErrNotConnected
	}
	return sess.Upstream.SendAudio(ctx, data, mimeType)
}

// Close tears down the session's upstream handle. Idempotent; no-op if the
// session is absent or not connected.
func (p *Proxy) Close(sessionID string) error {
	sess, ok := p.sessions.Get(sessionID)
	if !ok || sess.Upstream == nil {
		return nil
	}
	err := sess.Upstream.Close()
	p.sessions.Update(sessionID, func(s *session.Session) { s.Upstream = nil })
	p.logger.Info("gemini session closed", zap.String("session_id", sessionID))
	return err
}

func (p *Proxy) manifest() []toolBlock {
	declarations := p.tools.Manifest()
	if len(declarations) == 0 {
		return nil
	}
	return []toolBlock{{FunctionDeclarations: declarations}}
}

// dispatchToolCalls executes every call in the event and submits the batch
// back upstream as one tool-response message. It runs on its own goroutine
// so a slow tool never blocks audio relay for the session.
func (p *Proxy) dispatchToolCalls(conn *Conn, calls []FunctionCall) {
	go func() {
		ctx := context.Background()
		responses := make([]FunctionResponse, 0, len(calls))
		for _, call := range calls {
			if call.Name == "" {
				continue
			}
			callID := call.ID
			if callID == "" {
				callID = uuid.NewString()
			}
			p.logger.Info("function call",
				zap.String("session_id", conn.sessionID),
				zap.String("tool", call.Name),
				zap.String("call_id", callID),
			)

			outcome := p.tools.Execute(ctx, call.Name, call.Args)
			response := outcome.Result
			if outcome.Failed() {
				response = map[string]any{"error": outcome.Error}
			}
			responses = append(responses, FunctionResponse{
				ID:       callID,
				Name:     call.Name,
				Response: response,
			})
		}
		if len(responses) == 0 {
			return
		}
		if err := conn.sendToolResponse(responses); err != nil {
			p.logger.Warn("tool response send failed",
				zap.String("session_id", conn.sessionID),
				zap.Error(err),
			)
		}
	}()
}

// detach clears the stored handle when a read loop exits, but only if the
// record still points at this connection; a newer connect must not be
// clobbered by a stale loop winding down.
func (p *Proxy) detach(conn *Conn) {
	_ = conn.Close()
	p.sessions.Update(conn.sessionID, func(s *session.Session) {
		if s.Upstream == conn {
			s.Upstream = nil
		}
	})
}
