package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/murmur-ai/voice-gateway/internal/gemini"
	"github.com/murmur-ai/voice-gateway/internal/protocol"
	"github.com/murmur-ai/voice-gateway/internal/session"
)

type fakeUpstream struct {
	mu       sync.Mutex
	openErr  error
	audioErr error
	opens    int
	closes   int
	audio    []string
	onEvent  func(gemini.Event)
	onError  func(error)
}

func (f *fakeUpstream) Open(_ context.Context, _ string, onEvent func(gemini.Event), onError func(error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opens++
	f.onEvent = onEvent
	f.onError = onError
	return nil
}

func (f *fakeUpstream) SendAudio(_ context.Context, _ string, data string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.audioErr != nil {
		return f.audioErr
	}
	f.audio = append(f.audio, data)
	return nil
}

func (f *fakeUpstream) Close(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeUpstream) pushEvent(ev gemini.Event) {
	f.mu.Lock()
	fn := f.onEvent
	f.mu.Unlock()
	fn(ev)
}

type wireFrame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	SessionID string          `json:"sessionId"`
}

func newRelayFixture(t *testing.T) (*session.Registry, *fakeUpstream, string) {
	t.Helper()
	sessions := session.NewRegistry(zap.NewNop(), time.Minute, time.Minute, 50)
	t.Cleanup(sessions.Close)

	fake := &fakeUpstream{}
	handler := NewHandler(zap.NewNop(), sessions, fake)
	srv := httptest.NewServer(http.HandlerFunc(handler.Handle))
	t.Cleanup(srv.Close)

	return sessions, fake, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialRelay(t *testing.T, url string, sessionID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"?sessionId="+sessionID, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame wireFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func expectFrame(t *testing.T, conn *websocket.Conn, wantType string) wireFrame {
	t.Helper()
	frame := readFrame(t, conn)
	if frame.Type != wantType {
		t.Fatalf("frame type=%q, want %q", frame.Type, wantType)
	}
	return frame
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame protocol.ClientFrame) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func expectStatus(t *testing.T, conn *websocket.Conn, wantState string) {
	t.Helper()
	frame := expectFrame(t, conn, protocol.TypeStatus)
	var payload protocol.StatusPayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if payload.State != wantState {
		t.Fatalf("state=%q, want %q", payload.State, wantState)
	}
}

func TestRefuseUnknownSession(t *testing.T) {
	_, _, url := newRelayFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?sessionId=nope", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if err == nil {
		t.Fatal("expected close, got frame")
	}
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("err=%v, want close error", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("close code=%d, want %d", closeErr.Code, websocket.ClosePolicyViolation)
	}
}

func TestConnectLifecycle(t *testing.T) {
	sessions, fake, url := newRelayFixture(t)
	sess := sessions.Create("")

	conn := dialRelay(t, url, sess.ID)
	expectStatus(t, conn, "CONNECTING")

	sendFrame(t, conn, protocol.ClientFrame{Type: protocol.TypeConnect, SessionID: sess.ID})
	expectStatus(t, conn, "CONNECTED")

	sendFrame(t, conn, protocol.ClientFrame{Type: protocol.TypePing, SessionID: sess.ID})
	pong := expectFrame(t, conn, protocol.TypePong)
	if pong.SessionID != sess.ID {
		t.Fatalf("pong sessionId=%q, want %q", pong.SessionID, sess.ID)
	}

	sendFrame(t, conn, protocol.ClientFrame{Type: protocol.TypeDisconnect, SessionID: sess.ID})
	expectStatus(t, conn, "DISCONNECTED")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected server to close after disconnect")
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.opens != 1 {
		t.Fatalf("opens=%d, want 1", fake.opens)
	}
	if fake.closes != 1 {
		t.Fatalf("closes=%d, want 1", fake.closes)
	}
}

func TestAudioForwarded(t *testing.T) {
	sessions, fake, url := newRelayFixture(t)
	sess := sessions.Create("")

	conn := dialRelay(t, url, sess.ID)
	expectStatus(t, conn, "CONNECTING")
	sendFrame(t, conn, protocol.ClientFrame{Type: protocol.TypeConnect, SessionID: sess.ID})
	expectStatus(t, conn, "CONNECTED")

	chunk := base64.StdEncoding.EncodeToString([]byte{0x01, 0x02})
	payload, _ := json.Marshal(protocol.AudioPayload{Data: chunk, MimeType: "audio/pcm;rate=16000"})
	sendFrame(t, conn, protocol.ClientFrame{Type: protocol.TypeAudio, Data: payload, SessionID: sess.ID})

	sendFrame(t, conn, protocol.ClientFrame{Type: protocol.TypePing, SessionID: sess.ID})
	expectFrame(t, conn, protocol.TypePong)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.audio) != 1 || fake.audio[0] != chunk {
		t.Fatalf("audio=%v, want one chunk %q", fake.audio, chunk)
	}
}

func TestAudioBeforeConnectDroppedSilently(t *testing.T) {
	sessions, fake, url := newRelayFixture(t)
	sess := sessions.Create("")
	fake.audioErr = gemini.ErrNotConnected

	conn := dialRelay(t, url, sess.ID)
	expectStatus(t, conn, "CONNECTING")

	payload, _ := json.Marshal(protocol.AudioPayload{Data: "aGk=", MimeType: "audio/pcm;rate=16000"})
	sendFrame(t, conn, protocol.ClientFrame{Type: protocol.TypeAudio, Data: payload, SessionID: sess.ID})

	// No error frame: the next frame after a dropped chunk is the pong.
	sendFrame(t, conn, protocol.ClientFrame{Type: protocol.TypePing, SessionID: sess.ID})
	expectFrame(t, conn, protocol.TypePong)
}

func TestInvalidAudioRejected(t *testing.T) {
	sessions, _, url := newRelayFixture(t)
	sess := sessions.Create("")

	conn := dialRelay(t, url, sess.ID)
	expectStatus(t, conn, "CONNECTING")

	payload, _ := json.Marshal(protocol.AudioPayload{Data: "", MimeType: "audio/pcm;rate=16000"})
	sendFrame(t, conn, protocol.ClientFrame{Type: protocol.TypeAudio, Data: payload, SessionID: sess.ID})

	frame := expectFrame(t, conn, protocol.TypeError)
	var errPayload protocol.ErrorPayload
	if err := json.Unmarshal(frame.Data, &errPayload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if errPayload.Message != "invalid audio data format" {
		t.Fatalf("message=%q, want invalid audio data format", errPayload.Message)
	}
}

func TestConnectFailureIsRetryable(t *testing.T) {
	sessions, fake, url := newRelayFixture(t)
	sess := sessions.Create("")
	fake.openErr = errors.New("upstream unreachable")

	conn := dialRelay(t, url, sess.ID)
	expectStatus(t, conn, "CONNECTING")

	sendFrame(t, conn, protocol.ClientFrame{Type: protocol.TypeConnect, SessionID: sess.ID})
	expectStatus(t, conn, "ERROR")

	fake.mu.Lock()
	fake.openErr = nil
	fake.mu.Unlock()

	sendFrame(t, conn, protocol.ClientFrame{Type: protocol.TypeConnect, SessionID: sess.ID})
	expectStatus(t, conn, "CONNECTED")
}

func TestUpstreamEventTranslation(t *testing.T) {
	sessions, fake, url := newRelayFixture(t)
	sess := sessions.Create("")

	conn := dialRelay(t, url, sess.ID)
	expectStatus(t, conn, "CONNECTING")
	sendFrame(t, conn, protocol.ClientFrame{Type: protocol.TypeConnect, SessionID: sess.ID})
	expectStatus(t, conn, "CONNECTED")

	fake.pushEvent(gemini.Event{
		FunctionCalls: []gemini.FunctionCall{{Name: "get_weather", Args: map[string]any{"location": "Kyoto"}}},
		Audio:         &gemini.AudioChunk{Data: "cGNt", MimeType: "audio/pcm;rate=24000"},
		Input:         &gemini.Transcript{Text: "what is the weather"},
		Output:        &gemini.Transcript{Text: "Checking the weather"},
	})

	call := expectFrame(t, conn, protocol.TypeFunctionCall)
	var callPayload protocol.FunctionCallPayload
	if err := json.Unmarshal(call.Data, &callPayload); err != nil {
		t.Fatalf("decode function call: %v", err)
	}
	if callPayload.Name != "get_weather" {
		t.Fatalf("name=%q, want get_weather", callPayload.Name)
	}
	if callPayload.CallID == "" {
		t.Fatal("callId empty, want synthesized id")
	}

	audioFrame := expectFrame(t, conn, protocol.TypeAudio)
	var audioPayload protocol.AudioPayload
	if err := json.Unmarshal(audioFrame.Data, &audioPayload); err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	if audioPayload.Data != "cGNt" {
		t.Fatalf("audio data=%q, want cGNt", audioPayload.Data)
	}
	if audioPayload.MimeType != "audio/pcm;rate=24000" {
		t.Fatalf("mimeType=%q, want audio/pcm;rate=24000", audioPayload.MimeType)
	}

	input := expectFrame(t, conn, protocol.TypeTranscription)
	var inPayload protocol.TranscriptionPayload
	if err := json.Unmarshal(input.Data, &inPayload); err != nil {
		t.Fatalf("decode transcription: %v", err)
	}
	if !inPayload.IsUser || inPayload.IsFinal || inPayload.Text != "what is the weather" {
		t.Fatalf("input transcription=%+v", inPayload)
	}

	output := expectFrame(t, conn, protocol.TypeTranscription)
	var outPayload protocol.TranscriptionPayload
	if err := json.Unmarshal(output.Data, &outPayload); err != nil {
		t.Fatalf("decode transcription: %v", err)
	}
	if outPayload.IsUser || outPayload.Text != "Checking the weather" {
		t.Fatalf("output transcription=%+v", outPayload)
	}
}

func TestTurnCompleteFlushesMemory(t *testing.T) {
	sessions, fake, url := newRelayFixture(t)
	sess := sessions.Create("")

	conn := dialRelay(t, url, sess.ID)
	expectStatus(t, conn, "CONNECTING")
	sendFrame(t, conn, protocol.ClientFrame{Type: protocol.TypeConnect, SessionID: sess.ID})
	expectStatus(t, conn, "CONNECTED")

	fake.pushEvent(gemini.Event{Input: &gemini.Transcript{Text: "hello "}})
	fake.pushEvent(gemini.Event{Input: &gemini.Transcript{Text: "there"}})
	fake.pushEvent(gemini.Event{Output: &gemini.Transcript{Text: "hi back"}})
	fake.pushEvent(gemini.Event{TurnComplete: true})

	for i := 0; i < 3; i++ {
		expectFrame(t, conn, protocol.TypeTranscription)
	}
	userFinal := expectFrame(t, conn, protocol.TypeTranscription)
	var finalPayload protocol.TranscriptionPayload
	if err := json.Unmarshal(userFinal.Data, &finalPayload); err != nil {
		t.Fatalf("decode final marker: %v", err)
	}
	if !finalPayload.IsFinal || !finalPayload.IsUser {
		t.Fatalf("first final marker=%+v, want user final", finalPayload)
	}
	modelFinal := expectFrame(t, conn, protocol.TypeTranscription)
	if err := json.Unmarshal(modelFinal.Data, &finalPayload); err != nil {
		t.Fatalf("decode final marker: %v", err)
	}
	if !finalPayload.IsFinal || finalPayload.IsUser {
		t.Fatalf("second final marker=%+v, want model final", finalPayload)
	}

	got, ok := sessions.Get(sess.ID)
	if !ok {
		t.Fatal("session missing after turn")
	}
	if len(got.Memory) != 2 {
		t.Fatalf("memory length=%d, want 2", len(got.Memory))
	}
	if got.Memory[0].Role != "user" || got.Memory[0].Content != "hello there" {
		t.Fatalf("memory[0]=%+v", got.Memory[0])
	}
	if got.Memory[1].Role != "assistant" || got.Memory[1].Content != "hi back" {
		t.Fatalf("memory[1]=%+v", got.Memory[1])
	}
}

func TestInterruptFrame(t *testing.T) {
	sessions, fake, url := newRelayFixture(t)
	sess := sessions.Create("")

	conn := dialRelay(t, url, sess.ID)
	expectStatus(t, conn, "CONNECTING")
	sendFrame(t, conn, protocol.ClientFrame{Type: protocol.TypeConnect, SessionID: sess.ID})
	expectStatus(t, conn, "CONNECTED")

	fake.pushEvent(gemini.Event{Interrupted: true})

	frame := expectFrame(t, conn, protocol.TypeAudio)
	var payload protocol.AudioPayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	if !payload.Interrupt {
		t.Fatal("interrupt=false, want true")
	}
	if payload.Data != "" {
		t.Fatalf("data=%q, want empty", payload.Data)
	}
}

func TestUnknownFrameTolerated(t *testing.T) {
	sessions, _, url := newRelayFixture(t)
	sess := sessions.Create("")

	conn := dialRelay(t, url, sess.ID)
	expectStatus(t, conn, "CONNECTING")

	sendFrame(t, conn, protocol.ClientFrame{Type: "telemetry", SessionID: sess.ID})
	sendFrame(t, conn, protocol.ClientFrame{Type: protocol.TypePing, SessionID: sess.ID})
	expectFrame(t, conn, protocol.TypePong)
}
