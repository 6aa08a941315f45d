package gemini

import "github.com/murmur-ai/voice-gateway/internal/tools"

// Wire shapes for the Live API websocket protocol
// (BidiGenerateContent). Field names follow the upstream JSON exactly.

type setupMessage struct {
	Setup setupPayload `json:"setup"`
}

type setupPayload struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	Tools                    []toolBlock      `json:"tools,omitempty"`
	InputAudioTranscription  struct{}         `json:"inputAudioTranscription"`
	OutputAudioTranscription struct{}         `json:"outputAudioTranscription"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities"`
}

type toolBlock struct {
	FunctionDeclarations []tools.Declaration `json:"functionDeclarations"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text         string        `json:"text,omitempty"`
	InlineData   *inlineData   `json:"inlineData,omitempty"`
	FunctionCall *FunctionCall `json:"functionCall,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []FunctionResponse `json:"functionResponses"`
}

// FunctionResponse is one entry of the batched tool-response message sent
// back upstream after executing the calls in an event.
type FunctionResponse struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Response any    `json:"response"`
}

type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
	ToolCall      *toolCallBlock `json:"toolCall,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCallBlock struct {
	FunctionCalls []FunctionCall `json:"functionCalls"`
}

// FunctionCall is a tool invocation raised by the upstream model. ID may be
// empty; the adapter then synthesizes one.
type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Transcript is one transcription fragment in the relay vocabulary.
type Transcript struct {
	Text string
}

// AudioChunk is inline model audio in the relay vocabulary.
type AudioChunk struct {
	Data     string
	MimeType string
}

// Event is an upstream event translated into the relay's internal
// vocabulary. A single event may carry any combination of fields.
type Event struct {
	FunctionCalls []FunctionCall
	Audio         *AudioChunk
	Input         *Transcript
	Output        *Transcript
	TurnComplete  bool
	Interrupted   bool
}

// Empty reports whether the event carries nothing the relay acts on.
func (e Event) Empty() bool {
	return len(e.FunctionCalls) == 0 &&
		e.Audio == nil &&
		e.Input == nil &&
		e.Output == nil &&
		!e.TurnComplete &&
		!e.Interrupted
}

func translate(msg serverMessage) Event {
	var ev Event
	if msg.ToolCall != nil {
		ev.FunctionCalls = msg.ToolCall.FunctionCalls
	}
	sc := msg.ServerContent
	if sc == nil {
		return ev
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.FunctionCall != nil {
				ev.FunctionCalls = append(ev.FunctionCalls, *p.FunctionCall)
			}
			if p.InlineData != nil && ev.Audio == nil {
				ev.Audio = &AudioChunk{Data: p.InlineData.Data, MimeType: p.InlineData.MimeType}
			}
		}
	}
	if sc.InputTranscription != nil {
		ev.Input = &Transcript{Text: sc.InputTranscription.Text}
	}
	if sc.OutputTranscription != nil {
		ev.Output = &Transcript{Text: sc.OutputTranscription.Text}
	}
	ev.TurnComplete = sc.TurnComplete
	ev.Interrupted = sc.Interrupted
	return ev
}
