// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio travels as base64-encoded PCM in both directions. Everything the server
// sends is surfaced on the session's event stream in arrival order.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/genai"

	"github.com/MrWong99/leadline/pkg/audio"
	"github.com/MrWong99/leadline/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.Session = (*session)(nil)

// ErrSessionClosed is returned by send methods after the session has closed.
var ErrSessionClosed = errors.New("gemini: session closed")

const (
	// DefaultModel is the native-audio Live model used when none is configured.
	DefaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	bidiPath       = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuffer = 64

	// Server audio chunks can be large; the default 32 KiB read limit is not
	// enough for a second of 24 kHz speech.
	readLimit = 16 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used when a SessionConfig does not name one.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithLogger sets the logger for session diagnostics. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// WithHTTPClient sets the client used for the WebSocket handshake. The
// default client traces the handshake with OpenTelemetry.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API. The API key
// is supplied per session through [s2s.SessionConfig.APIKey].
type Provider struct {
	model      string
	baseURL    string
	log        *slog.Logger
	httpClient *http.Client
}

// New creates a new Gemini Live Provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		model:      DefaultModel,
		baseURL:    defaultBaseURL,
		log:        slog.Default(),
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials Gemini Live and sends the setup message. The session reports
// [s2s.EventOpened] once the server acknowledges the setup.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Session, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: connect: missing API key")
	}
	model := cfg.Model
	if model == "" {
		model = p.model
	}

	q := url.Values{"key": {cfg.APIKey}}
	wsURL := p.baseURL + bidiPath + "?" + q.Encode()

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: p.httpClient,
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan s2s.Event, eventBuffer),
		ctx:    sessCtx,
		cancel: sessCancel,
		log:    p.log.With("model", model),
	}

	if err := sess.writeJSON(ctx, buildSetup(model, cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string                          `json:"model"`
	GenerationConfig         generationConfig                `json:"generationConfig"`
	SystemInstruction        *genai.Content                  `json:"systemInstruction,omitempty"`
	Tools                    []*genai.Tool                   `json:"tools,omitempty"`
	InputAudioTranscription  *genai.AudioTranscriptionConfig `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *genai.AudioTranscriptionConfig `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []genai.Modality    `json:"responseModalities"`
	SpeechConfig       *genai.SpeechConfig `json:"speechConfig,omitempty"`
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
	FunctionResponses []*genai.FunctionResponse `json:"functionResponses"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// Incoming frames are decoded into local types rather than genai's so that
// inline audio stays base64 text. A malformed chunk then fails one segment
// downstream instead of the whole frame here.

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	ToolCall      *toolCallMsg     `json:"toolCall,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("gemini: %s (%d %s)", msg, e.Code, e.Status)
	}
	return "gemini: " + msg
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type transcription struct {
	Text string `json:"text"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// buildSetup assembles the BidiGenerateContent setup message for cfg.
func buildSetup(model string, cfg s2s.SessionConfig) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + strings.TrimPrefix(model, "models/"),
			GenerationConfig: generationConfig{
				ResponseModalities: []genai.Modality{genai.ModalityAudio},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if len(cfg.Tools) > 0 {
		msg.Setup.Tools = []*genai.Tool{{FunctionDeclarations: cfg.Tools}}
	}

	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return msg
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan s2s.Event
	log    *slog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message. Writes are
// serialised; the returned error wraps ctx errors from either ctx or the
// session lifetime.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("gemini: write: %w", err)
	}
	return nil
}

// emit delivers ev unless the session has been closed locally.
func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// receiveLoop reads messages from the WebSocket and turns them into events.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// Closed locally: the caller is no longer listening.
			if s.ctx.Err() != nil {
				return
			}
			s.finish(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("gemini: skipping malformed server frame", "err", err, "bytes", len(data))
			continue
		}

		if msg.Error != nil {
			s.finish(msg.Error)
			return
		}
		if msg.SetupComplete != nil {
			if !s.emit(s2s.Event{Kind: s2s.EventOpened}) {
				return
			}
		}
		if m := translate(&msg); m != nil {
			if !s.emit(s2s.Event{Kind: s2s.EventMessage, Message: m}) {
				return
			}
		}
	}
}

// finish reports a remote-initiated end. A normal closure is a plain Closed;
// anything else is Errored followed by Closed.
func (s *session) finish(cause error) {
	// Cancelled after the final events are delivered, so keepaliveLoop exits.
	defer s.cancel()

	status := websocket.CloseStatus(cause)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		s.log.Debug("gemini: server closed session", "status", status)
		s.markClosed()
		s.emit(s2s.Event{Kind: s2s.EventClosed})
		return
	}

	s.log.Warn("gemini: session failed", "err", cause)
	s.markClosed()
	if !s.emit(s2s.Event{Kind: s2s.EventErrored, Err: cause}) {
		return
	}
	s.conn.Close(websocket.StatusNormalClosure, "")
	s.emit(s2s.Event{Kind: s2s.EventClosed, Err: cause})
}

// translate maps the data-bearing parts of a server frame to a Message. It
// returns nil for frames that carry nothing of interest (such as a bare
// setupComplete).
func translate(msg *serverMessage) *s2s.Message {
	var m s2s.Message
	var present bool

	if sc := msg.ServerContent; sc != nil {
		present = true
		m.TurnComplete = sc.TurnComplete
		m.Interrupted = sc.Interrupted
		if sc.InputTranscription != nil {
			m.InputTranscription = sc.InputTranscription.Text
		}
		if sc.OutputTranscription != nil {
			m.OutputTranscription = sc.OutputTranscription.Text
		}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData != nil && strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
					m.Audio = append(m.Audio, audio.Blob{
						Data:     p.InlineData.Data,
						MIMEType: p.InlineData.MIMEType,
					})
				}
			}
		}
	}

	if tc := msg.ToolCall; tc != nil {
		present = true
		for _, fc := range tc.FunctionCalls {
			m.ToolCalls = append(m.ToolCalls, s2s.ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
	}

	if !present {
		return nil
	}
	return &m
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil && s.ctx.Err() == nil {
				s.log.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

func (s *session) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── s2s.Session methods ────────────────────────────────────────────────────────

// SendAudio delivers one encoded capture block to the model.
func (s *session) SendAudio(ctx context.Context, blob audio.Blob) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.writeJSON(ctx, realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{MIMEType: blob.MIMEType, Data: blob.Data}},
		},
	})
}

// SendToolResult answers tool calls on the same session.
func (s *session) SendToolResult(ctx context.Context, results ...s2s.ToolResult) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if len(results) == 0 {
		return nil
	}
	resp := make([]*genai.FunctionResponse, len(results))
	for i, r := range results {
		resp[i] = &genai.FunctionResponse{ID: r.ID, Name: r.Name, Response: r.Response}
	}
	return s.writeJSON(ctx, toolResponseMessage{
		ToolResponse: toolResponse{FunctionResponses: resp},
	})
}

// Events returns the session's event stream.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Close terminates the session and releases all resources. Idempotent.
// Errors from the closing handshake are logged rather than returned: the
// connection is gone either way.
func (s *session) Close() error {
	if s.ctx.Err() != nil {
		return nil
	}
	s.markClosed()

	s.cancel() // unblocks receiveLoop and keepaliveLoop
	if err := s.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
		s.log.Debug("gemini: close handshake", "err", err)
	}
	return nil
}
