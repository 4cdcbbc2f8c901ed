// Package openai implements gateway.Dialer for OpenAI's Realtime API.
//
// Dialing is a two-step handshake: the long-lived API key is exchanged for an
// ephemeral client secret (see [TokenIssuer]), then a WebSocket is opened to the
// Realtime endpoint with that secret and configured via session.update. Once
// the session is started, a receive loop translates JSON server events into
// voice events and fans them out to subscribers in arrival order.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/coachai/coach/pkg/gateway"
	"github.com/coachai/coach/pkg/voice"
)

// Compile-time assertions that Dialer and session satisfy the gateway interfaces.
var _ gateway.Dialer = (*Dialer)(nil)
var _ gateway.Session = (*session)(nil)

const (
	DefaultModel        = "gpt-4o-realtime-preview-2025-06-03"
	DefaultVoice        = "alloy"
	DefaultInstructions = "You are a helpful productivity coach. Help users improve their workflow, manage time better, and achieve their goals. Be encouraging and provide actionable advice."

	defaultRealtimeURL   = "wss://api.openai.com/v1/realtime"
	transcriptionModel   = "whisper-1"
	maxServerMessageSize = 1 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the realtime model used for sessions.
func WithModel(model string) Option {
	return func(d *Dialer) {
		if model != "" {
			d.params.Model = model
		}
	}
}

// WithVoice sets the voice of the coach.
func WithVoice(voice string) Option {
	return func(d *Dialer) {
		if voice != "" {
			d.params.Voice = voice
		}
	}
}

// WithInstructions sets the system instructions of the coach.
func WithInstructions(instructions string) Option {
	return func(d *Dialer) {
		if instructions != "" {
			d.params.Instructions = instructions
		}
	}
}

// WithRealtimeURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithRealtimeURL(u string) Option {
	return func(d *Dialer) {
		if u != "" {
			d.realtimeURL = u
		}
	}
}

// WithAPIBaseURL overrides the REST base URL used for the token exchange.
func WithAPIBaseURL(u string) Option {
	return func(d *Dialer) { d.apiBaseURL = u }
}

// WithHTTPClient sets the HTTP client used for the token exchange and the
// WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) { d.httpClient = c }
}

// WithLogger sets the logger for protocol diagnostics. Defaults to
// [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(d *Dialer) { d.logger = l }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer opens OpenAI Realtime sessions.
type Dialer struct {
	params      SessionParams
	realtimeURL string
	apiBaseURL  string
	httpClient  *http.Client
	logger      *slog.Logger
	issuer      *TokenIssuer
}

// New creates a Dialer authenticating with apiKey. It returns
// [ErrMissingAPIKey] when apiKey is empty.
func New(apiKey string, opts ...Option) (*Dialer, error) {
	d := &Dialer{
		params: SessionParams{
			Model:        DefaultModel,
			Voice:        DefaultVoice,
			Instructions: DefaultInstructions,
		},
		realtimeURL: defaultRealtimeURL,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}

	issuer, err := NewTokenIssuer(apiKey, d.apiBaseURL, d.httpClient)
	if err != nil {
		return nil, err
	}
	d.issuer = issuer
	return d, nil
}

// Params returns the session parameters used for every dial.
func (d *Dialer) Params() SessionParams { return d.params }

// Dial mints an ephemeral secret, opens the WebSocket and sends the initial
// session.update. The returned session reads nothing until Start, then
// delivers events until it is closed or the remote side goes away.
func (d *Dialer) Dial(ctx context.Context) (gateway.Session, error) {
	secret, err := d.issuer.Issue(ctx, d.params)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(d.realtimeURL)
	if err != nil {
		return nil, fmt.Errorf("openai: parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", d.params.Model)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + secret.Value},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(maxServerMessageSize)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		logger: d.logger,
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSessionUpdate(ctx, d.params); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Voice                   string                   `json:"voice,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	InputAudioTranscription *inputAudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection           `json:"turn_detection,omitempty"`
}

type inputAudioTranscription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail is the nested error object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta (base64 audio) and
	// response.audio_transcript.delta (text fragment).
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	logger *slog.Logger
	events gateway.Broadcaster

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
}

func (s *session) sendSessionUpdate(ctx context.Context, p SessionParams) error {
	msg := sessionUpdateMessage{
		Type: "session.update",
		Session: sessionConfig{
			Voice:                   p.Voice,
			Instructions:            p.Instructions,
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: &inputAudioTranscription{Model: transcriptionModel},
			TurnDetection:           &turnDetection{Type: "server_vad"},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// Subscribe registers h for events of this session.
func (s *session) Subscribe(h voice.Handler) func() {
	return s.events.Subscribe(h)
}

// Start launches the receive loop. Server events sent earlier wait in the
// socket until then.
func (s *session) Start() {
	s.startOnce.Do(func() { go s.receiveLoop() })
}

// receiveLoop reads events from the WebSocket and dispatches them. It
// finishes the broadcaster with exactly one ConnectionClosed when it exits.
func (s *session) receiveLoop() {
	var closeErr error
	defer func() {
		s.events.Finish(voice.ConnectionClosed{Err: closeErr})
	}()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil && !isNormalClosure(err) {
				closeErr = fmt.Errorf("openai: read: %w", err)
				s.logger.Warn("openai: realtime connection lost", "err", err)
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Debug("openai: dropping malformed server event", "err", err)
			continue
		}

		if ev, ok := s.translate(&evt); ok {
			s.events.Publish(ev)
		}
	}
}

// translate maps a server event to its voice event. Events the tracker has no
// use for are reported as not ok.
func (s *session) translate(evt *serverEvent) (voice.Event, bool) {
	switch evt.Type {
	case "input_audio_buffer.speech_started":
		return voice.UserSpeechStarted{}, true

	case "input_audio_buffer.speech_stopped":
		return voice.UserSpeechStopped{}, true

	case "response.audio.delta", "response.output_audio.delta":
		var audio []byte
		if evt.Delta != "" {
			decoded, err := base64.StdEncoding.DecodeString(evt.Delta)
			if err != nil {
				s.logger.Debug("openai: undecodable audio delta", "err", err)
			} else {
				audio = decoded
			}
		}
		return voice.AIAudioDelta{Audio: audio}, true

	case "response.audio.done", "response.output_audio.done":
		return voice.AIAudioDone{}, true

	case "response.audio_transcript.delta", "response.output_audio_transcript.delta":
		if evt.Delta == "" {
			return nil, false
		}
		return voice.AITranscriptDelta{Transcript: evt.Delta}, true

	case "conversation.item.input_audio_transcription.completed":
		return voice.UserTranscriptionCompleted{Transcript: evt.Transcript}, true

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		attrs := []any{"message", msg}
		if evt.Error != nil && evt.Error.Code != "" {
			attrs = append(attrs, "code", evt.Error.Code)
		}
		s.logger.Error("openai: server error event", attrs...)
		return nil, false

	default:
		s.logger.Debug("openai: ignoring server event", "type", evt.Type)
		return nil, false
	}
}

// Close terminates the session. Subscribers receive ConnectionClosed from the
// receive loop, or from Close itself when the session was never started.
// Idempotent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.startOnce.Do(func() { s.events.Finish(voice.ConnectionClosed{}) })
		if err := s.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil && !isNormalClosure(err) {
			s.logger.Debug("openai: close handshake incomplete", "err", err)
		}
		s.cancel()
	})
	return nil
}

func isNormalClosure(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
