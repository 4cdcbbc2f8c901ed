package openai_test

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

	"github.com/coder/websocket"

	"github.com/coachai/coach/pkg/gateway/openai"
	"github.com/coachai/coach/pkg/voice"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// fakeOpenAI serves both halves of the handshake: the REST token exchange and
// the realtime WebSocket.
type fakeOpenAI struct {
	srv *httptest.Server

	mu          sync.Mutex
	tokenBodies []map[string]any
	authHeaders []string
	wsAuth      string
	wsModel     string
}

// startOpenAIServer launches a fake OpenAI endpoint. handler receives the
// accepted WebSocket conn. tokenStatus overrides the status of the token
// exchange when non-zero.
func startOpenAIServer(t *testing.T, tokenStatus int, handler func(conn *websocket.Conn)) *fakeOpenAI {
	t.Helper()
	f := &fakeOpenAI{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/realtime/sessions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.tokenBodies = append(f.tokenBodies, body)
		f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
		f.mu.Unlock()

		if tokenStatus != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tokenStatus)
			_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"invalid_request_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"sess_1","client_secret":{"value":"ek_test","expires_at":1750000000}}`))
	})
	mux.HandleFunc("/v1/realtime", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.wsAuth = r.Header.Get("Authorization")
		f.wsModel = r.URL.Query().Get("model")
		f.mu.Unlock()

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeOpenAI) dialer(t *testing.T, opts ...openai.Option) *openai.Dialer {
	t.Helper()
	base := []openai.Option{
		openai.WithAPIBaseURL(f.srv.URL + "/v1/"),
		openai.WithRealtimeURL("ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/realtime"),
	}
	d, err := openai.New("sk-long-lived", append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeRaw sends s as a text frame.
func writeRaw(t *testing.T, conn *websocket.Conn, s string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(s)); err != nil {
		t.Logf("writeRaw: %v (may be expected on close)", err)
	}
}

// collector gathers events and signals when ConnectionClosed arrives.
type collector struct {
	mu     sync.Mutex
	events []voice.Event
	closed chan struct{}
	once   sync.Once
}

func newCollector() *collector { return &collector{closed: make(chan struct{})} }

func (c *collector) handle(ev voice.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	if _, ok := ev.(voice.ConnectionClosed); ok {
		c.once.Do(func() { close(c.closed) })
	}
}

func (c *collector) wait(t *testing.T) []voice.Event {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for ConnectionClosed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]voice.Event, len(c.events))
	copy(out, c.events)
	return out
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestNew_MissingAPIKey(t *testing.T) {
	t.Parallel()
	_, err := openai.New("")
	if !errors.Is(err, openai.ErrMissingAPIKey) {
		t.Fatalf("New(\"\") error = %v; want ErrMissingAPIKey", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	d, err := openai.New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p := d.Params()
	if p.Model != openai.DefaultModel || p.Voice != "alloy" || p.Instructions != openai.DefaultInstructions {
		t.Errorf("Params() = %+v", p)
	}
}

func TestDial_TokenExchangeAndSessionUpdate(t *testing.T) {
	t.Parallel()

	type sessionUpdateMsg struct {
		Type    string `json:"type"`
		Session struct {
			Voice                   string `json:"voice"`
			Instructions            string `json:"instructions"`
			InputAudioTranscription *struct {
				Model string `json:"model"`
			} `json:"input_audio_transcription"`
		} `json:"session"`
	}
	received := make(chan sessionUpdateMsg, 1)

	f := startOpenAIServer(t, 0, func(conn *websocket.Conn) {
		var msg sessionUpdateMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	d := f.dialer(t, openai.WithModel("gpt-test-realtime"), openai.WithVoice("verse"), openai.WithInstructions("Be brief."))
	sess, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	var msg sessionUpdateMsg
	select {
	case msg = <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}

	if msg.Type != "session.update" {
		t.Errorf("type = %q; want session.update", msg.Type)
	}
	if msg.Session.Voice != "verse" || msg.Session.Instructions != "Be brief." {
		t.Errorf("session = %+v", msg.Session)
	}
	if msg.Session.InputAudioTranscription == nil || msg.Session.InputAudioTranscription.Model == "" {
		t.Error("input transcription not enabled")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tokenBodies) != 1 {
		t.Fatalf("token requests = %d; want 1", len(f.tokenBodies))
	}
	if got := f.tokenBodies[0]["model"]; got != "gpt-test-realtime" {
		t.Errorf("token request model = %v", got)
	}
	if got := f.tokenBodies[0]["voice"]; got != "verse" {
		t.Errorf("token request voice = %v", got)
	}
	if f.authHeaders[0] != "Bearer sk-long-lived" {
		t.Errorf("token request auth = %q", f.authHeaders[0])
	}
	if f.wsAuth != "Bearer ek_test" {
		t.Errorf("websocket auth = %q; want ephemeral secret", f.wsAuth)
	}
	if f.wsModel != "gpt-test-realtime" {
		t.Errorf("websocket model = %q", f.wsModel)
	}
}

func TestDial_TokenExchangeFailure(t *testing.T) {
	t.Parallel()

	wsHit := false
	f := startOpenAIServer(t, http.StatusUnauthorized, func(*websocket.Conn) { wsHit = true })

	_, err := f.dialer(t).Dial(context.Background())
	if err == nil {
		t.Fatal("Dial succeeded; want error")
	}
	if !strings.Contains(err.Error(), "create realtime session") {
		t.Errorf("error = %v; want token exchange failure", err)
	}
	if wsHit {
		t.Error("websocket dialed despite failed token exchange")
	}
}

func TestSession_TranslatesServerEvents(t *testing.T) {
	t.Parallel()

	ready := make(chan struct{})
	audio := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})

	f := startOpenAIServer(t, 0, func(conn *websocket.Conn) {
		var update map[string]any
		readJSON(t, conn, &update)
		<-ready
		for _, raw := range []string{
			`{"type":"session.created"}`,
			`{"type":"input_audio_buffer.speech_started"}`,
			`{"type":"input_audio_buffer.speech_stopped"}`,
			`{"type":"conversation.item.input_audio_transcription.completed","transcript":"I finished my report"}`,
			`not json`,
			`{"type":"response.audio.delta","delta":"` + audio + `"}`,
			`{"type":"response.audio_transcript.delta","delta":"Great"}`,
			`{"type":"response.audio_transcript.delta","delta":" job!"}`,
			`{"type":"response.audio_transcript.done","transcript":"Great job!"}`,
			`{"type":"error","error":{"type":"server_error","message":"hiccup"}}`,
			`{"type":"response.audio.done"}`,
		} {
			writeRaw(t, conn, raw)
		}
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	sess, err := f.dialer(t).Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	c := newCollector()
	sess.Subscribe(c.handle)
	sess.Start()
	close(ready)

	got := c.wait(t)
	want := []voice.Kind{
		voice.KindUserSpeechStarted,
		voice.KindUserSpeechStopped,
		voice.KindUserTranscriptionCompleted,
		voice.KindAIAudioDelta,
		voice.KindAITranscriptDelta,
		voice.KindAITranscriptDelta,
		voice.KindAIAudioDone,
		voice.KindConnectionClosed,
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events %v; want %d", len(got), got, len(want))
	}
	for i, ev := range got {
		if ev.Kind() != want[i] {
			t.Errorf("event[%d] = %s; want %s", i, ev.Kind(), want[i])
		}
	}

	if e := got[2].(voice.UserTranscriptionCompleted); e.Transcript != "I finished my report" {
		t.Errorf("user transcript = %q", e.Transcript)
	}
	if e := got[3].(voice.AIAudioDelta); len(e.Audio) != 4 {
		t.Errorf("audio delta = %v; want 4 decoded bytes", e.Audio)
	}
	if e := got[4].(voice.AITranscriptDelta); e.Transcript != "Great" {
		t.Errorf("delta = %q", e.Transcript)
	}
	if e := got[7].(voice.ConnectionClosed); e.Err != nil {
		t.Errorf("normal closure reported error %v", e.Err)
	}
}

func TestSession_TrackerIntegration(t *testing.T) {
	t.Parallel()

	ready := make(chan struct{})
	f := startOpenAIServer(t, 0, func(conn *websocket.Conn) {
		var update map[string]any
		readJSON(t, conn, &update)
		<-ready
		writeRaw(t, conn, `{"type":"response.audio.delta","delta":""}`)
		writeRaw(t, conn, `{"type":"response.audio_transcript.delta","delta":"Plan "}`)
		writeRaw(t, conn, `{"type":"response.audio_transcript.delta","delta":"ahead."}`)
		writeRaw(t, conn, `{"type":"response.audio.done"}`)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	sess, err := f.dialer(t).Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	var mu sync.Mutex
	var msgs []voice.Message
	tr := voice.NewTracker(voice.EmitterFunc(func(m voice.Message) {
		mu.Lock()
		msgs = append(msgs, m)
		mu.Unlock()
	}))
	tr.Attach(sess)
	tr.Handle(voice.ConnectionOpened{})

	c := newCollector()
	sess.Subscribe(c.handle)
	sess.Start()
	close(ready)
	c.wait(t)

	if got := tr.State(); got != voice.StateIdle {
		t.Errorf("State() = %q; want idle after close", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(msgs) != 1 || msgs[0].Content != "Plan ahead." {
		t.Fatalf("messages = %+v; want one with %q", msgs, "Plan ahead.")
	}
}

func TestSession_CloseIsIdempotentAndNotifies(t *testing.T) {
	t.Parallel()

	f := startOpenAIServer(t, 0, func(conn *websocket.Conn) {
		var update map[string]any
		readJSON(t, conn, &update)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := f.dialer(t).Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	c := newCollector()
	sess.Subscribe(c.handle)
	sess.Start()

	if err := sess.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	got := c.wait(t)
	closes := 0
	for _, ev := range got {
		if cc, ok := ev.(voice.ConnectionClosed); ok {
			closes++
			if cc.Err != nil {
				t.Errorf("requested close reported error %v", cc.Err)
			}
		}
	}
	if closes != 1 {
		t.Errorf("ConnectionClosed delivered %d times; want 1", closes)
	}
}

func TestSession_AbnormalCloseCarriesError(t *testing.T) {
	t.Parallel()

	ready := make(chan struct{})
	f := startOpenAIServer(t, 0, func(conn *websocket.Conn) {
		var update map[string]any
		readJSON(t, conn, &update)
		<-ready
		conn.Close(websocket.StatusInternalError, "overloaded")
	})

	sess, err := f.dialer(t).Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	c := newCollector()
	sess.Subscribe(c.handle)
	sess.Start()
	close(ready)

	got := c.wait(t)
	last, ok := got[len(got)-1].(voice.ConnectionClosed)
	if !ok {
		t.Fatalf("last event = %T; want ConnectionClosed", got[len(got)-1])
	}
	if last.Err == nil {
		t.Error("abnormal closure should carry an error")
	}
}

func TestSession_HoldsEventsUntilStart(t *testing.T) {
	t.Parallel()

	// The server talks and hangs up right after the handshake, before the
	// caller had a chance to subscribe.
	f := startOpenAIServer(t, 0, func(conn *websocket.Conn) {
		var update map[string]any
		readJSON(t, conn, &update)
		writeRaw(t, conn, `{"type":"input_audio_buffer.speech_started"}`)
		conn.Close(websocket.StatusInternalError, "rejected")
	})

	sess, err := f.dialer(t).Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	time.Sleep(200 * time.Millisecond)

	c := newCollector()
	sess.Subscribe(c.handle)
	sess.Start()
	sess.Start()

	got := c.wait(t)
	if len(got) != 2 {
		t.Fatalf("got %d events %v; want speech_started then ConnectionClosed", len(got), got)
	}
	if got[0].Kind() != voice.KindUserSpeechStarted {
		t.Errorf("event[0] = %s; want %s", got[0].Kind(), voice.KindUserSpeechStarted)
	}
	if cc := got[1].(voice.ConnectionClosed); cc.Err == nil {
		t.Error("rejected session should close with an error")
	}
}

func TestSession_LateSubscriberReceivesFinalClose(t *testing.T) {
	t.Parallel()

	f := startOpenAIServer(t, 0, func(conn *websocket.Conn) {
		var update map[string]any
		readJSON(t, conn, &update)
		conn.Close(websocket.StatusInternalError, "gone")
	})

	sess, err := f.dialer(t).Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	first := newCollector()
	sess.Subscribe(first.handle)
	sess.Start()
	first.wait(t)

	late := newCollector()
	unsub := sess.Subscribe(late.handle)
	defer unsub()

	got := late.wait(t)
	if len(got) != 1 {
		t.Fatalf("late subscriber got %v; want only ConnectionClosed", got)
	}
	if cc := got[0].(voice.ConnectionClosed); cc.Err == nil {
		t.Error("replayed ConnectionClosed lost its error")
	}
}

func TestSession_CloseBeforeStart(t *testing.T) {
	t.Parallel()

	f := startOpenAIServer(t, 0, func(conn *websocket.Conn) {
		var update map[string]any
		readJSON(t, conn, &update)
		writeRaw(t, conn, `{"type":"input_audio_buffer.speech_started"}`)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := f.dialer(t).Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	c := newCollector()
	sess.Subscribe(c.handle)
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	sess.Start()

	got := c.wait(t)
	if len(got) != 1 {
		t.Fatalf("got %v; want only ConnectionClosed", got)
	}
	if cc := got[0].(voice.ConnectionClosed); cc.Err != nil {
		t.Errorf("requested close reported error %v", cc.Err)
	}
}
