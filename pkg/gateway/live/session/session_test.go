package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/intake-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/intake-relay/pkg/gateway/live/upstream"
)

type fakeGemini struct {
	srv    *httptest.Server
	frames chan []byte
	conns  chan *websocket.Conn
	closed chan struct{}
}

func newFakeGemini(t *testing.T) *fakeGemini {
	t.Helper()
	f := &fakeGemini{
		frames: make(chan []byte, 32),
		conns:  make(chan *websocket.Conn, 4),
		closed: make(chan struct{}, 4),
	}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { f.closed <- struct{}{} }()
		defer conn.Close()
		f.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.frames <- data
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGemini) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeGemini) nextFrame(t *testing.T) map[string]any {
	t.Helper()
	select {
	case raw := <-f.frames:
		var out map[string]any
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("upstream frame not json: %s", raw)
		}
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upstream frame")
		return nil
	}
}

func (f *fakeGemini) expectNoFrame(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case raw := <-f.frames:
		t.Fatalf("unexpected upstream frame %s", raw)
	case <-time.After(wait):
	}
}

func (f *fakeGemini) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upstream connection")
		return nil
	}
}

func (f *fakeGemini) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-f.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for upstream connection to close")
	}
}

type relayHarness struct {
	browser *websocket.Conn
	relays  chan *Relay
	done    chan struct{}
}

func newRelayHarness(t *testing.T, apiKey, geminiURL string) *relayHarness {
	t.Helper()
	return newRelayHarnessWithConfig(t, apiKey, geminiURL, Config{PingInterval: time.Hour, WriteTimeout: time.Second})
}

func newRelayHarnessWithConfig(t *testing.T, apiKey, geminiURL string, cfg Config) *relayHarness {
	t.Helper()
	h := &relayHarness{relays: make(chan *Relay, 1), done: make(chan struct{})}
	dialer := upstream.NewDialer(upstream.Config{
		URL:              geminiURL,
		APIKey:           apiKey,
		HandshakeTimeout: 2 * time.Second,
		CloseTimeout:     200 * time.Millisecond,
	}, slog.Default())

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		relay, err := New(Dependencies{
			Conn:      conn,
			Upstream:  dialer,
			SessionID: "s_test",
			Config:    cfg,
		})
		if err != nil {
			t.Errorf("New() error = %v", err)
			return
		}
		h.relays <- relay
		_ = relay.Run()
		_ = conn.Close()
		close(h.done)
	}))
	t.Cleanup(srv.Close)

	browser, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("browser dial error = %v", err)
	}
	t.Cleanup(func() { _ = browser.Close() })
	h.browser = browser
	return h
}

func (h *relayHarness) send(t *testing.T, v string) {
	t.Helper()
	if err := h.browser.WriteMessage(websocket.TextMessage, []byte(v)); err != nil {
		t.Fatalf("browser write error = %v", err)
	}
}

func (h *relayHarness) next(t *testing.T) map[string]any {
	t.Helper()
	_ = h.browser.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := h.browser.ReadMessage()
	if err != nil {
		t.Fatalf("browser read error = %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("browser frame not json: %s", data)
	}
	return out
}

func (h *relayHarness) waitDone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(wait):
		t.Fatal("relay did not stop")
	}
}

func (h *relayHarness) relay(t *testing.T) *Relay {
	t.Helper()
	select {
	case r := <-h.relays:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relay")
		return nil
	}
}

func TestRelay_MissingAPIKeyReportsOnceAndStaysOpen(t *testing.T) {
	h := newRelayHarness(t, "", "ws://127.0.0.1:1")
	h.send(t, `{"type":"setup","model":"m1"}`)

	first := h.next(t)
	if first["type"] != "error" || first["message"] != "GEMINI_API_KEY missing" {
		t.Fatalf("first=%v", first)
	}

	// The next event must answer the audio frame, not the setup.
	h.send(t, `{"type":"audio","data":"QUJD"}`)
	second := h.next(t)
	if second["type"] != "error" || second["message"] != "Gemini connection not available for audio" {
		t.Fatalf("second=%v", second)
	}
}

func TestRelay_DialFailureReportedOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusUnauthorized)
	}))
	defer srv.Close()

	h := newRelayHarness(t, "k", "ws"+strings.TrimPrefix(srv.URL, "http"))
	h.send(t, `{"type":"setup"}`)
	got := h.next(t)
	msg, _ := got["message"].(string)
	if !strings.HasPrefix(msg, "Failed to connect to Gemini: ") {
		t.Fatalf("event=%v", got)
	}

	h.send(t, `{"type":"text","text":"hi"}`)
	next := h.next(t)
	if next["message"] != "Gemini connection not available for text" {
		t.Fatalf("next=%v", next)
	}
}

func TestRelay_ForwardsSetupAndAudio(t *testing.T) {
	gemini := newFakeGemini(t)
	h := newRelayHarness(t, "k", gemini.url())

	h.send(t, `{"type":"setup","instructions":"Be brief."}`)
	setup := gemini.nextFrame(t)["setup"].(map[string]any)
	if setup["model"] != upstream.DefaultModel {
		t.Fatalf("model=%v", setup["model"])
	}

	h.send(t, `{"type":"audio","data":"QUJD"}`)
	audio := gemini.nextFrame(t)
	chunks := audio["realtimeInput"].(map[string]any)["mediaChunks"].([]any)
	chunk := chunks[0].(map[string]any)
	if chunk["data"] != "QUJD" || chunk["mimeType"] != upstream.DefaultAudioMimeType {
		t.Fatalf("chunk=%v", chunk)
	}

	h.send(t, `{"type":"turn_complete"}`)
	tc := gemini.nextFrame(t)
	if tc["realtimeInput"].(map[string]any)["inputComplete"] != true {
		t.Fatalf("turn complete frame=%v", tc)
	}
}

func TestRelay_EmptyAudioAndBlankTextAreNotSent(t *testing.T) {
	gemini := newFakeGemini(t)
	h := newRelayHarness(t, "k", gemini.url())

	h.send(t, `{"type":"setup"}`)
	_ = gemini.nextFrame(t)

	h.send(t, `{"type":"audio","data":""}`)
	h.send(t, `{"type":"audio"}`)
	h.send(t, `{"type":"text","text":"   "}`)
	h.send(t, `{"type":"bogus"}`)
	h.send(t, `not json`)
	h.send(t, `{"type":"text","text":"  hi  "}`)

	got := gemini.nextFrame(t)
	if got["realtimeInput"].(map[string]any)["text"] != "hi" {
		t.Fatalf("frame=%v", got)
	}
	gemini.expectNoFrame(t, 100*time.Millisecond)
}

func TestRelay_SetupOverwritesModel(t *testing.T) {
	gemini := newFakeGemini(t)
	h := newRelayHarness(t, "k", gemini.url())
	relay := h.relay(t)

	h.send(t, `{"type":"setup","model":"models/first"}`)
	first := gemini.nextFrame(t)["setup"].(map[string]any)
	if first["model"] != "models/first" {
		t.Fatalf("first model=%v", first["model"])
	}

	h.send(t, `{"type":"setup","model":"models/second"}`)
	second := gemini.nextFrame(t)["setup"].(map[string]any)
	if second["model"] != "models/second" {
		t.Fatalf("second model=%v", second["model"])
	}
	if relay.Model() != "models/second" {
		t.Fatalf("Model()=%q", relay.Model())
	}
}

func TestRelay_ReconnectsAfterUpstreamNormalClose(t *testing.T) {
	gemini := newFakeGemini(t)
	h := newRelayHarness(t, "k", gemini.url())
	relay := h.relay(t)

	h.send(t, `{"type":"setup","model":"m1"}`)
	first := gemini.conn(t)
	if setup := gemini.nextFrame(t)["setup"].(map[string]any); setup["model"] != "m1" {
		t.Fatalf("first model=%v", setup["model"])
	}

	_ = first.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	gemini.waitClosed(t)
	deadline := time.Now().Add(2 * time.Second)
	for relay.currentUpstream().State() == upstream.StateOpen {
		if time.Now().After(deadline) {
			t.Fatal("upstream still open after normal close")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.send(t, `{"type":"setup","model":"m2"}`)
	second := gemini.conn(t)
	if second == first {
		t.Fatal("expected a new upstream connection")
	}
	if setup := gemini.nextFrame(t)["setup"].(map[string]any); setup["model"] != "m2" {
		t.Fatalf("second model=%v", setup["model"])
	}

	// A normal close is quiet, and the fresh upstream carries input.
	h.send(t, `{"type":"text","text":"hello"}`)
	if got := gemini.nextFrame(t)["realtimeInput"].(map[string]any)["text"]; got != "hello" {
		t.Fatalf("text=%v", got)
	}
	_ = second.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"turnComplete":true}}`))
	if ev := h.next(t); ev["type"] != protocol.EventTurnComplete {
		t.Fatalf("event=%v, want turn_complete first", ev)
	}
}

func TestRelay_SlowBrowserEndsRelay(t *testing.T) {
	gemini := newFakeGemini(t)
	h := newRelayHarnessWithConfig(t, "k", gemini.url(), Config{
		PingInterval:      time.Hour,
		WriteTimeout:      time.Second,
		OutboundQueueSize: 1,
	})

	h.send(t, `{"type":"setup"}`)
	up := gemini.conn(t)
	_ = gemini.nextFrame(t)

	// The browser does not read while Gemini streams far more audio than the
	// socket buffers hold.
	chunk := base64.StdEncoding.EncodeToString(make([]byte, 64<<10))
	frame := []byte(`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"` + chunk + `"}}]}}}`)
	go func() {
		for i := 0; i < 400; i++ {
			_ = up.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := up.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}()

	h.waitDone(t, 10*time.Second)
	gemini.waitClosed(t)

	// Input after teardown never reaches Gemini.
	_ = h.browser.WriteMessage(websocket.TextMessage, []byte(`{"type":"text","text":"hello?"}`))
	gemini.expectNoFrame(t, 200*time.Millisecond)
}

func TestRelay_RelaysUpstreamEvents(t *testing.T) {
	gemini := newFakeGemini(t)
	h := newRelayHarness(t, "k", gemini.url())

	h.send(t, `{"type":"setup"}`)
	up := gemini.conn(t)
	_ = gemini.nextFrame(t)

	if err := up.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"modelTurn":{"parts":[{"text":"Hello"}]}}}`)); err != nil {
		t.Fatalf("upstream write error = %v", err)
	}
	text := h.next(t)
	if text["type"] != "text" || text["text"] != "Hello" {
		t.Fatalf("text=%v", text)
	}

	// Unparseable frames are skipped; the next frame still arrives.
	_ = up.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":`))
	_ = up.WriteMessage(websocket.BinaryMessage, []byte(`{"serverContent":{"modelTurn":{"parts":[{"executableCode":{"code":"save_patient_field(field_name=\"dob\", value=\"1990-01-02\")"}}]},"turnComplete":true}}`))

	want := []string{
		protocol.EventFunctionCallStart,
		protocol.EventFunctionCallArgumentsDone,
		protocol.EventFunctionCallDone,
		protocol.EventTurnComplete,
	}
	for i, typ := range want {
		ev := h.next(t)
		if ev["type"] != typ {
			t.Fatalf("event[%d]=%v, want type %s", i, ev, typ)
		}
		if typ == protocol.EventFunctionCallArgumentsDone && ev["arguments"] != `{"field_name":"dob","value":"1990-01-02"}` {
			t.Fatalf("arguments=%v", ev["arguments"])
		}
	}
}

func TestRelay_QuotaClosesSession(t *testing.T) {
	gemini := newFakeGemini(t)
	h := newRelayHarness(t, "k", gemini.url())

	h.send(t, `{"type":"setup"}`)
	up := gemini.conn(t)
	_ = gemini.nextFrame(t)

	_ = up.WriteMessage(websocket.TextMessage, []byte(`{"error":{"code":429,"message":"Quota exceeded"}}`))
	ev := h.next(t)
	if ev["error_type"] != protocol.ErrorTypeQuotaExceeded || ev["message"] != protocol.QuotaMessage {
		t.Fatalf("event=%v", ev)
	}

	_ = h.browser.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := h.browser.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("read err=%v, want normal close", err)
	}
	h.waitDone(t, 2*time.Second)
}

func TestRelay_UpstreamFailureReportsConnectionLost(t *testing.T) {
	gemini := newFakeGemini(t)
	h := newRelayHarness(t, "k", gemini.url())

	h.send(t, `{"type":"setup"}`)
	up := gemini.conn(t)
	_ = gemini.nextFrame(t)

	_ = up.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "backend down"), time.Now().Add(time.Second))
	_ = up.Close()

	ev := h.next(t)
	msg, _ := ev["message"].(string)
	if ev["type"] != "error" || !strings.HasPrefix(msg, "Connection lost: ") {
		t.Fatalf("event=%v", ev)
	}
}

func TestRelay_DisconnectIsIdempotentAndSilencesSends(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		logger:           slog.Default(),
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, 1),
		outboundNormal:   make(chan outboundFrame, 4),
	}

	r.safeSend(protocol.NewText("before"))
	if len(r.outboundNormal) != 1 {
		t.Fatalf("queued=%d, want 1", len(r.outboundNormal))
	}

	r.Disconnect("test")
	r.Disconnect("test again")
	r.Cancel()

	r.safeSend(protocol.NewText("after"))
	if len(r.outboundNormal) != 1 {
		t.Fatalf("queued=%d after disconnect, want 1", len(r.outboundNormal))
	}
	if err := r.SendWarning(protocol.ErrorTypeServerShutdown, "bye"); err != nil {
		t.Fatalf("SendWarning() error = %v", err)
	}
	if len(r.outboundPriority) != 0 {
		t.Fatal("warning queued after disconnect")
	}
	if ctx.Err() == nil {
		t.Fatal("context not canceled")
	}
}

func TestRelay_BackpressureDisconnectsWithPriorityError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		logger:           slog.Default(),
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		outboundNormal:   make(chan outboundFrame, 1),
	}
	r.safeSend(protocol.NewText("one"))
	r.safeSend(protocol.NewText("two"))
	if !r.disconnected.Load() {
		t.Fatal("expected disconnected latch after failed send")
	}
	if ctx.Err() == nil {
		t.Fatal("relay context not canceled on backpressure")
	}

	r.safeSend(protocol.NewText("three"))
	if len(r.outboundNormal) != 1 {
		t.Fatalf("queued=%d, want 1", len(r.outboundNormal))
	}
	if len(r.outboundPriority) != 1 {
		t.Fatalf("priority queued=%d, want 1", len(r.outboundPriority))
	}
	var ev protocol.ServerError
	if err := json.Unmarshal((<-r.outboundPriority).payload, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != protocol.EventError || ev.ErrorType != protocol.ErrorTypeRateLimited {
		t.Fatalf("event=%+v", ev)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Dependencies{}); err == nil {
		t.Fatal("expected error for missing conn")
	}
}
