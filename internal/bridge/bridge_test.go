package bridge_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/twowayaudio/internal/bridge"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

type fakePlayer struct{ ch chan []byte }

func newFakePlayer() *fakePlayer { return &fakePlayer{ch: make(chan []byte, 16)} }

func (p *fakePlayer) PlayPCMData(pcm []byte) error {
	p.ch <- append([]byte(nil), pcm...)
	return nil
}

type wireMessage struct {
	Message     string `json:"message"`
	LastSeqNo   int64  `json:"last_seq_no"`
	AudioFormat struct {
		Type       string `json:"type"`
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sample_rate"`
	} `json:"audio_format"`
	ConversationConfig *struct {
		TemplateID string `json:"template_id"`
	} `json:"conversation_config"`
}

// newAgent starts a fake voice agent. handle runs once per accepted
// connection; conns counts them.
func newAgent(t *testing.T, handle func(ctx context.Context, conn *websocket.Conn, r *http.Request)) (string, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		conns.Add(1)
		handle(r.Context(), conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &conns
}

func readText(ctx context.Context, t *testing.T, conn *websocket.Conn) (wireMessage, error) {
	t.Helper()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return wireMessage{}, err
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Errorf("agent: bad JSON %q: %v", data, err)
		}
		return msg, nil
	}
}

func writeText(ctx context.Context, conn *websocket.Conn, s string) {
	_ = conn.Write(ctx, websocket.MessageText, []byte(s))
}

// acceptStart reads StartConversation and confirms it.
func acceptStart(ctx context.Context, t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	msg, err := readText(ctx, t, conn)
	if err != nil {
		t.Errorf("agent: read start: %v", err)
		return msg
	}
	writeText(ctx, conn, `{"message":"ConversationStarted","id":"c-1"}`)
	return msg
}

func drain(ctx context.Context, conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func runBridge(ctx context.Context, b *bridge.Bridge) <-chan error {
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestBridge_Conversation(t *testing.T) {
	t.Parallel()

	starts := make(chan wireMessage, 1)
	auth := make(chan string, 1)
	uplink := make(chan []byte, 1)
	ended := make(chan wireMessage, 1)

	url, _ := newAgent(t, func(ctx context.Context, conn *websocket.Conn, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		starts <- acceptStart(ctx, t, conn)

		typ, data, err := conn.Read(ctx)
		if err != nil || typ != websocket.MessageBinary {
			t.Errorf("agent: want binary audio, got type %v err %v", typ, err)
			return
		}
		uplink <- data

		_ = conn.Write(ctx, websocket.MessageBinary, []byte{0x10, 0x00, 0x20, 0x00})
		writeText(ctx, conn, `{"message":"AddTranscript","results":[{"alternatives":[{"content":"hello"}]},{"alternatives":[{"content":"there"}]}]}`)

		msg, err := readText(ctx, t, conn)
		if err == nil {
			ended <- msg
		}
		drain(ctx, conn)
	})

	player := newFakePlayer()
	transcripts := make(chan bridge.Transcript, 4)
	b := bridge.New(bridge.Config{
		URL:      url,
		APIKey:   "secret",
		Template: "assistant",
	}, player, bridge.WithTranscriptHandler(func(tr bridge.Transcript) { transcripts <- tr }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runBridge(ctx, b)

	waitFor(t, "conversation start", b.Connected)

	start := <-starts
	if start.Message != "StartConversation" {
		t.Errorf("first message = %q, want StartConversation", start.Message)
	}
	if f := start.AudioFormat; f.Type != "raw" || f.Encoding != "pcm_s16le" || f.SampleRate != 16000 {
		t.Errorf("audio_format = %+v", f)
	}
	if start.ConversationConfig == nil || start.ConversationConfig.TemplateID != "assistant" {
		t.Errorf("conversation_config = %+v, want template assistant", start.ConversationConfig)
	}
	if got := <-auth; got != "Bearer secret" {
		t.Errorf("Authorization = %q", got)
	}

	mic := []byte{1, 0, 2, 0}
	b.SendAudio(mic)
	select {
	case got := <-uplink:
		if !bytes.Equal(got, mic) {
			t.Errorf("agent received %v, want %v", got, mic)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("agent never received mic audio")
	}

	select {
	case got := <-player.ch:
		if !bytes.Equal(got, []byte{0x10, 0x00, 0x20, 0x00}) {
			t.Errorf("player received %v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("player never received agent audio")
	}

	select {
	case tr := <-transcripts:
		if tr.Text != "hello there" || tr.Partial {
			t.Errorf("transcript = %+v", tr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no transcript")
	}

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run after cancel = %v, want nil", err)
	}
	select {
	case msg := <-ended:
		if msg.Message != "AudioEnded" || msg.LastSeqNo != 1 {
			t.Errorf("closing message = %+v, want AudioEnded last_seq_no 1", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("agent never received AudioEnded")
	}
	if b.Connected() {
		t.Error("Connected after Run returned")
	}
}

func TestBridge_ReconnectsAfterDrop(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	url, conns := newAgent(t, func(ctx context.Context, conn *websocket.Conn, _ *http.Request) {
		n := calls.Add(1)
		acceptStart(ctx, t, conn)
		if n == 1 {
			conn.Close(websocket.StatusGoingAway, "restarting")
			return
		}
		drain(ctx, conn)
	})

	b := bridge.New(bridge.Config{URL: url, Backoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}, newFakePlayer())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runBridge(ctx, b)

	waitFor(t, "second connection", func() bool { return conns.Load() >= 2 && b.Connected() })

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestBridge_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := bridge.New(bridge.Config{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		MaxRetries: 2,
		Backoff:    time.Millisecond,
		MaxBackoff: 2 * time.Millisecond,
	}, newFakePlayer())

	err := waitRun(t, runBridge(context.Background(), b))
	if err == nil {
		t.Fatal("Run = nil, want error")
	}
	if errors.Is(err, bridge.ErrConversationEnded) {
		t.Errorf("Run = %v, want a connection error", err)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("dial attempts = %d, want 3", got)
	}
}

func TestBridge_ConversationEndedStopsRun(t *testing.T) {
	t.Parallel()

	url, conns := newAgent(t, func(ctx context.Context, conn *websocket.Conn, _ *http.Request) {
		acceptStart(ctx, t, conn)
		writeText(ctx, conn, `{"message":"ConversationEnding"}`)
		writeText(ctx, conn, `{"message":"ConversationEnded"}`)
		drain(ctx, conn)
	})

	b := bridge.New(bridge.Config{URL: url, Backoff: time.Millisecond}, newFakePlayer())
	err := waitRun(t, runBridge(context.Background(), b))
	if !errors.Is(err, bridge.ErrConversationEnded) {
		t.Errorf("Run = %v, want ErrConversationEnded", err)
	}
	if got := conns.Load(); got != 1 {
		t.Errorf("connections = %d, want 1", got)
	}
}

func TestBridge_HandshakeRejected(t *testing.T) {
	t.Parallel()

	url, _ := newAgent(t, func(ctx context.Context, conn *websocket.Conn, _ *http.Request) {
		if _, err := readText(ctx, t, conn); err != nil {
			return
		}
		writeText(ctx, conn, `{"message":"Error","type":"invalid_template","reason":"unknown template"}`)
		drain(ctx, conn)
	})

	b := bridge.New(bridge.Config{URL: url, MaxRetries: 1, Backoff: time.Millisecond}, newFakePlayer())
	err := waitRun(t, runBridge(context.Background(), b))
	if err == nil || !strings.Contains(err.Error(), "unknown template") {
		t.Errorf("Run = %v, want rejection reason", err)
	}
}

func TestBridge_FailsOverToFallbackURL(t *testing.T) {
	t.Parallel()

	var primaryHits atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		primaryHits.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer primary.Close()

	backup, conns := newAgent(t, func(ctx context.Context, conn *websocket.Conn, _ *http.Request) {
		acceptStart(ctx, t, conn)
		drain(ctx, conn)
	})

	b := bridge.New(bridge.Config{
		URL:             "ws" + strings.TrimPrefix(primary.URL, "http"),
		FallbackURLs:    []string{backup},
		BreakerFailures: 2,
		BreakerCooldown: time.Hour,
		Backoff:         time.Millisecond,
		MaxBackoff:      2 * time.Millisecond,
	}, newFakePlayer())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runBridge(ctx, b)

	waitFor(t, "fallback conversation", func() bool { return conns.Load() == 1 && b.Connected() })
	if got := primaryHits.Load(); got != 2 {
		t.Errorf("primary attempts = %d, want 2", got)
	}

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}
