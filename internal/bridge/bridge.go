// Package bridge connects a duplex engine to a remote voice agent over a
// WebSocket.
//
// Microphone audio from the engine is queued with [Bridge.SendAudio] and
// streamed to the agent in binary frames. Audio the agent sends back is
// handed to a [Player]. The connection is re-established with exponential
// backoff when it drops; a conversation the agent ends on purpose is not
// resumed.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/twowayaudio/internal/observe"
)

// ErrConversationEnded is returned by [Bridge.Run] when the agent closes the
// conversation with ConversationEnded.
var ErrConversationEnded = errors.New("bridge: conversation ended by agent")

var errClosedByPeer = errors.New("bridge: connection closed by agent")

const (
	dialTimeout      = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	closeTimeout     = 2 * time.Second
	readLimit        = 1 << 20
)

// Player receives PCM16 audio decoded from the agent. [duplex.Engine]
// satisfies it.
type Player interface {
	PlayPCMData(pcm []byte) error
}

// Transcript is a piece of recognised user speech.
type Transcript struct {
	Text    string
	Partial bool
}

// Config holds the connection parameters.
type Config struct {
	// URL is the agent endpoint (ws:// or wss://).
	URL string

	// FallbackURLs are tried in order while the endpoints before them have
	// an open circuit breaker.
	FallbackURLs []string

	// BreakerFailures is the number of consecutive failed connection
	// attempts that open an endpoint's breaker. Default 3.
	BreakerFailures int

	// BreakerCooldown is how long an open breaker rejects its endpoint.
	// Default 30s.
	BreakerCooldown time.Duration

	// APIKey, when set, is sent as a bearer token.
	APIKey string

	// Template is sent as the conversation template ID.
	Template string

	// Codec is CodecPCM or CodecOpus.
	Codec string

	// SendBuffer bounds the uplink queue. Audio arriving while it is full is
	// dropped.
	SendBuffer int

	// MaxRetries is the number of reconnect attempts per outage. Zero means
	// 5; negative retries forever.
	MaxRetries int

	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Option configures a [Bridge].
type Option func(*Bridge)

// WithMetrics sets the metrics the bridge reports to.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithTranscriptHandler registers fn for recognised speech. It runs on the
// read goroutine and must not block.
func WithTranscriptHandler(fn func(Transcript)) Option {
	return func(b *Bridge) { b.onTranscript = fn }
}

// Bridge streams audio between an engine and a voice agent.
type Bridge struct {
	cfg          Config
	player       Player
	metrics      *observe.Metrics
	onTranscript func(Transcript)

	endpoints *endpoints
	uplink    chan []byte
	connected atomic.Bool
}

// New creates a Bridge. Nothing connects until [Bridge.Run].
func New(cfg Config, player Player, opts ...Option) *Bridge {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	b := &Bridge{cfg: cfg, player: player}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	b.uplink = make(chan []byte, cfg.SendBuffer)
	b.endpoints = newEndpoints(append([]string{cfg.URL}, cfg.FallbackURLs...), cfg.BreakerFailures, cfg.BreakerCooldown)
	return b
}

// SendAudio queues a PCM16 buffer for the agent. It never blocks: while the
// bridge is disconnected or the queue is full the buffer is dropped. The
// bridge takes ownership of pcm.
func (b *Bridge) SendAudio(pcm []byte) {
	if !b.connected.Load() {
		return
	}
	select {
	case b.uplink <- pcm:
	default:
		b.metrics.RecordDroppedFrame(context.Background(), "uplink")
	}
}

// Connected reports whether a conversation is currently running.
func (b *Bridge) Connected() bool { return b.connected.Load() }

// Run connects and keeps the conversation going until ctx is cancelled, the
// agent ends it, or reconnection gives up. Cancellation returns nil.
func (b *Bridge) Run(ctx context.Context) error {
	bo := newBackoff(b.cfg.Backoff, b.cfg.MaxBackoff)
	attempt := 0
	for {
		started, err := b.converse(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrConversationEnded) {
			return err
		}
		if started {
			bo.reset()
			attempt = 0
		}
		attempt++
		if b.cfg.MaxRetries >= 0 && attempt > b.cfg.MaxRetries {
			return fmt.Errorf("bridge: giving up after %d attempts: %w", attempt, err)
		}

		delay := bo.next()
		slog.Warn("bridge: connection lost, reconnecting",
			"attempt", attempt,
			"backoff", delay,
			"err", err,
		)
		b.metrics.AgentReconnects.Add(ctx, 1)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// converse runs one connection. started reports whether the agent accepted
// the conversation before it ended.
func (b *Bridge) converse(ctx context.Context) (started bool, err error) {
	c, err := newCodec(b.cfg.Codec)
	if err != nil {
		return false, err
	}
	ep := b.endpoints.pick()
	if ep == nil {
		return false, errors.New("bridge: no agent URL configured")
	}
	ctx, span := observe.StartSpan(ctx, "bridge.converse")
	defer span.End()
	defer func() {
		if started {
			b.endpoints.success(ep)
		} else if ctx.Err() == nil {
			b.endpoints.failure(ep)
		}
	}()

	opts := &websocket.DialOptions{}
	if b.cfg.APIKey != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + b.cfg.APIKey}}
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, ep.url, opts)
	cancel()
	if err != nil {
		return false, fmt.Errorf("bridge: dial %s: %w", ep.url, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	start := startMessage{Message: msgStartConversation, AudioFormat: c.format()}
	if b.cfg.Template != "" {
		start.ConversationConfig = &conversationConfig{TemplateID: b.cfg.Template}
	}
	if err := writeJSON(ctx, conn, start); err != nil {
		return false, fmt.Errorf("bridge: send start: %w", err)
	}
	if err := awaitStarted(ctx, conn); err != nil {
		return false, err
	}

	// Audio queued before this conversation is stale.
	b.drainUplink()
	b.connected.Store(true)
	defer b.connected.Store(false)
	observe.Logger(ctx).Info("bridge: conversation started", "url", ep.url, "codec", c.format().Type)

	var closing atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.readLoop(ctx, conn, c, &closing) })
	g.Go(func() error { return b.writeLoop(ctx, gctx, conn, c, &closing) })
	return true, g.Wait()
}

func awaitStarted(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("bridge: await ConversationStarted: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("bridge: decode handshake: %w", err)
		}
		switch msg.Message {
		case msgConversationStarted:
			return nil
		case msgError:
			return fmt.Errorf("bridge: agent rejected conversation: %s: %s", msg.Type, msg.Reason)
		}
	}
}

// readLoop reads with a context detached from cancellation so that shutdown
// goes through the close handshake in writeLoop instead of tearing the
// connection down mid-read.
func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn, c codec, closing *atomic.Bool) error {
	readCtx := context.WithoutCancel(ctx)
	for {
		typ, data, err := conn.Read(readCtx)
		if err != nil {
			if closing.Load() {
				return nil
			}
			if websocket.CloseStatus(err) != -1 {
				return fmt.Errorf("%w: %w", errClosedByPeer, err)
			}
			return fmt.Errorf("bridge: read: %w", err)
		}

		switch typ {
		case websocket.MessageBinary:
			b.metrics.RecordAgentMessage(ctx, "in", "audio")
			pcm, err := c.decode(data)
			if err != nil {
				slog.Warn("bridge: dropping undecodable audio", "bytes", len(data), "err", err)
				continue
			}
			if err := b.player.PlayPCMData(pcm); err != nil {
				slog.Warn("bridge: playback rejected agent audio", "err", err)
			}
		case websocket.MessageText:
			if err := b.handleText(ctx, data); err != nil {
				closing.Store(true)
				conn.CloseNow()
				return err
			}
		}
	}
}

func (b *Bridge) handleText(ctx context.Context, data []byte) error {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("bridge: ignoring malformed message", "err", err)
		return nil
	}
	b.metrics.RecordAgentMessage(ctx, "in", msg.Message)

	switch msg.Message {
	case msgAddTranscript, msgAddPartial:
		text := msg.transcript()
		if text == "" {
			return nil
		}
		partial := msg.Message == msgAddPartial
		if !partial {
			slog.Info("bridge: user said", "text", text)
		}
		if b.onTranscript != nil {
			b.onTranscript(Transcript{Text: text, Partial: partial})
		}
	case msgResponseStarted, msgResponseCompleted:
		if msg.Content != "" {
			slog.Debug("bridge: agent response", "phase", msg.Message, "content", msg.Content)
		}
	case msgResponseInterrupted:
		slog.Debug("bridge: agent response interrupted")
	case msgAudioAdded:
		slog.Debug("bridge: agent acknowledged audio", "seq_no", msg.SeqNo)
	case msgInfo:
		slog.Info("bridge: agent info", "type", msg.Type, "reason", msg.Reason)
	case msgWarning:
		slog.Warn("bridge: agent warning", "type", msg.Type, "reason", msg.Reason)
	case msgError:
		return fmt.Errorf("bridge: agent error: %s: %s", msg.Type, msg.Reason)
	case msgConversationEnding:
		slog.Info("bridge: agent is ending the conversation")
	case msgConversationEnded:
		return ErrConversationEnded
	}
	return nil
}

func (b *Bridge) writeLoop(ctx, gctx context.Context, conn *websocket.Conn, c codec, closing *atomic.Bool) error {
	var seq int64
	for {
		select {
		case <-gctx.Done():
			if ctx.Err() == nil {
				// The read side failed; it already reported why.
				conn.CloseNow()
				return nil
			}
			closing.Store(true)
			b.endConversation(conn, seq)
			return nil
		case pcm := <-b.uplink:
			packets, err := c.encode(pcm)
			if err != nil {
				slog.Warn("bridge: dropping unencodable audio", "bytes", len(pcm), "err", err)
			}
			for _, p := range packets {
				if err := conn.Write(gctx, websocket.MessageBinary, p); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					conn.CloseNow()
					return fmt.Errorf("bridge: write audio: %w", err)
				}
				seq++
				b.metrics.RecordAgentMessage(gctx, "out", "audio")
			}
		}
	}
}

// endConversation tells the agent no more audio follows and closes the
// connection cleanly.
func (b *Bridge) endConversation(conn *websocket.Conn, lastSeq int64) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := writeJSON(ctx, conn, audioEndedMessage{Message: msgAudioEnded, LastSeqNo: lastSeq}); err != nil {
		slog.Debug("bridge: send AudioEnded", "err", err)
	}
	if err := conn.Close(websocket.StatusNormalClosure, "client shutdown"); err != nil {
		slog.Debug("bridge: close", "err", err)
	}
}

func (b *Bridge) drainUplink() {
	for {
		select {
		case <-b.uplink:
		default:
			return
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
