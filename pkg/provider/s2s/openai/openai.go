// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 chunks. The Realtime API runs at
// 24 kHz in both directions; 16 kHz capture frames are resampled before they
// are appended to the input buffer.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/nexuslive/pkg/audio"
	"github.com/MrWong99/nexuslive/pkg/audio/codec"
	"github.com/MrWong99/nexuslive/pkg/provider/s2s"
)

// Compile-time assertions that Provider and channel satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.Channel = (*channel)(nil)

// ErrMissingAPIKey is returned by Connect when the provider has no API key.
var ErrMissingAPIKey = fmt.Errorf("openai: the API key is missing: %w", s2s.ErrNotConfigured)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultVoice   = "alloy"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// nativeRate is the only PCM16 rate the Realtime API accepts.
	nativeRate = 24000

	transcriptionModel = "whisper-1"
	eventBuffer        = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithVoice sets the default voice used when the session config leaves Voice
// empty.
func WithVoice(voice string) Option {
	return func(p *Provider) {
		if voice != "" {
			p.voice = voice
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithLogger sets the logger used for non-fatal server errors.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	voice   string
	baseURL string
	log     *slog.Logger
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		voice:   defaultVoice,
		baseURL: defaultBaseURL,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputFormat:        audio.Format{SampleRate: codec.DefaultInputRate, Channels: 1},
		OutputFormat:       audio.Format{SampleRate: nativeRate, Channels: 1},
		MaxSessionDuration: 30 * time.Minute,
		Voices:             []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect dials the Realtime endpoint, configures the session, and waits for
// the session.updated acknowledgement. History items are then created as
// conversation items in order.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Channel, error) {
	if p.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	wsURL := p.baseURL + "?model=" + url.QueryEscape(p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(-1)

	chCtx, chCancel := context.WithCancel(context.Background())
	ch := &channel{
		conn:   conn,
		events: make(chan s2s.Event, eventBuffer),
		ctx:    chCtx,
		cancel: chCancel,
		log:    p.log,
	}

	fail := func(op string, err error) (s2s.Channel, error) {
		chCancel()
		conn.Close(websocket.StatusInternalError, op+" failed")
		return nil, fmt.Errorf("openai: %s: %w", op, err)
	}

	voice := cfg.Voice
	if voice == "" {
		voice = p.voice
	}
	if err := ch.writeJSON(ctx, sessionUpdate(voice, cfg.Instructions)); err != nil {
		return fail("session update", err)
	}
	if err := ch.awaitSessionUpdated(ctx); err != nil {
		return fail("session update", err)
	}
	for _, h := range cfg.History {
		if h.Text == "" {
			continue
		}
		if err := ch.writeJSON(ctx, historyItem(h)); err != nil {
			return fail("history", err)
		}
	}

	go ch.receiveLoop()

	return ch, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection       `json:"turn_detection,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16 at 24 kHz
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func sessionUpdate(voice, instructions string) sessionUpdateMessage {
	return sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Modalities:              []string{"audio", "text"},
			Voice:                   voice,
			Instructions:            instructions,
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: &transcriptionParams{Model: transcriptionModel},
			TurnDetection:           &turnDetection{Type: "server_vad"},
		},
	}
}

// historyItem converts a prior turn. Assistant messages use "text" content
// parts, user messages "input_text".
func historyItem(h s2s.HistoryItem) createConversationItemMessage {
	role, partType := "user", "input_text"
	if h.IsModel() {
		role, partType = "assistant", "text"
	}
	return createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    role,
			Content: []conversationPart{{Type: partType, Text: h.Text}},
		},
	}
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *serverErrorDetail) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != "" {
		return fmt.Sprintf("openai: %s (%s)", msg, e.Code)
	}
	return "openai: " + msg
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// toEvent maps one Realtime server event onto an s2s.Event. It reports false
// for event types the session does not consume.
func (evt *serverEvent) toEvent() (s2s.Event, bool) {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return s2s.Event{}, false
		}
		return s2s.Event{Audio: []s2s.AudioPayload{{
			Data:       evt.Delta,
			MIMEType:   codec.MIMEType(nativeRate),
			SampleRate: nativeRate,
			Channels:   1,
		}}}, true
	case "response.audio_transcript.delta":
		return s2s.Event{OutputTranscript: evt.Delta}, evt.Delta != ""
	case "conversation.item.input_audio_transcription.completed":
		return s2s.Event{InputTranscript: evt.Transcript}, evt.Transcript != ""
	case "input_audio_buffer.speech_started":
		return s2s.Event{Interrupted: true}, true
	case "response.done":
		return s2s.Event{TurnComplete: true}, true
	}
	return s2s.Event{}, false
}

// ── channel ────────────────────────────────────────────────────────────────────

type channel struct {
	conn   *websocket.Conn
	events chan s2s.Event
	log    *slog.Logger

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *channel) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// awaitSessionUpdated reads until the remote confirms the session.update.
func (c *channel) awaitSessionUpdated(ctx context.Context) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "session.updated":
			return nil
		case "error":
			if evt.Error != nil {
				return evt.Error
			}
			return errors.New("openai: unknown error")
		}
	}
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns events: it closes the channel when it exits.
func (c *channel) receiveLoop() {
	defer c.closeEvents()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) != -1 {
				c.setErr(fmt.Errorf("openai: connection closed by remote: %w", err))
			} else {
				c.setErr(fmt.Errorf("openai: read: %w", err))
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		if evt.Type == "error" && evt.Error != nil {
			// Realtime error events reject a single client event; the
			// connection stays usable.
			c.log.Warn("openai: server rejected event", "err", evt.Error)
			continue
		}

		ev, ok := evt.toEvent()
		if !ok {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *channel) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

func (c *channel) closeEvents() {
	c.closeOnce.Do(func() { close(c.events) })
}

// ── s2s.Channel methods ────────────────────────────────────────────────────────

// SendAudio resamples the frame to 24 kHz and appends it to the input buffer.
func (c *channel) SendAudio(frame codec.WireFrame) error {
	c.mu.Lock()
	if c.closed || c.errVal != nil {
		c.mu.Unlock()
		return s2s.ErrChannelClosed
	}
	c.mu.Unlock()

	payload := frame.Data
	if frame.SampleRate != nativeRate {
		samples, err := frame.Samples()
		if err != nil {
			return fmt.Errorf("openai: send audio: %w", err)
		}
		resampled := audio.ResampleMono(samples, frame.SampleRate, nativeRate)
		payload = base64.StdEncoding.EncodeToString(audio.Int16ToBytes(resampled))
	}

	if err := c.writeJSON(c.ctx, appendAudioMessage{Type: "input_audio_buffer.append", Audio: payload}); err != nil {
		if c.ctx.Err() != nil {
			return s2s.ErrChannelClosed
		}
		return fmt.Errorf("openai: send audio: %w", err)
	}
	return nil
}

// Events returns the channel on which inbound events arrive.
func (c *channel) Events() <-chan s2s.Event { return c.events }

// Err returns the first non-nil error that caused the channel to terminate.
func (c *channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close terminates the channel and releases all resources. Idempotent.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
