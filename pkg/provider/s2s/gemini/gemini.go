// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio is transmitted as base64-encoded PCM chunks in both directions; user
// and model speech are transcribed by the remote and surfaced as events.
package gemini

import (
	"context"
	"encoding/json"
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
var ErrMissingAPIKey = fmt.Errorf("gemini: the API key is missing: %w", s2s.ErrNotConfigured)

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultVoice   = "Fenrir"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	endpointPath = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithVoice sets the default prebuilt voice used when the session config
// leaves Voice empty.
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

// WithLogger sets the logger used for non-fatal protocol notices.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	voice   string
	baseURL string
	log     *slog.Logger
}

// New creates a new Gemini Live Provider with the given API key and options.
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

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputFormat:        audio.Format{SampleRate: codec.DefaultInputRate, Channels: 1},
		OutputFormat:       audio.Format{SampleRate: codec.DefaultOutputRate, Channels: 1},
		MaxSessionDuration: 15 * time.Minute,
		Voices:             []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
	}
}

// Connect dials the Live endpoint, sends the setup message, and waits for the
// remote's setupComplete acknowledgement. Conversation history in cfg is then
// replayed as completed client turns. The returned channel is ready for audio.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Channel, error) {
	if p.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	wsURL := p.baseURL + endpointPath + "?key=" + url.QueryEscape(p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(-1)

	chCtx, chCancel := context.WithCancel(context.Background())
	ch := &channel{
		conn:   conn,
		events: make(chan s2s.Event, eventBuffer),
		done:   make(chan struct{}),
		ctx:    chCtx,
		cancel: chCancel,
		log:    p.log,
	}

	fail := func(op string, err error) (s2s.Channel, error) {
		chCancel()
		conn.Close(websocket.StatusInternalError, op+" failed")
		return nil, fmt.Errorf("gemini: %s: %w", op, err)
	}

	if err := ch.writeJSON(ctx, p.setupMessage(cfg)); err != nil {
		return fail("setup", err)
	}
	if err := ch.awaitSetupComplete(ctx); err != nil {
		return fail("setup", err)
	}
	if err := ch.sendHistory(ctx, cfg.History); err != nil {
		return fail("history", err)
	}

	go ch.receiveLoop()
	go ch.keepaliveLoop()

	return ch, nil
}

func (p *Provider) setupMessage(cfg s2s.SessionConfig) setupMessage {
	voice := cfg.Voice
	if voice == "" {
		voice = p.voice
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + p.model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
					},
				},
			},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &content{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	return msg
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Role  string `json:"role,omitempty"`
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

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
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
		return fmt.Sprintf("gemini: remote error %d (%s): %s", e.Code, e.Status, msg)
	}
	return fmt.Sprintf("gemini: remote error %d: %s", e.Code, msg)
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// toEvent flattens a serverContent message into an s2s.Event. It reports
// false when the message carries nothing the session cares about.
func (sc *serverContent) toEvent() (s2s.Event, bool) {
	var ev s2s.Event
	if sc.InputTranscription != nil {
		ev.InputTranscript = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		ev.OutputTranscript = sc.OutputTranscription.Text
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			ev.Audio = append(ev.Audio, s2s.AudioPayload{
				Data:       p.InlineData.Data,
				MIMEType:   p.InlineData.MIMEType,
				SampleRate: codec.RateFromMIME(p.InlineData.MIMEType, codec.DefaultOutputRate),
				Channels:   1,
			})
		}
	}
	ev.Interrupted = sc.Interrupted
	ev.TurnComplete = sc.TurnComplete

	empty := ev.InputTranscript == "" && ev.OutputTranscript == "" &&
		len(ev.Audio) == 0 && !ev.Interrupted && !ev.TurnComplete
	return ev, !empty
}

// ── channel ────────────────────────────────────────────────────────────────────

type channel struct {
	conn   *websocket.Conn
	events chan s2s.Event
	log    *slog.Logger

	mu     sync.Mutex
	errVal error
	done   chan struct{}
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *channel) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// awaitSetupComplete reads until the remote acknowledges setup. Any other
// message before the acknowledgement is discarded.
func (c *channel) awaitSetupComplete(ctx context.Context) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return msg.Error
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// sendHistory replays prior turns as a single clientContent message. The
// turn is left open so the model waits for the user's speech.
func (c *channel) sendHistory(ctx context.Context, history []s2s.HistoryItem) error {
	turns := make([]content, 0, len(history))
	for _, h := range history {
		if h.Text == "" {
			continue
		}
		role := "user"
		if h.IsModel() {
			role = "model"
		}
		turns = append(turns, content{Role: role, Parts: []part{{Text: h.Text}}})
	}
	if len(turns) == 0 {
		return nil
	}
	return c.writeJSON(ctx, clientContentMessage{
		ClientContent: clientContent{Turns: turns, TurnComplete: false},
	})
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns events: it closes the channel when it exits.
func (c *channel) receiveLoop() {
	defer c.closeEvents()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			// If the channel context was cancelled, exit cleanly.
			if c.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) != -1 {
				c.setErr(fmt.Errorf("gemini: connection closed by remote: %w", err))
			} else {
				c.setErr(fmt.Errorf("gemini: read: %w", err))
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}

		if msg.Error != nil {
			c.setErr(msg.Error)
			c.cancel()
			c.conn.Close(websocket.StatusNormalClosure, "remote error")
			return
		}
		if msg.GoAway != nil {
			c.log.Warn("gemini: server will close the session soon", "time_left", msg.GoAway.TimeLeft)
		}
		if msg.ServerContent == nil {
			continue
		}
		ev, ok := msg.ServerContent.toEvent()
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

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *channel) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			_ = c.conn.Ping(pingCtx)
			cancel()
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

// SendAudio delivers one 16 kHz PCM wire frame to the model.
func (c *channel) SendAudio(frame codec.WireFrame) error {
	c.mu.Lock()
	if c.closed || c.errVal != nil {
		c.mu.Unlock()
		return s2s.ErrChannelClosed
	}
	c.mu.Unlock()

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{MIMEType: frame.MIMEType, Data: frame.Data}},
		},
	}
	if err := c.writeJSON(c.ctx, msg); err != nil {
		if c.ctx.Err() != nil {
			return s2s.ErrChannelClosed
		}
		return fmt.Errorf("gemini: send audio: %w", err)
	}
	return nil
}

// Events returns the channel on which inbound server content arrives.
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

	c.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(c.done) // signals keepaliveLoop via done channel
	c.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
