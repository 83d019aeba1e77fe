// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out a controlled Channel.
// Use Channel to inject inbound events, simulate remote failures, and inspect
// the audio frames that were sent.
//
// Example:
//
//	ch := mock.NewChannel()
//	p := &mock.Provider{Channel: ch}
//	...
//	ch.Emit(s2s.Event{OutputTranscript: "hi"})
//	ch.Fail(errors.New("connection reset"))
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/nexuslive/pkg/audio"
	"github.com/MrWong99/nexuslive/pkg/audio/codec"
	"github.com/MrWong99/nexuslive/pkg/provider/s2s"
)

// Compile-time interface assertions.
var (
	_ s2s.Provider = (*Provider)(nil)
	_ s2s.Channel  = (*Channel)(nil)
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Channel is returned by Connect. If nil, Connect creates one with
	// [NewChannel].
	Channel *Channel

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Block, when non-nil, makes Connect wait until the channel is closed or
	// ctx is cancelled.
	Block chan struct{}

	// ProviderCapabilities is returned by Capabilities. A zero value yields
	// 16 kHz mono in and 24 kHz mono out.
	ProviderCapabilities s2s.Capabilities

	connectCalls []ConnectCall
}

// Connect records the call and returns Channel, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Channel, error) {
	p.mu.Lock()
	p.connectCalls = append(p.connectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Channel == nil {
		p.Channel = NewChannel()
	}
	return p.Channel, nil
}

// Capabilities returns ProviderCapabilities, filling in default formats.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	caps := p.ProviderCapabilities
	if caps.InputFormat.SampleRate == 0 {
		caps.InputFormat = audio.Format{SampleRate: codec.DefaultInputRate, Channels: 1}
	}
	if caps.OutputFormat.SampleRate == 0 {
		caps.OutputFormat = audio.Format{SampleRate: codec.DefaultOutputRate, Channels: 1}
	}
	return caps
}

// ConnectCalls returns a copy of all recorded Connect invocations.
func (p *Provider) ConnectCalls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.connectCalls)
}

// Channel is a mock implementation of s2s.Channel.
type Channel struct {
	events chan s2s.Event
	done   chan struct{}

	sendMu sync.Mutex

	mu         sync.Mutex
	sent       []codec.WireFrame
	sendErr    error
	err        error
	ended      bool
	closeCalls int
}

// NewChannel returns an open channel with a buffered event stream.
func NewChannel() *Channel {
	return &Channel{
		events: make(chan s2s.Event, 64),
		done:   make(chan struct{}),
	}
}

// SetSendErr makes subsequent SendAudio calls return err.
func (c *Channel) SetSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Emit delivers an inbound event. It returns false once the channel has
// ended.
func (c *Channel) Emit(ev s2s.Event) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// Fail ends the channel as a remote failure: Events closes and Err reports
// err.
func (c *Channel) Fail(err error) { c.end(err) }

// SendAudio records the frame.
func (c *Channel) SendAudio(frame codec.WireFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return s2s.ErrChannelClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, frame)
	return nil
}

// Sent returns a copy of every frame passed to SendAudio.
func (c *Channel) Sent() []codec.WireFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sent)
}

// Events implements s2s.Channel.
func (c *Channel) Events() <-chan s2s.Event { return c.events }

// Err implements s2s.Channel.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements s2s.Channel.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()
	c.end(nil)
	return nil
}

// CloseCalls reports how many times Close was called.
func (c *Channel) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

func (c *Channel) end(err error) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.err = err
	close(c.done)
	c.mu.Unlock()

	c.sendMu.Lock()
	close(c.events)
	c.sendMu.Unlock()
}
