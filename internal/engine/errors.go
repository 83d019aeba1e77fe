package engine

import (
	"errors"
	"fmt"

	"github.com/MrWong99/nexuslive/pkg/provider/s2s"
)

// ErrClosed is returned by [Session.Start] when the session was closed before
// or while it was starting.
var ErrClosed = errors.New("engine: session closed")

// Device names carried by [AcquisitionError].
const (
	DeviceMicrophone = "microphone"
	DeviceSpeaker    = "speaker"
)

// AcquisitionError reports that a local audio device could not be opened or
// stopped delivering audio. It is fatal to the session.
type AcquisitionError struct {
	// Device is [DeviceMicrophone] or [DeviceSpeaker].
	Device string
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("engine: acquire %s: %v", e.Device, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// TransportError reports that the remote channel could not be opened,
// rejected a frame, or dropped. It is fatal to the session.
type TransportError struct {
	// Op is "connect", "send", or "receive".
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("engine: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError reports a malformed inbound audio chunk. The chunk is dropped
// and the session continues; DecodeError never ends a session.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("engine: decode chunk: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// errorKind classifies err for metrics and logs.
func errorKind(err error) string {
	var acq *AcquisitionError
	var tr *TransportError
	var dec *DecodeError
	switch {
	case errors.As(err, &acq):
		return "acquisition"
	case errors.As(err, &tr):
		return "transport"
	case errors.As(err, &dec):
		return "decode"
	default:
		return "other"
	}
}

// UserMessage renders err as a short sentence suitable for showing next to
// the session status.
func UserMessage(err error) string {
	var acq *AcquisitionError
	var tr *TransportError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, s2s.ErrNotConfigured):
		return "Live voice mode is not configured. The API key is missing."
	case errors.As(err, &acq):
		if acq.Device == DeviceSpeaker {
			return "Could not start live voice mode. Please check the audio output device."
		}
		return "Could not start live voice mode. Please check microphone permissions."
	case errors.As(err, &tr):
		if tr.Op == "connect" {
			return "Could not connect to the voice service: " + tr.Err.Error()
		}
		return "A network error occurred. The connection was lost."
	default:
		return err.Error()
	}
}
