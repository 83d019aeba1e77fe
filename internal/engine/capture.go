package engine

import (
	"context"
	"errors"

	"github.com/MrWong99/nexuslive/pkg/audio"
	"github.com/MrWong99/nexuslive/pkg/audio/codec"
	"github.com/MrWong99/nexuslive/pkg/provider/s2s"
)

var errMicrophoneEnded = errors.New("microphone stream ended")

// capture forwards microphone frames to the remote until ctx is cancelled,
// the stream ends, or a send fails. It never touches session status
// directly; the actor learns about every captured frame, muted or not,
// through frameReady and about failures through fatal.
func (s *Session) capture(ctx context.Context, stream audio.InputStream, remote s2s.Channel) {
	defer s.captureWG.Done()

	frames := stream.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				err := stream.Err()
				if err == nil {
					err = errMicrophoneEnded
				}
				s.fail(&AcquisitionError{Device: DeviceMicrophone, Err: err})
				return
			}

			// Muted frames still drive status derivation.
			select {
			case s.frameReady <- struct{}{}:
			default:
			}

			if s.muted.Load() {
				s.metrics.RecordFrameDropped(ctx, "muted")
				continue
			}

			rate := f.SampleRate
			if rate == 0 {
				rate = s.cfg.InputFormat.SampleRate
			}
			frame := codec.EncodeFloat(f.Samples, rate)
			if err := remote.SendAudio(frame); err != nil {
				if errors.Is(err, s2s.ErrChannelClosed) {
					// The receive side reports why the channel ended.
					s.metrics.RecordFrameDropped(ctx, "closed")
					return
				}
				s.fail(&TransportError{Op: "send", Err: err})
				return
			}
			s.metrics.FramesSent.Add(ctx, 1)
		}
	}
}

// fail reports a fatal error to the actor. Only the first one is kept.
func (s *Session) fail(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}
