package source

import (
	"context"
	"time"

	"github.com/MrWong99/ndisrc/internal/observe"
	"github.com/MrWong99/ndisrc/pkg/audio"
	"github.com/MrWong99/ndisrc/pkg/receiver"
)

// pollTimeout bounds each blocking capture attempt.
const pollTimeout = 1000 * time.Millisecond

type pollResult int

const (
	resultAudio pollResult = iota
	resultNoFrame
	resultError
)

// polled is the outcome of one capture attempt.
type polled struct {
	result pollResult
	frame  *audio.AudioFrame

	// reason is the loss reason for non-audio results.
	reason string
	err    error
}

// pollAudio makes one capture attempt. Anything other than a valid audio
// frame is reported as no-frame or error; retrying is up to the caller. The
// returned error is non-nil only when ctx ended.
func pollAudio(ctx context.Context, rx receiver.Receiver, timeout time.Duration) (polled, error) {
	f, err := rx.CaptureNext(ctx, timeout)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return polled{}, ctxErr
	}
	if err != nil {
		return polled{result: resultError, reason: observe.LossError, err: err}, nil
	}
	switch f.Kind {
	case audio.KindAudio:
		if f.Audio == nil || !f.Audio.Valid() {
			return polled{result: resultError, reason: observe.LossError}, nil
		}
		return polled{result: resultAudio, frame: f.Audio}, nil
	case audio.KindError:
		return polled{result: resultError, reason: observe.LossError}, nil
	case audio.KindNone:
		return polled{result: resultNoFrame, reason: observe.LossNone}, nil
	default:
		return polled{result: resultNoFrame, reason: observe.LossOther}, nil
	}
}
