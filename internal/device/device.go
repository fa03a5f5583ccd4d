// Package device wraps the microphone and speaker.
//
// Hardware access needs cgo and the PortAudio/ALSA libraries, so it is only
// compiled with the portaudio build tag. Without it the constructors return
// ErrUnavailable.
package device

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/faiface/beep/mp3"
)

// ErrUnavailable is returned when the binary was built without audio device support
var ErrUnavailable = errors.New("audio devices unavailable: build with -tags portaudio")

// MP3Duration decodes the payload header and frame count to measure its playback time
func MP3Duration(payload []byte) (time.Duration, error) {
	if len(payload) == 0 {
		return 0, fmt.Errorf("empty mp3 payload")
	}

	streamer, format, err := mp3.Decode(io.NopCloser(bytes.NewReader(payload)))
	if err != nil {
		return 0, fmt.Errorf("failed to decode mp3: %w", err)
	}
	defer streamer.Close()

	return format.SampleRate.D(streamer.Len()), nil
}
