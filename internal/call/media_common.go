package call

import (
	"github.com/pion/mediadevices"
)

// AudioCapture is the exclusive local microphone handle. The codec selector
// travels with it because the negotiator's MediaEngine must be populated
// with the same opus parameters the capture was opened with.
type AudioCapture struct {
	tracks   []mediadevices.Track
	selector *mediadevices.CodecSelector
}

// Close releases the capture device. Idempotent per track semantics of
// pion/mediadevices.
func (a *AudioCapture) Close() error {
	for _, t := range a.tracks {
		_ = t.Close()
	}
	return nil
}
