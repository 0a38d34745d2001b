//go:build linux

package call

import (
	"context"
	"fmt"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)

// acquireAudio captures the local microphone via pion/mediadevices (malgo on
// Linux) with an opus encoder. A missing or busy device returns an error;
// the machine reports it as a media-unavailable condition and stays idle.
func acquireAudio(ctx context.Context) (*AudioCapture, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: selector,
	})
	if err != nil {
		return nil, fmt.Errorf("no capture device: %w", err)
	}

	tracks := stream.GetTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("no audio tracks captured")
	}
	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Printf("CALL: local track ended: %v", err)
			}
		})
	}

	log.Printf("CALL: local microphone captured, %d track(s)", len(tracks))
	return &AudioCapture{tracks: tracks, selector: selector}, nil
}
