//go:build !linux

package call

import (
	"context"
	"fmt"
)

// acquireAudio is unavailable off Linux; native capture is Linux-only for
// now, so call setup aborts with a media-unavailable condition.
func acquireAudio(ctx context.Context) (*AudioCapture, error) {
	return nil, fmt.Errorf("audio capture not supported on this platform")
}
