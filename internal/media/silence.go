package media

import (
	"context"
	"time"

	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// opusSilenceFrame is a single 20ms Opus frame that decodes to silence.
var opusSilenceFrame = []byte{0xf8, 0xff, 0xfe}

const silenceFrameDuration = 20 * time.Millisecond

// PumpSilence writes Opus silence frames to whatever source currently occupies
// the audio slot until ctx is done. current is called once per frame so slot
// replacements are picked up without restarting the pump.
func PumpSilence(ctx context.Context, current func() *Source) error {
	ticker := time.NewTicker(silenceFrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		src := current()
		if src == nil || src.Class() != ClassSilence {
			continue
		}
		if err := src.WriteSample(pionmedia.Sample{Data: opusSilenceFrame, Duration: silenceFrameDuration}); err != nil {
			return err
		}
	}
}
