package voice

import (
	"math"
	"time"
)

// While idle the threshold drifts toward 1.5x the ambient level; damping is
// the share of the old threshold kept per second of audio.
const (
	thresholdRatio = 1.5
	dynamicDamping = 0.15
)

// phraseDetector splits a frame stream into silence-terminated phrases.
// Durations come from sample counts, so results do not depend on how fast
// frames arrive.
type phraseDetector struct {
	pause     time.Duration
	limit     time.Duration
	minPhrase time.Duration

	speaking bool
	buf      []int16
	length   time.Duration
	silence  time.Duration
}

func newPhraseDetector(pause, limit, minPhrase time.Duration) *phraseDetector {
	return &phraseDetector{pause: pause, limit: limit, minPhrase: minPhrase}
}

// push feeds one frame lasting dur with energy rms. It returns a completed
// phrase and its duration when the frame ends one.
func (d *phraseDetector) push(frame []int16, dur time.Duration, rms, threshold float64) ([]int16, time.Duration, bool) {
	loud := rms > threshold
	if !d.speaking {
		if !loud {
			return nil, 0, false
		}
		d.speaking = true
	}

	d.buf = append(d.buf, frame...)
	d.length += dur
	if loud {
		d.silence = 0
	} else {
		d.silence += dur
	}

	if d.silence < d.pause && (d.limit <= 0 || d.length < d.limit) {
		return nil, 0, false
	}

	voiced := d.length - d.silence
	phrase := make([]int16, len(d.buf))
	copy(phrase, d.buf)
	length := d.length
	d.reset()
	if voiced < d.minPhrase {
		return nil, 0, false
	}
	return phrase, length, true
}

func (d *phraseDetector) inPhrase() bool { return d.speaking }

func (d *phraseDetector) reset() {
	d.speaking = false
	d.buf = d.buf[:0]
	d.length = 0
	d.silence = 0
}

// adjustThreshold moves threshold toward the ambient level seen in an idle
// frame, never below floor.
func adjustThreshold(threshold, rms, floor float64, dur time.Duration) float64 {
	damping := math.Pow(dynamicDamping, dur.Seconds())
	next := threshold*damping + rms*thresholdRatio*(1-damping)
	if next < floor {
		return floor
	}
	return next
}
