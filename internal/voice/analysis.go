package voice

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/safwanbuddy/buddy-core/internal/protocol"
)

const (
	waveformPoints = 64
	fullScale      = 32768.0
	// Volumes below -60 dBFS read as silence.
	volumeFloorDB = -60.0
)

// frameRMS is the root mean square of raw 16-bit samples.
func frameRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// normalizedVolume maps an RMS level onto [0,1] on a dBFS scale.
func normalizedVolume(rms float64) float64 {
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms/fullScale)
	v := (db - volumeFloorDB) / -volumeFloorDB
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Analyze summarizes one frame of interleaved PCM for visualization.
func Analyze(samples []int16, sampleRate, channels int) protocol.AudioAnalysis {
	mono := downmix(samples, channels)
	rms := frameRMS(mono)

	var peak float64
	for _, s := range mono {
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
	}

	return protocol.AudioAnalysis{
		SampleRate:        sampleRate,
		RMS:               rms,
		Peak:              peak / fullScale,
		Volume:            normalizedVolume(rms),
		DominantFrequency: dominantFrequency(mono, sampleRate),
		Waveform:          waveform(mono, waveformPoints),
	}
}

func downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	out := make([]int16, len(samples)/channels)
	for i := range out {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

func dominantFrequency(samples []int16, sampleRate int) float64 {
	n := len(samples)
	if n < 2 || sampleRate <= 0 {
		return 0
	}
	seq := make([]float64, n)
	for i, s := range samples {
		seq[i] = float64(s) / fullScale
	}
	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, seq)

	best, bestMag := 0, 0.0
	// Skip the DC bin.
	for i := 1; i < len(coeffs); i++ {
		c := coeffs[i]
		if mag := real(c)*real(c) + imag(c)*imag(c); mag > bestMag {
			best, bestMag = i, mag
		}
	}
	if best == 0 {
		return 0
	}
	return fft.Freq(best) * float64(sampleRate)
}

// waveform reduces samples to at most points values in [-1,1], keeping the
// largest excursion of each bucket.
func waveform(samples []int16, points int) []float64 {
	if len(samples) == 0 {
		return []float64{}
	}
	if len(samples) < points {
		points = len(samples)
	}
	out := make([]float64, points)
	bucket := float64(len(samples)) / float64(points)
	for i := range out {
		start := int(float64(i) * bucket)
		end := int(float64(i+1) * bucket)
		if end > len(samples) {
			end = len(samples)
		}
		var v int16
		for _, s := range samples[start:end] {
			if abs16(s) > abs16(v) {
				v = s
			}
		}
		out[i] = float64(v) / fullScale
	}
	return out
}

func abs16(v int16) int {
	if v < 0 {
		return -int(v)
	}
	return int(v)
}

// volumeRing keeps the most recent normalized volumes for a fixed window.
type volumeRing struct {
	mu     sync.Mutex
	values []float64
	next   int
	full   bool
}

func newVolumeRing(window, interval time.Duration) *volumeRing {
	size := 1
	if interval > 0 && window > interval {
		size = int(window / interval)
	}
	return &volumeRing{values: make([]float64, size)}
}

func (r *volumeRing) push(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[r.next] = v
	r.next = (r.next + 1) % len(r.values)
	if r.next == 0 {
		r.full = true
	}
}

// recent returns up to n values, oldest first. n <= 0 returns everything.
func (r *volumeRing) recent(n int) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := r.next
	if r.full {
		count = len(r.values)
	}
	if n <= 0 || n > count {
		n = count
	}
	out := make([]float64, n)
	start := r.next - n
	if start < 0 {
		start += len(r.values)
	}
	for i := range out {
		out[i] = r.values[(start+i)%len(r.values)]
	}
	return out
}
