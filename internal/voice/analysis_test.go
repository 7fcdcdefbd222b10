package voice

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAnalyzeSilence(t *testing.T) {
	a := Analyze(make([]int16, frameSize), testRate, 1)
	require.Zero(t, a.RMS)
	require.Zero(t, a.Volume)
	require.Zero(t, a.DominantFrequency)
	require.Len(t, a.Waveform, waveformPoints)
}

func TestAnalyzeTone(t *testing.T) {
	a := Analyze(tone(2000, 16384, 640), testRate, 1)
	require.InDelta(t, 2000, a.DominantFrequency, 25)
	require.InDelta(t, 16384/1.41421356, a.RMS, 50)
	require.InDelta(t, 0.5, a.Peak, 0.01)
	for _, v := range a.Waveform {
		require.LessOrEqual(t, v, 1.0)
		require.GreaterOrEqual(t, v, -1.0)
	}
}

func TestAnalyzeDownmixesStereo(t *testing.T) {
	mono := tone(500, 4000, 320)
	stereo := make([]int16, 0, len(mono)*2)
	for _, s := range mono {
		stereo = append(stereo, s, s)
	}
	a := Analyze(stereo, testRate, 2)
	require.InDelta(t, 500, a.DominantFrequency, 50)
	require.InDelta(t, frameRMS(mono), a.RMS, 1e-9)
}

func TestNormalizedVolume(t *testing.T) {
	require.Zero(t, normalizedVolume(0))
	require.Zero(t, normalizedVolume(10)) // about -70 dBFS
	require.InDelta(t, 1.0, normalizedVolume(fullScale), 1e-9)
	require.InDelta(t, 0.5, normalizedVolume(fullScale*math.Pow(10, -1.5)), 1e-9)
}

func TestWaveformKeepsLargestExcursion(t *testing.T) {
	samples := []int16{0, 100, -200, 50, 0, 0, 300, -10}
	require.Equal(t, []float64{-200 / fullScale, 300 / fullScale}, waveform(samples, 2))
	require.Len(t, waveform(samples[:3], 64), 3)
	require.Empty(t, waveform(nil, 64))
}

func TestVolumeRing(t *testing.T) {
	r := newVolumeRing(time.Second, 250*time.Millisecond)
	require.Empty(t, r.recent(0))

	for i := 1; i <= 6; i++ {
		r.push(float64(i))
	}
	require.Equal(t, []float64{3, 4, 5, 6}, r.recent(0))
	require.Equal(t, []float64{5, 6}, r.recent(2))
	require.Equal(t, []float64{3, 4, 5, 6}, r.recent(10))
}

func TestPhraseDetector(t *testing.T) {
	d := newPhraseDetector(60*time.Millisecond, 200*time.Millisecond, 40*time.Millisecond)
	frame := time.Duration(20) * time.Millisecond
	loud, quiet := []int16{1, 1}, []int16{0, 0}

	_, _, ok := d.push(quiet, frame, 0, 100)
	require.False(t, ok)
	require.False(t, d.inPhrase())

	for i := 0; i < 3; i++ {
		_, _, ok = d.push(loud, frame, 500, 100)
		require.False(t, ok)
	}
	require.True(t, d.inPhrase())
	d.push(quiet, frame, 0, 100)
	d.push(quiet, frame, 0, 100)
	phrase, length, ok := d.push(quiet, frame, 0, 100)
	require.True(t, ok)
	require.Equal(t, 120*time.Millisecond, length)
	require.Len(t, phrase, 12)
	require.False(t, d.inPhrase())

	// The phrase limit cuts continuous speech.
	for i := 0; i < 9; i++ {
		_, _, ok = d.push(loud, frame, 500, 100)
		require.False(t, ok)
	}
	_, length, ok = d.push(loud, frame, 500, 100)
	require.True(t, ok)
	require.Equal(t, 200*time.Millisecond, length)

	// A single loud frame is too short.
	d.push(loud, frame, 500, 100)
	for i := 0; i < 3; i++ {
		_, _, ok = d.push(quiet, frame, 0, 100)
		require.False(t, ok)
	}
}

func TestAdjustThreshold(t *testing.T) {
	next := adjustThreshold(300, 100, 50, time.Second)
	require.InDelta(t, 300*0.15+150*0.85, next, 1e-9)
	require.Equal(t, 50.0, adjustThreshold(60, 0, 50, time.Second))
	require.Equal(t, 300.0, adjustThreshold(300, 100, 50, 0))
}

func TestFrameSource(t *testing.T) {
	src := NewFrameSource(2)
	require.True(t, src.Push([]int16{1, 2, 3}))
	require.True(t, src.PushPCM(EncodePCM([]int16{4, 5})))
	require.False(t, src.Push([]int16{6}), "buffer full")

	buf := make([]int16, 2)
	n, err := src.Read(context.Background(), buf)
	require.NoError(t, err)
	require.Equal(t, []int16{1, 2}, buf[:n])
	n, err = src.Read(context.Background(), buf)
	require.NoError(t, err)
	require.Equal(t, []int16{3}, buf[:n])

	require.NoError(t, src.Close())
	n, err = src.Read(context.Background(), buf)
	require.NoError(t, err, "queued frames drain after close")
	require.Equal(t, []int16{4, 5}, buf[:n])
	_, err = src.Read(context.Background(), buf)
	require.ErrorIs(t, err, ErrSourceClosed)
	require.False(t, src.Push([]int16{7}))
}

func TestFrameSourceReadTimeout(t *testing.T) {
	src := NewFrameSource(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := src.Read(ctx, make([]int16, 4))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
