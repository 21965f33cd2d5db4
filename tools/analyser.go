package tools

import (
	"math"
	"math/cmplx"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	DefaultFFTSize   = 256
	DefaultSmoothing = 0.8

	minDecibels = -100.0
	maxDecibels = -30.0
)

// Spectrum is an immutable telemetry snapshot. Bins are normalized to [0, 1]
// on a decibel scale.
type Spectrum struct {
	Bins  []float64
	Level float64
	RMS   float64
}

// Analyser keeps a rolling frequency-magnitude snapshot of an audio stream.
// Process is called by the single producer; readers only load the published
// snapshot and never contend with it.
type Analyser struct {
	mu        sync.Mutex
	fft       *fourier.FFT
	size      int
	smoothing float64
	window    []float64
	history   []float64
	seq       []float64
	coeffs    []complex128
	smoothed  []float64

	snapshot atomic.Pointer[Spectrum]
}

func NewAnalyser(size int, smoothing float64) *Analyser {
	if size <= 0 || size%2 != 0 {
		size = DefaultFFTSize
	}
	if smoothing < 0 || smoothing >= 1 {
		smoothing = DefaultSmoothing
	}
	a := &Analyser{
		fft:       fourier.NewFFT(size),
		size:      size,
		smoothing: smoothing,
		window:    blackman(size),
		history:   make([]float64, size),
		seq:       make([]float64, size),
		coeffs:    make([]complex128, size/2+1),
		smoothed:  make([]float64, size/2),
	}
	a.snapshot.Store(&Spectrum{Bins: make([]float64, size/2)})
	return a
}

func (a *Analyser) Process(samples []float32) {
	if a == nil || len(samples) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))

	// Slide the newest samples into the analysis window.
	if len(samples) >= a.size {
		for i := range a.history {
			a.history[i] = float64(samples[len(samples)-a.size+i])
		}
	} else {
		copy(a.history, a.history[len(samples):])
		tail := a.history[a.size-len(samples):]
		for i, s := range samples {
			tail[i] = float64(s)
		}
	}
	for i := range a.seq {
		a.seq[i] = a.history[i] * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.seq)

	bins := make([]float64, len(a.smoothed))
	var total float64
	for k := range a.smoothed {
		mag := cmplx.Abs(a.coeffs[k]) / float64(a.size)
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag
		bins[k] = normalizeDecibels(a.smoothed[k])
		total += bins[k]
	}
	a.snapshot.Store(&Spectrum{
		Bins:  bins,
		Level: total / float64(len(bins)),
		RMS:   rms,
	})
}

func (a *Analyser) Spectrum() Spectrum {
	if a == nil {
		return Spectrum{}
	}
	return *a.snapshot.Load()
}

func (a *Analyser) Level() float64 {
	return a.Spectrum().Level
}

func normalizeDecibels(mag float64) float64 {
	if mag <= 0 {
		return 0
	}
	db := 20 * math.Log10(mag)
	v := (db - minDecibels) / (maxDecibels - minDecibels)
	return math.Max(0, math.Min(1, v))
}

func blackman(n int) []float64 {
	const alpha = 0.16
	a0, a1, a2 := (1-alpha)/2, 0.5, alpha/2
	w := make([]float64, n)
	for i := range w {
		x := float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(2*math.Pi*x) + a2*math.Cos(4*math.Pi*x)
	}
	return w
}
