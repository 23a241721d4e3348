package filter

import (
	"fmt"
	"math"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/dsp/fourier"

	"capcluster/internal/models"
)

// padSeconds is how much mirrored signal is added at each end before the
// transform, limiting wrap-around at the edges.
const padSeconds = 30.0

// Band is a trapezoidal band-pass in Hz. The gain rises linearly from 0 at
// LowStop to 1 at LowPass, stays 1 up to HighPass and falls back to 0 at
// HighStop. A zero LowPass keeps the mean; a zero HighStop is "no upper
// limit".
type Band struct {
	Name     string
	LowStop  float64
	LowPass  float64
	HighPass float64
	HighStop float64
}

var bands = map[string]Band{
	"vlf":     {Name: "vlf", LowStop: 0, LowPass: 0, HighPass: 0.009, HighStop: 0.010},
	"lfo":     {Name: "lfo", LowStop: 0.009, LowPass: 0.010, HighPass: 0.15, HighStop: 0.20},
	"resp":    {Name: "resp", LowStop: 0.15, LowPass: 0.20, HighPass: 0.5, HighStop: 0.6},
	"cardiac": {Name: "cardiac", LowStop: 0.6, LowPass: 0.66, HighPass: 3.0, HighStop: 3.2},
}

// ParseBand resolves a prefilter name. "none" and "" return ok == false.
// "arb" builds a band passing [low, high] with 10% transitions.
func ParseBand(name string, low, high float64) (band Band, ok bool, err error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "", "none":
		return Band{}, false, nil
	case "arb":
		if low < 0 || high <= low {
			return Band{}, false, fmt.Errorf("%w: arbitrary band [%g, %g] Hz", models.ErrInvalidConfiguration, low, high)
		}
		return Band{Name: "arb", LowStop: 0.9 * low, LowPass: low, HighPass: high, HighStop: 1.1 * high}, true, nil
	}
	b, found := bands[name]
	if !found {
		return Band{}, false, fmt.Errorf("%w: unknown prefilter %q", models.ErrInvalidConfiguration, name)
	}
	return b, true, nil
}

// Gain is the filter response at frequency f Hz.
func (b Band) Gain(f float64) float64 {
	f = math.Abs(f)
	switch {
	case f < b.LowStop:
		return 0
	case f < b.LowPass:
		return (f - b.LowStop) / (b.LowPass - b.LowStop)
	case b.HighStop == 0 || f <= b.HighPass:
		return 1
	case f < b.HighStop:
		return (b.HighStop - f) / (b.HighStop - b.HighPass)
	default:
		return 0
	}
}

// Filter applies the band to one evenly sampled series. The series is
// mirrored at both ends, transformed, weighted by Gain and transformed back.
// A Filter is not safe for concurrent use.
type Filter struct {
	n, pad int
	fft    *fourier.FFT
	gains  []float64
}

// NewFilter prepares a filter for series of length n sampled at rate Hz.
func NewFilter(band Band, rate float64, n int) (*Filter, error) {
	if rate <= 0 || math.IsNaN(rate) {
		return nil, fmt.Errorf("%w: prefilter needs a positive sample rate, got %g", models.ErrInvalidConfiguration, rate)
	}
	if n < 1 {
		return nil, fmt.Errorf("%w: empty time series", models.ErrDegenerateInput)
	}
	pad := int(math.Ceil(padSeconds * rate))
	if pad > n-1 {
		pad = n - 1
	}
	total := n + 2*pad
	fft := fourier.NewFFT(total)
	gains := make([]float64, total/2+1)
	for i := range gains {
		gains[i] = band.Gain(fft.Freq(i) * rate)
	}
	return &Filter{n: n, pad: pad, fft: fft, gains: gains}, nil
}

// Apply filters series into dst, allocating when dst is short. A constant
// series yields itself when the band keeps the mean, zeros otherwise.
func (f *Filter) Apply(dst, series []float64) []float64 {
	if cap(dst) < f.n {
		dst = make([]float64, f.n)
	}
	dst = dst[:f.n]

	constant := true
	for _, v := range series[1:] {
		if v != series[0] {
			constant = false
			break
		}
	}
	if constant {
		keep := 0.0
		if f.gains[0] > 0 {
			keep = series[0]
		}
		for i := range dst {
			dst[i] = keep
		}
		return dst
	}

	total := f.n + 2*f.pad
	padded := make([]float64, total)
	for i := range padded {
		padded[i] = series[reflect(i-f.pad, f.n)]
	}
	coeff := f.fft.Coefficients(nil, padded)
	for i := range coeff {
		coeff[i] *= complex(f.gains[i], 0)
	}
	back := f.fft.Sequence(nil, coeff)
	scale := 1 / float64(total)
	for i := range dst {
		dst[i] = back[i+f.pad] * scale
	}
	return dst
}

// FilterVolume band-passes every voxel's time series of vol at the sample
// rate 1/TR, using up to workers goroutines (0 uses every CPU). vol is left
// untouched.
func FilterVolume(vol *models.Volume, band Band, workers int) (*models.Volume, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	if vol.Geometry.TR <= 0 {
		return nil, fmt.Errorf("%w: prefilter needs the repetition time, header has %g", models.ErrInvalidConfiguration, vol.Geometry.TR)
	}
	rate := 1 / vol.Geometry.TR
	if _, err := NewFilter(band, rate, vol.Dims.T); err != nil {
		return nil, err
	}

	out := models.NewVolume(vol.Dims, vol.Geometry)
	nv := vol.Dims.NumVoxels()
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	chunk := (nv + workers - 1) / workers
	var g errgroup.Group
	for lo := 0; lo < nv; lo += chunk {
		lo := lo
		hi := min(lo+chunk, nv)
		g.Go(func() error {
			filt, err := NewFilter(band, rate, vol.Dims.T)
			if err != nil {
				return err
			}
			var series, filtered []float64
			for idx := lo; idx < hi; idx++ {
				series = vol.TimeSeries(idx, series)
				filtered = filt.Apply(filtered, series)
				for t, v := range filtered {
					out.Data[t*nv+idx] = v
				}
			}
			return nil
		})
	}
	return out, g.Wait()
}
