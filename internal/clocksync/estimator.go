// Package clocksync turns round-trip samples into a smoothed clock offset.
//
// The offset assumes symmetric network delay (the server stamped its clock at
// the midpoint of the round trip). Asymmetric paths bias the result by half the
// asymmetry; the estimate is best-effort smoothing, not an accuracy bound.
package clocksync

import (
	"errors"
	"math"
	"time"

	"betterclock/internal/model"
)

var (
	// ErrOutlier is returned for samples whose RTT is far above the smoothed RTT.
	ErrOutlier = errors.New("rtt outlier rejected")
	// ErrInvalidSample is returned for samples that cannot be real measurements.
	ErrInvalidSample = errors.New("invalid sync sample")
)

const (
	// DefaultAlpha settles within ~10 samples (0.75^10 < 0.06).
	DefaultAlpha             = 0.25
	DefaultOutlierMultiplier = 3.0

	minOutlierSlackMs     = 5.0
	maxConsecutiveRejects = 5
)

// Options tune the estimator.
type Options struct {
	Alpha             float64
	OutlierMultiplier float64
}

// Estimator folds SyncSamples into a ClockEstimate. It is not safe for
// concurrent use; the poll loop owns it.
type Estimator struct {
	alpha      float64
	multiplier float64
	est        model.ClockEstimate
	rejectRun  int
}

// New returns an estimator with no samples.
func New(opts Options) *Estimator {
	alpha := opts.Alpha
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	mult := opts.OutlierMultiplier
	if mult <= 1 {
		mult = DefaultOutlierMultiplier
	}
	return &Estimator{alpha: alpha, multiplier: mult}
}

// Observe folds one sample into the estimate. Rejected samples leave the
// smoothed values untouched and return ErrOutlier with the current estimate.
func (e *Estimator) Observe(s model.SyncSample) (model.ClockEstimate, error) {
	rtt := s.RecvMs - s.SendMs
	if rtt < 0 || math.IsNaN(rtt) || math.IsInf(rtt, 0) || math.IsNaN(s.ServerMs) {
		return e.est, ErrInvalidSample
	}
	offset := s.ServerMs - (s.SendMs + rtt/2)

	if e.est.SampleCount > 0 && rtt > e.outlierThreshold() && e.rejectRun < maxConsecutiveRejects {
		e.rejectRun++
		e.est.RejectedCount++
		return e.est, ErrOutlier
	}
	e.rejectRun = 0

	if e.est.SampleCount == 0 {
		e.est.SmoothedRTTMs = rtt
		e.est.SmoothedOffsetMs = offset
	} else {
		e.est.SmoothedRTTMs = e.alpha*rtt + (1-e.alpha)*e.est.SmoothedRTTMs
		e.est.SmoothedOffsetMs = e.alpha*offset + (1-e.alpha)*e.est.SmoothedOffsetMs
	}
	e.est.LastRawRTTMs = rtt
	e.est.LastRawOffsetMs = offset
	e.est.DesyncMs = math.Abs(offset - e.est.SmoothedOffsetMs)
	e.est.SampleCount++
	return e.est, nil
}

func (e *Estimator) outlierThreshold() float64 {
	return math.Max(e.multiplier*e.est.SmoothedRTTMs, e.est.SmoothedRTTMs+minOutlierSlackMs)
}

// Estimate returns the current state.
func (e *Estimator) Estimate() model.ClockEstimate {
	return e.est
}

// CorrectedTime applies the smoothed offset to a local instant.
func (e *Estimator) CorrectedTime(local time.Time) time.Time {
	return local.Add(time.Duration(e.est.SmoothedOffsetMs * float64(time.Millisecond)))
}

// UnixMs converts an instant to fractional epoch milliseconds.
func UnixMs(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1000.0
}
