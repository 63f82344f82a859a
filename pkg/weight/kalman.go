package weight

import (
	"math"

	"github.com/itohio/grindscale/pkg/config"
)

// Kalman is a one dimensional recursive estimator for a slowly varying
// weight. The estimation error adapts to how far consecutive estimates move,
// so a step change reopens the gain while a steady signal narrows it.
type Kalman struct {
	measurementNoise float64
	initialError     float64
	processNoise     float64

	estimationError float64
	estimate        float64
}

// NewKalman creates an estimator starting at zero.
func NewKalman(cfg config.FilterConfig) *Kalman {
	k := &Kalman{
		measurementNoise: cfg.MeasurementNoise,
		initialError:     cfg.EstimationError,
		processNoise:     cfg.ProcessNoise,
	}
	k.Reset(0)
	return k
}

// Update folds a measurement into the estimate and returns the new estimate.
func (k *Kalman) Update(measurement float64) float64 {
	gain := k.estimationError / (k.estimationError + k.measurementNoise)
	current := k.estimate + gain*(measurement-k.estimate)
	k.estimationError = (1-gain)*k.estimationError + math.Abs(k.estimate-current)*k.processNoise
	k.estimate = current
	return current
}

// Reset discards the filter state and restarts at estimate.
func (k *Kalman) Reset(estimate float64) {
	k.estimationError = k.initialError
	k.estimate = estimate
}

// Estimate returns the last estimate.
func (k *Kalman) Estimate() float64 {
	return k.estimate
}
