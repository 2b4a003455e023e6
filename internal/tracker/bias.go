package tracker

import "gonum.org/v1/gonum/spatial/r3"

const (
	biasWindow    = 500
	biasBlocks    = 10
	biasTolerance = 0.01
)

// BiasDetector watches the gyro stream for a stationary controller and
// reports the gyro's DC bias when it finds one.
//
// Samples are collected in windows. Only sample norms are buffered, plus a
// running vector sum, so a slowly changing direction with a constant norm is
// not detected. With a strict tolerance that does not matter in practice.
type BiasDetector struct {
	norms [biasWindow]float64
	n     int
	sum   r3.Vec
}

// Add feeds one angular velocity sample. When a full window turns out to be
// stationary it returns the window's mean angular velocity and true.
func (d *BiasDetector) Add(angularVelocity r3.Vec) (r3.Vec, bool) {
	d.norms[d.n] = r3.Norm(angularVelocity)
	d.n++
	d.sum = r3.Add(d.sum, angularVelocity)
	if d.n < biasWindow {
		return r3.Vec{}, false
	}

	average := r3.Scale(1/float64(d.n), d.sum)
	averageNorm := r3.Norm(average)
	minReq := averageNorm * (1 - biasTolerance)
	maxReq := averageNorm * (1 + biasTolerance)

	blockSize := biasWindow / biasBlocks
	stationary := true
	for i := 0; i < biasBlocks; i++ {
		var sum float64
		for j := 0; j < blockSize; j++ {
			sum += d.norms[i*blockSize+j]
		}
		norm := sum / float64(blockSize)
		if norm < minReq || norm > maxReq {
			stationary = false
			break
		}
	}

	d.Reset()
	if !stationary {
		return r3.Vec{}, false
	}
	return average, true
}

// Reset discards the partially filled window.
func (d *BiasDetector) Reset() {
	d.n = 0
	d.sum = r3.Vec{}
}

// Window is the number of samples evaluated at a time.
func (d *BiasDetector) Window() int { return biasWindow }
