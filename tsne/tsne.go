// Package tsne computes exact t-distributed stochastic neighbor
// embeddings.
package tsne

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

var ErrPerplexity = errors.New("perplexity too large for number of points")

type Config struct {
	Dims              int     // output dimensions, default 2
	Perplexity        float64 // default 30
	Iterations        int     // default 1000
	LearningRate      float64 // default n/Exaggeration/4
	Exaggeration      float64 // default 12
	ExaggerationIters int     // default 250
	Seed              uint64

	// If non-nil, called every 50 iterations with the current
	// Kullback-Leibler divergence.
	Progress func(iter int, kl float64)
}

func (cfg *Config) setDefaults(n int) {
	if cfg.Dims < 1 {
		cfg.Dims = 2
	}
	if cfg.Perplexity <= 0 {
		cfg.Perplexity = 30
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = 1000
	}
	if cfg.Exaggeration <= 0 {
		cfg.Exaggeration = 12
	}
	if cfg.ExaggerationIters < 0 {
		cfg.ExaggerationIters = 0
	} else if cfg.ExaggerationIters == 0 {
		cfg.ExaggerationIters = 250
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = AutoLearningRate(n, cfg.Exaggeration)
	}
}

// AutoLearningRate returns the step size for n points at the given
// early exaggeration. Larger steps make the exaggerated attraction
// overshoot, and small inputs end up scattered instead of clustered.
func AutoLearningRate(n int, exaggeration float64) float64 {
	if exaggeration <= 0 {
		exaggeration = 12
	}
	return float64(n) / exaggeration / 4
}

// Embed returns an n x cfg.Dims embedding of the n rows of x using
// exact t-SNE (van der Maaten & Hinton 2008). The result depends only
// on x and cfg.
func Embed(x mat.Matrix, cfg Config) (*mat.Dense, error) {
	n, _ := x.Dims()
	cfg.setDefaults(n)
	if n < 2 {
		return nil, fmt.Errorf("need at least 2 points, have %d", n)
	}
	if 3*cfg.Perplexity > float64(n-1) {
		return nil, fmt.Errorf("%w: perplexity %v, %d points (need 3*perplexity <= n-1)", ErrPerplexity, cfg.Perplexity, n)
	}
	p := affinities(sqDistances(x), cfg.Perplexity)

	norm := distuv.Normal{Mu: 0, Sigma: 1e-4, Src: rand.NewSource(cfg.Seed)}
	dims := cfg.Dims
	y := make([]float64, n*dims)
	for i := range y {
		y[i] = norm.Rand()
	}
	update := make([]float64, n*dims)
	gains := make([]float64, n*dims)
	for i := range gains {
		gains[i] = 1
	}
	grad := make([]float64, n*dims)
	num := make([]float64, n*n)

	for iter := 0; iter < cfg.Iterations; iter++ {
		exag := 1.0
		momentum := 0.8
		if iter < cfg.ExaggerationIters {
			exag = cfg.Exaggeration
			momentum = 0.5
		}

		// Student-t kernel.
		sum := 0.0
		for i := 0; i < n; i++ {
			yi := y[i*dims : (i+1)*dims]
			for j := i + 1; j < n; j++ {
				d := floats.Distance(yi, y[j*dims:(j+1)*dims], 2)
				q := 1 / (1 + d*d)
				num[i*n+j], num[j*n+i] = q, q
				sum += 2 * q
			}
		}

		for i := range grad {
			grad[i] = 0
		}
		for i := 0; i < n; i++ {
			gi := grad[i*dims : (i+1)*dims]
			yi := y[i*dims : (i+1)*dims]
			for j := 0; j < n; j++ {
				if i == j {
					continue
				}
				w := (exag*p[i*n+j] - num[i*n+j]/sum) * num[i*n+j]
				yj := y[j*dims : (j+1)*dims]
				for d := range gi {
					gi[d] += 4 * w * (yi[d] - yj[d])
				}
			}
		}

		for i := range y {
			if (grad[i] > 0) != (update[i] > 0) {
				gains[i] += 0.2
			} else {
				gains[i] *= 0.8
			}
			if gains[i] < 0.01 {
				gains[i] = 0.01
			}
			update[i] = momentum*update[i] - cfg.LearningRate*gains[i]*grad[i]
			y[i] += update[i]
		}
		center(y, n, dims)

		if cfg.Progress != nil && (iter+1)%50 == 0 {
			cfg.Progress(iter+1, kl(p, num, sum, n))
		}
	}
	return mat.NewDense(n, dims, y), nil
}

func sqDistances(x mat.Matrix) []float64 {
	n, _ := x.Dims()
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = mat.Row(nil, i, x)
	}
	d := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			dist := floats.Distance(rows[i], rows[j], 2)
			d[i*n+j] = dist * dist
			d[j*n+i] = dist * dist
		}
	}
	return d
}

// affinities returns the symmetrized joint probabilities P, with
// each conditional distribution calibrated by binary search on the
// Gaussian precision so its entropy matches log(perplexity).
func affinities(d []float64, perplexity float64) []float64 {
	n := int(math.Sqrt(float64(len(d))))
	target := math.Log(perplexity)
	p := make([]float64, n*n)
	row := make([]float64, n)
	for i := 0; i < n; i++ {
		di := d[i*n : (i+1)*n]
		beta, lo, hi := 1.0, math.Inf(-1), math.Inf(1)
		for try := 0; try < 200; try++ {
			h := conditional(di, i, beta, row)
			diff := h - target
			if math.Abs(diff) < 1e-5 {
				break
			}
			if diff > 0 {
				lo = beta
				if math.IsInf(hi, 1) {
					beta *= 2
				} else {
					beta = (beta + hi) / 2
				}
			} else {
				hi = beta
				if math.IsInf(lo, -1) {
					beta /= 2
				} else {
					beta = (beta + lo) / 2
				}
			}
		}
		copy(p[i*n:(i+1)*n], row)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := math.Max((p[i*n+j]+p[j*n+i])/float64(2*n), 1e-12)
			p[i*n+j], p[j*n+i] = v, v
		}
		p[i*n+i] = 0
	}
	return p
}

// conditional fills row with P(j|i) for precision beta and returns
// the entropy (in nats) of that distribution.
func conditional(di []float64, i int, beta float64, row []float64) float64 {
	// Subtract the smallest distance for numerical stability.
	dmin := math.Inf(1)
	for j, v := range di {
		if j != i && v < dmin {
			dmin = v
		}
	}
	sum := 0.0
	for j, v := range di {
		if j == i {
			row[j] = 0
			continue
		}
		row[j] = math.Exp(-(v - dmin) * beta)
		sum += row[j]
	}
	h := 0.0
	for j, v := range di {
		if j == i {
			continue
		}
		row[j] /= sum
		h += beta * (v - dmin) * row[j]
	}
	return h + math.Log(sum)
}

func center(y []float64, n, dims int) {
	for d := 0; d < dims; d++ {
		mean := 0.0
		for i := 0; i < n; i++ {
			mean += y[i*dims+d]
		}
		mean /= float64(n)
		for i := 0; i < n; i++ {
			y[i*dims+d] -= mean
		}
	}
}

func kl(p, num []float64, sum float64, n int) float64 {
	c := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j || p[i*n+j] <= 0 {
				continue
			}
			q := math.Max(num[i*n+j]/sum, 1e-12)
			c += p[i*n+j] * math.Log(p[i*n+j]/q)
		}
	}
	return c
}
