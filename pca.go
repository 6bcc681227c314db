// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"flag"
	"fmt"
	"math"
	"sort"

	"github.com/james-bowman/nlp"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

type PCAOptions struct {
	NComponents int     `yaml:"components"`
	MaxValue    float64 `yaml:"scale_max"`
}

func (o *PCAOptions) Flags(flags *flag.FlagSet) {
	flags.IntVar(&o.NComponents, "components", 50, "number of principal components")
	flags.Float64Var(&o.MaxValue, "scale-max", 10, "clip scaled values at `V` (0 = no clipping)")
}

// ScaleData returns a cells x features matrix of the normalized
// values of the selected features (columns in rank order), each
// centered to zero mean and divided by its standard deviation, then
// clipped to maxValue if maxValue > 0. Features with zero variance
// are all zero.
func ScaleData(ds *Dataset, maxValue float64) (*mat.Dense, []int, error) {
	if err := ds.Check(); err != nil {
		return nil, nil, err
	}
	if ds.Normalized == nil {
		return nil, nil, fmt.Errorf("%w: scaling requires normalized data", ErrInvariant)
	}
	sel := ds.SelectedFeatures()
	if len(sel) == 0 {
		return nil, nil, fmt.Errorf("%w: no selected features", ErrInvariant)
	}
	ncells := ds.NCells()
	col := make(map[int]int, len(sel))
	for c, f := range sel {
		col[f] = c
	}
	scaled := mat.NewDense(ncells, len(sel), nil)
	for j := 0; j < ncells; j++ {
		ind, data := cscColumn(ds.Normalized, j)
		for k, i := range ind {
			if c, ok := col[i]; ok {
				scaled.Set(j, c, data[k])
			}
		}
	}
	buf := make([]float64, ncells)
	for c := range sel {
		mat.Col(buf, c, scaled)
		mean, std := stat.MeanStdDev(buf, nil)
		for j, x := range buf {
			if std > 0 {
				x = (x - mean) / std
			} else {
				x = 0
			}
			if maxValue > 0 && x > maxValue {
				x = maxValue
			}
			buf[j] = x
		}
		scaled.SetCol(c, buf)
	}
	return scaled, sel, nil
}

// RunPCA computes the top NComponents principal components of the
// scaled selected features.
func RunPCA(ds *Dataset, opts PCAOptions) (*Dataset, error) {
	if err := ds.Check(); err != nil {
		return nil, err
	}
	if ds.NCells() < 2 {
		return nil, fmt.Errorf("%w: PCA needs at least 2 cells, have %d", ErrInvariant, ds.NCells())
	}
	scaled, sel, err := ScaleData(ds, opts.MaxValue)
	if err != nil {
		return nil, err
	}
	rows, cols := scaled.Dims()
	if opts.NComponents < 1 || opts.NComponents > rows || opts.NComponents > cols {
		return nil, fmt.Errorf("%w: cannot compute %d components from %d cells x %d features", ErrInvariant, opts.NComponents, rows, cols)
	}

	log.Printf("fitting PCA: %d cells, %d features, %d components", rows, cols, opts.NComponents)
	transformer := nlp.NewPCA(opts.NComponents)
	transformer.Fit(scaled.T())
	scores, err := transformer.Transform(scaled.T())
	if err != nil {
		return nil, fmt.Errorf("PCA transform: %w", err)
	}
	embeddings := mat.DenseCopyOf(scores.T())

	// Order components by the variance of their scores.
	_, p := embeddings.Dims()
	variance := make([]float64, p)
	buf := make([]float64, rows)
	for k := 0; k < p; k++ {
		mat.Col(buf, k, embeddings)
		variance[k] = stat.Variance(buf, nil)
	}
	order := make([]int, p)
	for k := range order {
		order[k] = k
	}
	sort.SliceStable(order, func(a, b int) bool { return variance[order[a]] > variance[order[b]] })
	sorted := mat.NewDense(rows, p, nil)
	explained := make([]float64, p)
	for k, src := range order {
		sorted.SetCol(k, mat.Col(buf, src, embeddings))
		explained[k] = variance[src]
	}

	out := ds.copyMeta()
	out.PCA = &Reduction{
		Embeddings:        sorted,
		Loadings:          loadings(scaled, sorted),
		Features:          sel,
		ExplainedVariance: explained,
	}
	log.WithFields(log.Fields{
		"components": p,
		"pc1_var":    explained[0],
	}).Info("PCA done")
	return out, out.Check()
}

// loadings returns the features x components matrix V with
// scores = X * V, computed as X^T s / |s|^2 for each score column s.
func loadings(x, scores *mat.Dense) *mat.Dense {
	_, nf := x.Dims()
	_, p := scores.Dims()
	var v mat.Dense
	v.Mul(x.T(), scores)
	for k := 0; k < p; k++ {
		s := scores.ColView(k)
		norm := mat.Dot(s, s)
		for f := 0; f < nf; f++ {
			if norm > 0 {
				v.Set(f, k, v.At(f, k)/norm)
			}
		}
	}
	return &v
}

// pcaVarianceTable returns the fraction of the total explained
// variance carried by each component, and the running total.
func pcaVarianceTable(r *Reduction) (frac, cumulative []float64) {
	total := 0.0
	for _, v := range r.ExplainedVariance {
		total += v
	}
	sum := 0.0
	for _, v := range r.ExplainedVariance {
		f := 0.0
		if total > 0 {
			f = v / total
		}
		sum += f
		frac = append(frac, f)
		cumulative = append(cumulative, math.Min(sum, 1))
	}
	return
}
