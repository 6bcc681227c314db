// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"sort"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	SelectVST        = "vst"
	SelectDispersion = "dispersion"
	SelectMVP        = "mvp"
)

type SelectOptions struct {
	Method    string `yaml:"method"`
	NFeatures int    `yaml:"nfeatures"`
}

func (o *SelectOptions) Flags(flags *flag.FlagSet) {
	flags.StringVar(&o.Method, "select-method", SelectVST, "variable feature selection `method` (vst, dispersion, or mvp)")
	flags.IntVar(&o.NFeatures, "nfeatures", 2000, "number of variable features to select")
}

// SelectFeatures scores every feature's variability and flags the
// top NFeatures as Selected, with Rank 0 for the most variable. No
// feature is removed.
func SelectFeatures(ds *Dataset, opts SelectOptions) (*Dataset, error) {
	if err := ds.Check(); err != nil {
		return nil, err
	}
	if opts.NFeatures < 1 {
		return nil, fmt.Errorf("nfeatures %d must be >= 1", opts.NFeatures)
	}
	if ds.NCells() < 2 {
		return nil, fmt.Errorf("%w: feature selection needs at least 2 cells, have %d", ErrInvariant, ds.NCells())
	}
	if opts.Method == "" {
		opts.Method = SelectVST
	}
	out := ds.copyMeta()
	var score []float64
	eligible := make([]bool, ds.NFeatures())
	for i := range eligible {
		eligible[i] = true
	}
	switch opts.Method {
	case SelectVST:
		score = vst(out)
	case SelectDispersion, SelectMVP:
		if ds.Normalized == nil {
			return nil, fmt.Errorf("%w: %s selection requires normalized data", ErrInvariant, opts.Method)
		}
		score = dispersion(out)
		if opts.Method == SelectMVP {
			score = binScale(out, score, 20)
			for i, f := range out.Features {
				eligible[i] = f.Mean > 0.1 && f.Mean < 8
			}
		}
	default:
		return nil, fmt.Errorf("unknown feature selection method %q", opts.Method)
	}

	order := make([]int, len(score))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ia, ib := order[a], order[b]
		if eligible[ia] != eligible[ib] {
			return eligible[ia]
		}
		return score[ia] > score[ib]
	})
	for i := range out.Features {
		out.Features[i].Selected = false
		out.Features[i].Rank = -1
	}
	n := 0
	for _, i := range order {
		if n == opts.NFeatures || !eligible[i] {
			break
		}
		out.Features[i].Selected = true
		out.Features[i].Rank = n
		n++
	}
	out.SelectMethod = opts.Method
	out.PCA = nil
	log.WithFields(log.Fields{
		"method":   opts.Method,
		"selected": n,
		"of":       len(score),
	}).Info("selected variable features")
	return out, out.Check()
}

// rowMoments returns the mean and sample variance of each row, given
// the row's nonzero values, after mapping values through fn (nil
// means identity). Implicit zeros are assumed to map to 0.
func rowMoments(vals [][]float64, ncells int, fn func(float64) float64) (mean, variance []float64) {
	mean = make([]float64, len(vals))
	variance = make([]float64, len(vals))
	n := float64(ncells)
	for i := range vals {
		sum := 0.0
		for _, v := range vals[i] {
			if fn != nil {
				v = fn(v)
			}
			sum += v
		}
		mu := sum / n
		ss := float64(ncells-len(vals[i])) * mu * mu
		for _, v := range vals[i] {
			if fn != nil {
				v = fn(v)
			}
			ss += (v - mu) * (v - mu)
		}
		mean[i] = mu
		variance[i] = ss / (n - 1)
	}
	return
}

// vst fits log10(variance) as a quadratic function of log10(mean)
// over raw counts, standardizes each value by the fitted expected
// variance (clipping at sqrt(ncells)), and returns the variance of
// the standardized values.
func vst(ds *Dataset) []float64 {
	_, vals := featureRows(ds.Counts)
	ncells := ds.NCells()
	mean, variance := rowMoments(vals, ncells, nil)

	var xs, ys []float64
	for i := range mean {
		if variance[i] > 0 {
			xs = append(xs, math.Log10(mean[i]))
			ys = append(ys, math.Log10(variance[i]))
		}
	}
	coef := polyfit(xs, ys, 2)

	clip := math.Sqrt(float64(ncells))
	n := float64(ncells)
	score := make([]float64, len(mean))
	for i := range mean {
		f := &ds.Features[i]
		f.Mean, f.Variance = mean[i], variance[i]
		if variance[i] == 0 {
			f.VarianceStd = 0
			continue
		}
		x := math.Log10(mean[i])
		sd := math.Sqrt(math.Pow(10, coef[0]+coef[1]*x+coef[2]*x*x))
		z0 := math.Min(clip, (0-mean[i])/sd)
		sum := float64(ncells-len(vals[i])) * z0
		sumsq := float64(ncells-len(vals[i])) * z0 * z0
		for _, v := range vals[i] {
			z := math.Min(clip, (v-mean[i])/sd)
			sum += z
			sumsq += z * z
		}
		zmean := sum / n
		f.VarianceStd = (sumsq - n*zmean*zmean) / (n - 1)
		score[i] = f.VarianceStd
	}
	return score
}

// polyfit returns least-squares coefficients c[0] + c[1]*x + ... of
// the given degree. If the fit is not possible (too few or
// degenerate points), it falls back to a constant at the mean of ys.
func polyfit(xs, ys []float64, degree int) []float64 {
	coef := make([]float64, degree+1)
	if len(xs) > degree {
		a := mat.NewDense(len(xs), degree+1, nil)
		for i, x := range xs {
			p := 1.0
			for d := 0; d <= degree; d++ {
				a.Set(i, d, p)
				p *= x
			}
		}
		var beta mat.VecDense
		err := beta.SolveVec(a, mat.NewVecDense(len(ys), ys))
		var cond mat.Condition
		if err == nil || (errors.As(err, &cond) && !math.IsInf(float64(cond), 1)) {
			for d := range coef {
				coef[d] = beta.AtVec(d)
			}
			if !floats.HasNaN(coef) {
				return coef
			}
		}
		log.Warnf("variance fit failed (%v), using constant", err)
	}
	for i := range coef {
		coef[i] = 0
	}
	if len(ys) > 0 {
		coef[0] = stat.Mean(ys, nil)
	}
	return coef
}

// dispersion returns log(variance/mean) of the normalized data on
// the linear scale, and stores log1p(mean) in Feature.Mean.
func dispersion(ds *Dataset) []float64 {
	_, vals := featureRows(ds.Normalized)
	mean, variance := rowMoments(vals, ds.NCells(), ds.linear)
	score := make([]float64, len(mean))
	for i := range mean {
		f := &ds.Features[i]
		f.Mean = math.Log1p(mean[i])
		f.Variance = variance[i]
		if mean[i] > 0 && variance[i] > 0 {
			score[i] = math.Log(variance[i] / mean[i])
		}
		f.VarianceStd = score[i]
	}
	return score
}

// binScale z-scores each feature's dispersion against the other
// features in the same Feature.Mean bin (nbins equal-width bins).
func binScale(ds *Dataset, disp []float64, nbins int) []float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, f := range ds.Features {
		lo = math.Min(lo, f.Mean)
		hi = math.Max(hi, f.Mean)
	}
	width := (hi - lo) / float64(nbins)
	bin := make([]int, len(disp))
	members := make([][]float64, nbins)
	for i, f := range ds.Features {
		b := 0
		if width > 0 {
			b = int((f.Mean - lo) / width)
			if b >= nbins {
				b = nbins - 1
			}
		}
		bin[i] = b
		members[b] = append(members[b], disp[i])
	}
	binMean := make([]float64, nbins)
	binSD := make([]float64, nbins)
	for b, m := range members {
		if len(m) > 1 {
			binMean[b], binSD[b] = stat.MeanStdDev(m, nil)
		}
	}
	scaled := make([]float64, len(disp))
	for i, d := range disp {
		if sd := binSD[bin[i]]; sd > 0 {
			scaled[i] = (d - binMean[bin[i]]) / sd
		}
		ds.Features[i].VarianceStd = scaled[i]
	}
	return scaled
}
