// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"flag"
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"
)

const (
	NormLog = "LogNormalize"
	NormRC  = "RC"
)

type NormalizeOptions struct {
	Method      string  `yaml:"method"`
	ScaleFactor float64 `yaml:"scale_factor"`
}

func (o *NormalizeOptions) Flags(flags *flag.FlagSet) {
	flags.StringVar(&o.Method, "norm-method", NormLog, "normalization `method` (LogNormalize or RC)")
	flags.Float64Var(&o.ScaleFactor, "scale-factor", 10000, "scale each cell's counts to sum to `S` before log transform")
}

// Normalize scales each cell's counts to sum to ScaleFactor and (for
// LogNormalize) applies log1p. The result is stored in
// ds.Normalized; ds.Counts is unchanged. Cells with no counts stay
// all-zero.
func Normalize(ds *Dataset, opts NormalizeOptions) (*Dataset, error) {
	if err := ds.Check(); err != nil {
		return nil, err
	}
	if opts.Method == "" {
		opts.Method = NormLog
	}
	if opts.Method != NormLog && opts.Method != NormRC {
		return nil, fmt.Errorf("unknown normalization method %q", opts.Method)
	}
	if !(opts.ScaleFactor > 0) {
		return nil, fmt.Errorf("scale factor %v must be > 0", opts.ScaleFactor)
	}
	b := newCSCBuilder(ds.NFeatures(), ds.NCells(), ds.Counts.NNZ())
	var vals []float64
	for j := 0; j < ds.NCells(); j++ {
		ind, data := cscColumn(ds.Counts, j)
		total := 0.0
		for _, v := range data {
			total += v
		}
		vals = vals[:0]
		for _, v := range data {
			x := 0.0
			if total > 0 {
				x = opts.ScaleFactor * v / total
				if opts.Method == NormLog {
					x = math.Log1p(x)
				}
			}
			vals = append(vals, x)
		}
		b.AddColumn(ind, vals)
	}
	out := ds.copyMeta()
	out.Normalized = b.Build()
	out.NormMethod = opts.Method
	out.ScaleFactor = opts.ScaleFactor
	log.WithFields(log.Fields{
		"method": opts.Method,
		"scale":  opts.ScaleFactor,
	}).Info("normalized")
	return out, out.Check()
}

// Denormalize inverts LogNormalize for a single value, given the
// cell's total count and the scale factor used.
func Denormalize(x, total, scale float64) float64 {
	return math.Expm1(x) * total / scale
}

// linear returns a normalized value on the linear (non-log)
// scale, according to the dataset's normalization method.
func (ds *Dataset) linear(x float64) float64 {
	if ds.NormMethod == NormRC {
		return x
	}
	return math.Expm1(x)
}
