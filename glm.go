// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"io"
	"log"
	"math"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

var glmConfig = &glm.Config{
	Family:         glm.NewFamily(glm.BinomialFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1000,
	Log:            log.New(io.Discard, "", 0),
}

// normalize centers a and scales it to unit standard deviation. It
// returns false (leaving a unchanged) if a is constant.
func normalize(a []float64) bool {
	mean, std := stat.MeanStdDev(a, nil)
	if !(std > 0) {
		return false
	}
	for i, x := range a {
		a[i] = (x - mean) / std
	}
	return true
}

// Logistic regression likelihood ratio test.
//
// inCluster is the outcome, one entry per cell. The returned func
// takes one feature's expression (one entry per cell, same order) and
// returns the p-value of adding that feature as a predictor to an
// intercept-only model.
func lrPvalueFunc(inCluster []bool) func(expr []float64) float64 {
	outcome := make([]statmodel.Dtype, len(inCluster))
	constants := make([]statmodel.Dtype, len(inCluster))
	for i, in := range inCluster {
		if in {
			outcome[i] = 1
		}
		constants[i] = 1
	}
	data := [][]statmodel.Dtype{outcome, constants}
	names := []string{"outcome", "constants"}
	dataset := statmodel.NewDataset(data, names)

	model, err := glm.NewGLM(dataset, "outcome", names[1:], glmConfig)
	if err != nil {
		log.Printf("%s", err)
		return func([]float64) float64 { return math.NaN() }
	}
	logNull := model.Fit().LogLike()

	return func(expr []float64) (p float64) {
		defer func() {
			if recover() != nil {
				// typically "matrix singular or near-singular with condition number +Inf"
				p = math.NaN()
			}
		}()

		feature := make([]statmodel.Dtype, len(expr))
		copy(feature, expr)
		if !normalize(feature) {
			return 1
		}
		data := [][]statmodel.Dtype{outcome, constants, feature}
		names := []string{"outcome", "constants", "feature"}
		dataset := statmodel.NewDataset(data, names)

		model, err := glm.NewGLM(dataset, "outcome", names[1:], glmConfig)
		if err != nil {
			return math.NaN()
		}
		logFull := model.Fit().LogLike()
		dist := distuv.ChiSquared{K: 1}
		return dist.Survival(-2 * (logNull - logFull))
	}
}
