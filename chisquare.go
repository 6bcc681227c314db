// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"gonum.org/v1/gonum/stat/distuv"
)

var chisquared = distuv.ChiSquared{K: 1}

// detectionPvalue returns the Pearson chi-squared p-value (1 degree
// of freedom, no continuity correction) for independence of
// detection and cluster membership, given det1 of n1 cells detected
// inside the cluster and det2 of n2 cells detected outside.
func detectionPvalue(det1, n1, det2, n2 int) float64 {
	var (
		obs = [2][2]float64{
			{float64(det1), float64(n1 - det1)},
			{float64(det2), float64(n2 - det2)},
		}
		rows = [2]float64{float64(n1), float64(n2)}
		cols = [2]float64{float64(det1 + det2), float64(n1 + n2 - det1 - det2)}
		sz   = float64(n1 + n2)
		sum  float64
	)
	if rows[0] == 0 || rows[1] == 0 || cols[0] == 0 || cols[1] == 0 {
		return 1
	}
	for i := range obs {
		for j := range obs[i] {
			exp := rows[i] * cols[j] / sz
			d := obs[i][j] - exp
			sum += d * d / exp
		}
	}
	return chisquared.Survival(sum)
}
