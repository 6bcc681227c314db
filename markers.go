// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"math"
	"sort"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	TestWilcox = "wilcox"
	TestLR     = "LR"
	TestChisq  = "chisq"
)

type MarkerOptions struct {
	Test           string  `yaml:"test"`
	LogFCThreshold float64 `yaml:"logfc_threshold"`
	MinPct         float64 `yaml:"min_pct"`
	OnlyPos        bool    `yaml:"only_pos"`
	TopN           int     `yaml:"top_n"`
}

func (o *MarkerOptions) Flags(flags *flag.FlagSet) {
	flags.StringVar(&o.Test, "test", TestWilcox, "marker `test` (wilcox, LR, or chisq)")
	flags.Float64Var(&o.LogFCThreshold, "logfc-threshold", 0.25, "skip features with |avg_log2FC| below `X`")
	flags.Float64Var(&o.MinPct, "min-pct", 0.1, "skip features detected in fewer than fraction `P` of cells in both groups")
	flags.BoolVar(&o.OnlyPos, "only-pos", true, "report only features that are higher in the cluster")
	flags.IntVar(&o.TopN, "top-n", 10, "report at most `N` markers per cluster (0 = all)")
}

// Marker is one feature's differential expression result for one
// cluster versus all other cells.
type Marker struct {
	Cluster   int
	Feature   string
	PVal      float64
	AvgLog2FC float64
	Pct1      float64 // fraction of cells in the cluster with nonzero count
	Pct2      float64 // fraction of other cells with nonzero count
	PValAdj   float64 // Bonferroni, over all features in the dataset
}

// FindAllMarkers compares each cluster against all other cells,
// feature by feature. Results are ordered by cluster, then p-value,
// then decreasing |avg_log2FC|.
func FindAllMarkers(ds *Dataset, opts MarkerOptions) ([]Marker, error) {
	if err := ds.Check(); err != nil {
		return nil, err
	}
	if ds.Normalized == nil {
		return nil, fmt.Errorf("%w: marker search requires normalized data", ErrInvariant)
	}
	if !ds.Clustered {
		return nil, fmt.Errorf("%w: marker search requires clusters", ErrInvariant)
	}
	if opts.Test == "" {
		opts.Test = TestWilcox
	}
	switch opts.Test {
	case TestWilcox, TestLR, TestChisq:
	default:
		return nil, fmt.Errorf("unknown marker test %q", opts.Test)
	}

	cols, vals := featureRows(ds.Normalized)
	nfeatures := float64(ds.NFeatures())
	ncells := ds.NCells()
	var all []Marker
	for _, cluster := range ds.ClusterIDs() {
		in := make([]bool, ncells)
		n1 := 0
		for j, c := range ds.Cells {
			if c.Cluster == cluster {
				in[j] = true
				n1++
			}
		}
		n2 := ncells - n1
		if n1 == 0 || n2 == 0 {
			log.Warnf("cluster %d: cannot compare %d cells against %d others, skipping", cluster, n1, n2)
			continue
		}
		var lr func([]float64) float64
		if opts.Test == TestLR {
			lr = lrPvalueFunc(in)
		}

		var found []Marker
		dense := make([]float64, ncells)
		for i := range ds.Features {
			var sum1, sum2 float64
			var det1, det2 int
			for k, j := range cols[i] {
				v := ds.linear(vals[i][k])
				if in[j] {
					sum1 += v
					det1++
				} else {
					sum2 += v
					det2++
				}
			}
			m := Marker{
				Cluster:   cluster,
				Feature:   ds.Features[i].Name,
				Pct1:      float64(det1) / float64(n1),
				Pct2:      float64(det2) / float64(n2),
				AvgLog2FC: math.Log2(sum1/float64(n1)+1) - math.Log2(sum2/float64(n2)+1),
			}
			if math.Max(m.Pct1, m.Pct2) < opts.MinPct {
				continue
			}
			if opts.OnlyPos && m.AvgLog2FC < opts.LogFCThreshold {
				continue
			}
			if !opts.OnlyPos && math.Abs(m.AvgLog2FC) < opts.LogFCThreshold {
				continue
			}
			switch opts.Test {
			case TestWilcox:
				m.PVal = wilcoxon(cols[i], vals[i], in, n1, n2)
			case TestLR:
				for j := range dense {
					dense[j] = 0
				}
				for k, j := range cols[i] {
					dense[j] = vals[i][k]
				}
				m.PVal = lr(dense)
			case TestChisq:
				m.PVal = detectionPvalue(det1, n1, det2, n2)
			}
			if math.IsNaN(m.PVal) {
				m.PVal = 1
			}
			m.PValAdj = math.Min(1, m.PVal*nfeatures)
			found = append(found, m)
		}
		sort.SliceStable(found, func(a, b int) bool {
			if found[a].PVal != found[b].PVal {
				return found[a].PVal < found[b].PVal
			}
			return math.Abs(found[a].AvgLog2FC) > math.Abs(found[b].AvgLog2FC)
		})
		if opts.TopN > 0 && len(found) > opts.TopN {
			found = found[:opts.TopN]
		}
		log.WithFields(log.Fields{
			"cluster": cluster,
			"cells":   n1,
			"markers": len(found),
		}).Info("found markers")
		all = append(all, found...)
	}
	return all, nil
}

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// wilcoxon returns the two-sided p-value of the Mann-Whitney U test
// comparing in-group and out-group values of one feature, using the
// normal approximation with tie and continuity correction. cells and
// vals list the feature's nonzero entries; all other cells are zero.
func wilcoxon(cells []int, vals []float64, in []bool, n1, n2 int) float64 {
	n := n1 + n2
	nz := len(vals)
	zeros := n - nz
	zerosIn := n1
	for _, j := range cells {
		if in[j] {
			zerosIn--
		}
	}

	order := make([]int, nz)
	for k := range order {
		order[k] = k
	}
	sort.Slice(order, func(a, b int) bool { return vals[order[a]] < vals[order[b]] })

	// Zeros occupy ranks 1..zeros; their average rank is
	// (zeros+1)/2.
	r1 := float64(zerosIn) * float64(zeros+1) / 2
	ties := float64(zeros*zeros*zeros - zeros)
	for start := 0; start < nz; {
		end := start + 1
		for end < nz && vals[order[end]] == vals[order[start]] {
			end++
		}
		t := end - start
		rank := float64(zeros) + float64(start+end+1)/2
		for _, k := range order[start:end] {
			if in[cells[k]] {
				r1 += rank
			}
		}
		ties += float64(t*t*t - t)
		start = end
	}

	u := r1 - float64(n1)*float64(n1+1)/2
	mu := float64(n1) * float64(n2) / 2
	variance := float64(n1) * float64(n2) / 12 * (float64(n+1) - ties/(float64(n)*float64(n-1)))
	if variance <= 0 {
		return 1
	}
	d := u - mu
	correction := 0.0
	if d > 0 {
		correction = 0.5
	} else if d < 0 {
		correction = -0.5
	}
	z := (d - correction) / math.Sqrt(variance)
	return math.Min(1, 2*stdNormal.CDF(-math.Abs(z)))
}

// WriteMarkerTable writes markers as tab-separated text, one line
// per marker, with a header.
func WriteMarkerTable(w io.Writer, markers []Marker) error {
	bufw := bufio.NewWriter(w)
	fmt.Fprintln(bufw, "cluster\tgene\tp_val\tavg_log2FC\tpct.1\tpct.2\tp_val_adj")
	for _, m := range markers {
		fmt.Fprintf(bufw, "%d\t%s\t%.6g\t%.6f\t%.3f\t%.3f\t%.6g\n", m.Cluster, m.Feature, m.PVal, m.AvgLog2FC, m.Pct1, m.Pct2, m.PValAdj)
	}
	return bufw.Flush()
}
