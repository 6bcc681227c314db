// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"

	"gopkg.in/check.v1"
)

type markersSuite struct{}

var _ = check.Suite(&markersSuite{})

// markerFixture returns a normalized 40-cell dataset in two clusters
// (cells 0-19 and 20-39). MARK is expressed in 18 cells of cluster 0
// and weakly in 3 cells of cluster 1.
func markerFixture(c *check.C) *Dataset {
	names := []string{"MARK"}
	for i := 1; i <= 10; i++ {
		names = append(names, fmt.Sprintf("N%d", i))
	}
	counts := make([][]float64, len(names))
	for i := range counts {
		counts[i] = make([]float64, 40)
		for j := range counts[i] {
			if i > 0 {
				counts[i][j] = float64(1 + (i*31+j*17)%3)
			} else if j < 18 {
				counts[i][j] = 10
			} else if j >= 20 && j < 23 {
				counts[i][j] = 1
			}
		}
	}
	ds, err := Normalize(denseDataset(names, counts), NormalizeOptions{Method: NormLog, ScaleFactor: 10000})
	c.Assert(err, check.IsNil)
	for j := range ds.Cells {
		ds.Cells[j].Cluster = j / 20
	}
	ds.Clustered = true
	return ds
}

func (s *markersSuite) TestFindAllMarkers(c *check.C) {
	ds := markerFixture(c)
	for _, test := range []string{TestWilcox, TestLR, TestChisq} {
		c.Logf("test %s", test)
		markers, err := FindAllMarkers(ds, MarkerOptions{Test: test, LogFCThreshold: 0.25, MinPct: 0.1, OnlyPos: true})
		c.Assert(err, check.IsNil)
		c.Assert(len(markers) > 0, check.Equals, true)
		top := markers[0]
		c.Check(top.Cluster, check.Equals, 0)
		c.Check(top.Feature, check.Equals, "MARK")
		c.Check(top.Pct1, check.Equals, 0.9)
		c.Check(top.Pct2, check.Equals, 0.15)
		c.Check(top.AvgLog2FC > 1, check.Equals, true)
		c.Check(top.PVal < 1e-4, check.Equals, true, check.Commentf("p = %v", top.PVal))
		c.Check(top.PValAdj, check.Equals, math.Min(1, top.PVal*11))

		lastCluster := 0
		for k, m := range markers {
			c.Check(m.Cluster >= lastCluster, check.Equals, true)
			if k > 0 && m.Cluster == markers[k-1].Cluster {
				c.Check(m.PVal >= markers[k-1].PVal, check.Equals, true)
			}
			lastCluster = m.Cluster
			if m.Cluster == 1 {
				c.Check(m.Feature, check.Not(check.Equals), "MARK")
			}
			c.Check(m.AvgLog2FC >= 0.25, check.Equals, true)
			c.Check(m.PVal >= 0 && m.PVal <= 1, check.Equals, true)
			c.Check(m.PValAdj >= m.PVal && m.PValAdj <= 1, check.Equals, true)
		}
	}
}

func (s *markersSuite) TestOptions(c *check.C) {
	ds := markerFixture(c)

	// MARK is a negative marker for cluster 1
	markers, err := FindAllMarkers(ds, MarkerOptions{Test: TestWilcox, LogFCThreshold: 0.25, OnlyPos: false})
	c.Assert(err, check.IsNil)
	found := false
	for _, m := range markers {
		if m.Cluster == 1 && m.Feature == "MARK" {
			found = true
			c.Check(m.AvgLog2FC < -1, check.Equals, true)
		}
	}
	c.Check(found, check.Equals, true)

	markers, err = FindAllMarkers(ds, MarkerOptions{Test: TestWilcox, OnlyPos: false, TopN: 2})
	c.Assert(err, check.IsNil)
	c.Check(markers, check.HasLen, 4)

	// MARK is detected in 90% of cluster 0
	markers, err = FindAllMarkers(ds, MarkerOptions{Test: TestWilcox, LogFCThreshold: 0.25, MinPct: 0.95, OnlyPos: true})
	c.Assert(err, check.IsNil)
	for _, m := range markers {
		c.Check(m.Feature, check.Not(check.Equals), "MARK")
	}
}

func (s *markersSuite) TestErrors(c *check.C) {
	ds := markerFixture(c)
	_, err := FindAllMarkers(ds, MarkerOptions{Test: "t"})
	c.Check(err, check.ErrorMatches, `unknown marker test "t"`)

	unclustered := ds.copyMeta()
	unclustered.Clustered = false
	_, err = FindAllMarkers(unclustered, MarkerOptions{})
	c.Check(errors.Is(err, ErrInvariant), check.Equals, true)

	raw := ds.copyMeta()
	raw.Normalized = nil
	_, err = FindAllMarkers(raw, MarkerOptions{})
	c.Check(errors.Is(err, ErrInvariant), check.Equals, true)

	// a single cluster has nothing to compare against
	one := ds.copyMeta()
	for j := range one.Cells {
		one.Cells[j].Cluster = 0
	}
	markers, err := FindAllMarkers(one, MarkerOptions{})
	c.Check(err, check.IsNil)
	c.Check(markers, check.HasLen, 0)
}

func (s *markersSuite) TestWilcoxon(c *check.C) {
	// in = {1, 2, 3}, out = {4, 5, 6}
	p := wilcoxon([]int{0, 1, 2, 3, 4, 5}, []float64{1, 2, 3, 4, 5, 6}, []bool{true, true, true, false, false, false}, 3, 3)
	c.Check(math.Abs(p-0.0808555983700523) < 1e-12, check.Equals, true, check.Commentf("p = %v", p))

	// in = {0, 0, 5, 7}, out = {0, 0, 0, 1, 2}, zeros implicit
	in := []bool{true, true, true, true, false, false, false, false, false}
	p = wilcoxon([]int{2, 3, 7, 8}, []float64{5, 7, 1, 2}, in, 4, 5)
	c.Check(math.Abs(p-0.5023349543605022) < 1e-12, check.Equals, true, check.Commentf("p = %v", p))

	// all values equal
	p = wilcoxon(nil, nil, in, 4, 5)
	c.Check(p, check.Equals, 1.0)
}

func (s *markersSuite) TestWriteMarkerTable(c *check.C) {
	var buf bytes.Buffer
	err := WriteMarkerTable(&buf, []Marker{
		{Cluster: 2, Feature: "CD3E", PVal: 1.5e-20, AvgLog2FC: 2.25, Pct1: 0.9, Pct2: 0.125, PValAdj: 3e-16},
	})
	c.Assert(err, check.IsNil)
	lines := strings.Split(buf.String(), "\n")
	c.Check(lines[0], check.Equals, "cluster\tgene\tp_val\tavg_log2FC\tpct.1\tpct.2\tp_val_adj")
	c.Check(lines[1], check.Equals, "2\tCD3E\t1.5e-20\t2.250000\t0.900\t0.125\t3e-16")
	c.Check(lines, check.HasLen, 3)
}
