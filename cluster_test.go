// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"errors"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/check.v1"
)

type clusterSuite struct{}

var _ = check.Suite(&clusterSuite{})

// blobs returns a dataset whose PCA embedding has three well
// separated groups of 30 cells (cells 0-29, 30-59, 60-89).
func blobs() *Dataset {
	centers := [][2]float64{{0, 0}, {20, 0}, {0, 20}}
	counts := [][]float64{make([]float64, 90)}
	for j := range counts[0] {
		counts[0][j] = 1
	}
	ds := denseDataset([]string{"A"}, counts)
	emb := mat.NewDense(90, 3, nil)
	for j := 0; j < 90; j++ {
		ctr := centers[j/30]
		m := j % 30
		emb.Set(j, 0, ctr[0]+0.1*float64(m%5))
		emb.Set(j, 1, ctr[1]+0.1*float64(m/5))
		emb.Set(j, 2, 0.01*float64((m*7)%11))
	}
	ds.PCA = &Reduction{
		Embeddings:        emb,
		ExplainedVariance: []float64{3, 2, 1},
	}
	return ds
}

func (s *clusterSuite) TestBlobs(c *check.C) {
	ds := blobs()
	opts := ClusterOptions{Dims: 3, K: 10, PruneSNN: 1.0 / 15, Resolution: 0.2, NStart: 3, Seed: 42}
	out, err := Cluster(ds, opts)
	c.Assert(err, check.IsNil)
	c.Check(out.Clustered, check.Equals, true)
	c.Check(out.Resolution, check.Equals, 0.2)
	c.Check(out.ClusterSeed, check.Equals, uint64(42))
	c.Check(out.ClusterIDs(), check.DeepEquals, []int{0, 1, 2})
	for j, cell := range out.Cells {
		c.Check(cell.Cluster, check.Equals, j/30, check.Commentf("cell %d", j))
	}
	c.Check(ds.Clustered, check.Equals, false)
	c.Check(ds.Cells[0].Cluster, check.Equals, -1)

	// same seed, same result
	again, err := Cluster(ds, opts)
	c.Assert(err, check.IsNil)
	c.Check(again.Cells, check.DeepEquals, out.Cells)
}

func (s *clusterSuite) TestClusterSizes(c *check.C) {
	// a group of 30 and a group of 60: the larger group is
	// cluster 0 even though it comes second
	ds := blobs()
	emb := ds.PCA.Embeddings
	for j := 30; j < 90; j++ {
		m := j - 30
		emb.Set(j, 0, 20+0.1*float64(m%6))
		emb.Set(j, 1, 0.1*float64(m/6))
	}
	out, err := Cluster(ds, ClusterOptions{Dims: 2, K: 10, PruneSNN: 1.0 / 15, Resolution: 0.1, Seed: 1})
	c.Assert(err, check.IsNil)
	c.Check(out.ClusterIDs(), check.DeepEquals, []int{0, 1})
	c.Check(out.Cells[0].Cluster, check.Equals, 1)
	c.Check(out.Cells[89].Cluster, check.Equals, 0)
}

func (s *clusterSuite) TestErrors(c *check.C) {
	ds := blobs()
	_, err := Cluster(ds, ClusterOptions{Resolution: 0})
	c.Check(err, check.ErrorMatches, `resolution 0 must be > 0`)
	ds.PCA = nil
	_, err = Cluster(ds, ClusterOptions{Resolution: 1})
	c.Check(errors.Is(err, ErrInvariant), check.Equals, true)
}

func (s *clusterSuite) TestNearestNeighbors(c *check.C) {
	points := mat.NewDense(4, 1, []float64{0, 1, 3, 10})
	c.Check(nearestNeighbors(points, 2), check.DeepEquals, [][]int{{0, 1}, {1, 0}, {2, 1}, {3, 2}})
}

func (s *clusterSuite) TestSNNGraph(c *check.C) {
	g := snnGraph([][]int{{0, 1}, {1, 0}, {2, 1}}, 0.5)
	c.Check(g.Nodes().Len(), check.Equals, 3)
	c.Check(g.Edges().Len(), check.Equals, 1)
	w, ok := g.Weight(0, 1)
	c.Check(ok, check.Equals, true)
	c.Check(w, check.Equals, 1.0)
	c.Check(g.HasEdgeBetween(1, 2), check.Equals, false)

	// without pruning, 0-2 and 1-2 share one of three neighbors
	g = snnGraph([][]int{{0, 1}, {1, 0}, {2, 1}}, 0)
	c.Check(g.Edges().Len(), check.Equals, 3)
	w, _ = g.Weight(1, 2)
	c.Check(w, check.Equals, 1.0/3)
}

func (s *clusterSuite) TestRenumber(c *check.C) {
	nodes := func(ids ...int64) []graph.Node {
		var ns []graph.Node
		for _, id := range ids {
			ns = append(ns, simple.Node(id))
		}
		return ns
	}
	assign := renumberCommunities([][]graph.Node{
		nodes(5, 1),
		nodes(3, 4, 6),
		nodes(),
		nodes(2, 0),
	}, 8)
	c.Check(assign, check.DeepEquals, []int{1, 2, 1, 0, 0, 2, 0, -1})
}
