// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"flag"
	"fmt"
	"math"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/mat"
)

type ClusterOptions struct {
	Dims       int     `yaml:"dims"`
	K          int     `yaml:"k"`
	PruneSNN   float64 `yaml:"prune_snn"`
	Resolution float64 `yaml:"resolution"`
	NStart     int     `yaml:"nstart"`
	Seed       uint64  `yaml:"-"`
}

func (o *ClusterOptions) Flags(flags *flag.FlagSet) {
	flags.IntVar(&o.Dims, "dims", 10, "use the first `N` principal components for the neighbor graph")
	flags.IntVar(&o.K, "k", 20, "number of nearest neighbors (including the cell itself)")
	flags.Float64Var(&o.PruneSNN, "prune-snn", 1.0/15, "drop shared-neighbor edges with Jaccard weight below `W`")
	flags.Float64Var(&o.Resolution, "resolution", -1, "Louvain resolution `parameter` (required)")
	flags.IntVar(&o.NStart, "nstart", 1, "run Louvain `N` times with consecutive seeds and keep the best modularity")
}

// Cluster builds a shared nearest neighbor graph over the PCA
// embedding and partitions it by Louvain modularity optimization.
// Cluster ids are assigned 0, 1, ... in order of decreasing cluster
// size; equal-size clusters are ordered by their first cell.
func Cluster(ds *Dataset, opts ClusterOptions) (*Dataset, error) {
	if err := ds.Check(); err != nil {
		return nil, err
	}
	if ds.PCA == nil {
		return nil, fmt.Errorf("%w: clustering requires PCA", ErrInvariant)
	}
	if !(opts.Resolution > 0) {
		return nil, fmt.Errorf("resolution %v must be > 0", opts.Resolution)
	}
	n, p := ds.PCA.Embeddings.Dims()
	dims := opts.Dims
	if dims < 1 || dims > p {
		dims = p
	}
	k := opts.K
	if k < 1 {
		k = 20
	}
	if k > n {
		k = n
	}
	nstart := opts.NStart
	if nstart < 1 {
		nstart = 1
	}

	points := ds.PCA.Embeddings.Slice(0, n, 0, dims).(*mat.Dense)
	knn := nearestNeighbors(points, k)
	g := snnGraph(knn, opts.PruneSNN)
	log.WithFields(log.Fields{
		"cells": n,
		"dims":  dims,
		"k":     k,
		"edges": g.Edges().Len(),
	}).Info("built SNN graph")

	var best [][]graph.Node
	bestQ := math.Inf(-1)
	for start := 0; start < nstart; start++ {
		src := rand.NewSource(opts.Seed + uint64(start))
		reduced := community.Modularize(g, opts.Resolution, src)
		comms := reduced.Communities()
		q := community.Q(g, comms, opts.Resolution)
		log.Debugf("louvain start %d: %d communities, Q=%f", start, len(comms), q)
		if best == nil || q > bestQ {
			best, bestQ = comms, q
		}
	}

	assign := renumberCommunities(best, n)
	out := ds.copyMeta()
	for i := range out.Cells {
		out.Cells[i].Cluster = assign[i]
	}
	out.Clustered = true
	out.Resolution = opts.Resolution
	out.ClusterSeed = opts.Seed
	log.WithFields(log.Fields{
		"clusters":   len(best),
		"modularity": bestQ,
		"resolution": opts.Resolution,
	}).Info("clustered")
	return out, out.Check()
}

// nearestNeighbors returns, for each row of points, the indices of
// its k nearest rows by Euclidean distance, nearest first, including
// the row itself. Ties are broken by index.
func nearestNeighbors(points *mat.Dense, k int) [][]int {
	n, _ := points.Dims()
	knn := make([][]int, n)
	dist := make([]float64, n)
	idx := make([]int, n)
	for i := 0; i < n; i++ {
		pi := points.RawRowView(i)
		for j := 0; j < n; j++ {
			dist[j] = floats.Distance(pi, points.RawRowView(j), 2)
			idx[j] = j
		}
		sort.SliceStable(idx, func(a, b int) bool { return dist[idx[a]] < dist[idx[b]] })
		knn[i] = append([]int(nil), idx[:k]...)
	}
	return knn
}

// snnGraph weights each pair of cells that share at least one
// neighbor by the Jaccard index of their neighbor sets, dropping
// edges with weight < prune.
func snnGraph(knn [][]int, prune float64) *simple.WeightedUndirectedGraph {
	n := len(knn)
	g := simple.NewWeightedUndirectedGraph(0, 0)
	for i := 0; i < n; i++ {
		g.AddNode(simple.Node(i))
	}
	// members[m] lists the cells that have m as a neighbor.
	members := make([][]int, n)
	for i, nbrs := range knn {
		for _, m := range nbrs {
			members[m] = append(members[m], i)
		}
	}
	shared := make([]int, n)
	var touched []int
	for i, nbrs := range knn {
		touched = touched[:0]
		for _, m := range nbrs {
			for _, j := range members[m] {
				if j <= i {
					continue
				}
				if shared[j] == 0 {
					touched = append(touched, j)
				}
				shared[j]++
			}
		}
		sort.Ints(touched)
		for _, j := range touched {
			c := shared[j]
			shared[j] = 0
			w := float64(c) / float64(len(nbrs)+len(knn[j])-c)
			if w < prune {
				continue
			}
			g.SetWeightedEdge(g.NewWeightedEdge(simple.Node(i), simple.Node(j), w))
		}
	}
	return g
}

// renumberCommunities returns a cluster id per node such that
// cluster 0 is the largest community.
func renumberCommunities(comms [][]graph.Node, n int) []int {
	type group struct {
		size  int
		first int64
		nodes []graph.Node
	}
	var cs []group
	for _, members := range comms {
		if len(members) == 0 {
			continue
		}
		first := members[0].ID()
		for _, node := range members {
			if node.ID() < first {
				first = node.ID()
			}
		}
		cs = append(cs, group{len(members), first, members})
	}
	sort.Slice(cs, func(a, b int) bool {
		if cs[a].size != cs[b].size {
			return cs[a].size > cs[b].size
		}
		return cs[a].first < cs[b].first
	})
	assign := make([]int, n)
	for i := range assign {
		assign[i] = -1
	}
	for id, c := range cs {
		for _, node := range c.nodes {
			assign[node.ID()] = id
		}
	}
	return assign
}
