// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"fmt"
	"sort"

	"github.com/james-bowman/sparse"
	"gonum.org/v1/gonum/mat"
)

// Cell is one column of the count matrix, plus the per-cell
// metadata the pipeline stages fill in.
type Cell struct {
	Barcode     string
	Sample      string
	NCount      float64
	NFeature    int
	PercentMT   float64
	PercentRibo float64
	Cluster     int        // -1 until clustered
	Embedding   [2]float64 // t-SNE coordinates, valid if Dataset.Embedded
}

// Feature is one row of the count matrix (a gene).
type Feature struct {
	Name string

	// Filled in by SelectFeatures.
	Mean        float64
	Variance    float64
	VarianceStd float64
	Rank        int // 0-based variable feature rank, -1 if not selected
	Selected    bool
}

// Reduction holds the result of a PCA run.
type Reduction struct {
	// Cells x components.
	Embeddings *mat.Dense
	// Selected features x components, rows in the same order as
	// Features below.
	Loadings *mat.Dense
	// Indices into Dataset.Features of the features used as PCA
	// input, in variable feature rank order.
	Features []int
	// Variance of each component's scores, non-increasing.
	ExplainedVariance []float64
}

// Dataset is the unit handed from one pipeline stage to the
// next. Counts and Normalized are features x cells and are never
// modified in place; a stage that needs a different matrix builds a
// new one.
type Dataset struct {
	Counts     *sparse.CSC
	Normalized *sparse.CSC // nil until Normalize

	Cells    []Cell
	Features []Feature

	PCA *Reduction // nil until RunPCA

	State
}

// State records which stages have run, and with what parameters.
type State struct {
	QCAnnotated   bool
	NormMethod    string
	ScaleFactor   float64
	SelectMethod  string
	Clustered     bool
	Resolution    float64
	ClusterSeed   uint64
	Embedded      bool
	EmbeddingSeed uint64
}

// Check returns ErrInvariant if the matrices and metadata slices
// disagree about the number of cells or features.
func (ds *Dataset) Check() error {
	if ds == nil || ds.Counts == nil {
		return fmt.Errorf("%w: dataset has no count matrix", ErrInvariant)
	}
	r, c := ds.Counts.Dims()
	if c != len(ds.Cells) {
		return fmt.Errorf("%w: %d cell records, %d matrix columns", ErrInvariant, len(ds.Cells), c)
	}
	if r != len(ds.Features) {
		return fmt.Errorf("%w: %d feature records, %d matrix rows", ErrInvariant, len(ds.Features), r)
	}
	if ds.Normalized != nil {
		if nr, nc := ds.Normalized.Dims(); nr != r || nc != c {
			return fmt.Errorf("%w: normalized matrix is %dx%d, counts are %dx%d", ErrInvariant, nr, nc, r, c)
		}
	}
	if ds.PCA != nil {
		if ds.PCA.Embeddings == nil {
			return fmt.Errorf("%w: PCA has no embeddings", ErrInvariant)
		}
		if er, _ := ds.PCA.Embeddings.Dims(); er != c {
			return fmt.Errorf("%w: PCA has %d rows, dataset has %d cells", ErrInvariant, er, c)
		}
		for _, f := range ds.PCA.Features {
			if f < 0 || f >= r {
				return fmt.Errorf("%w: PCA refers to feature %d, dataset has %d", ErrInvariant, f, r)
			}
		}
	}
	return nil
}

// NCells returns the number of cells (matrix columns).
func (ds *Dataset) NCells() int { return len(ds.Cells) }

// NFeatures returns the number of features (matrix rows).
func (ds *Dataset) NFeatures() int { return len(ds.Features) }

// FeatureIndex returns a map from feature name to row index.
func (ds *Dataset) FeatureIndex() map[string]int {
	idx := make(map[string]int, len(ds.Features))
	for i, f := range ds.Features {
		idx[f.Name] = i
	}
	return idx
}

// SelectedFeatures returns the indices of the selected features in
// rank order.
func (ds *Dataset) SelectedFeatures() []int {
	var sel []int
	for i, f := range ds.Features {
		if f.Selected {
			sel = append(sel, i)
		}
	}
	sort.Slice(sel, func(a, b int) bool {
		return ds.Features[sel[a]].Rank < ds.Features[sel[b]].Rank
	})
	return sel
}

// ClusterIDs returns the distinct cluster ids in ascending order.
func (ds *Dataset) ClusterIDs() []int {
	seen := map[int]bool{}
	var ids []int
	for _, c := range ds.Cells {
		if c.Cluster >= 0 && !seen[c.Cluster] {
			seen[c.Cluster] = true
			ids = append(ids, c.Cluster)
		}
	}
	sort.Ints(ids)
	return ids
}

// copyMeta returns a shallow copy of ds with fresh Cells and
// Features slices, so the caller can change metadata without
// touching ds.
func (ds *Dataset) copyMeta() *Dataset {
	out := *ds
	out.Cells = append([]Cell(nil), ds.Cells...)
	out.Features = append([]Feature(nil), ds.Features...)
	return &out
}

// subsetCells returns a new dataset with only the given cells (in
// the given order). Matrices and the PCA embedding are subset
// accordingly; the t-SNE embedding and clusters are kept per cell.
func (ds *Dataset) subsetCells(keep []int) *Dataset {
	out := *ds
	out.Counts = cscSelectCols(ds.Counts, keep)
	if ds.Normalized != nil {
		out.Normalized = cscSelectCols(ds.Normalized, keep)
	}
	out.Cells = make([]Cell, len(keep))
	for i, j := range keep {
		out.Cells[i] = ds.Cells[j]
	}
	out.Features = append([]Feature(nil), ds.Features...)
	if ds.PCA != nil && len(keep) > 0 {
		_, p := ds.PCA.Embeddings.Dims()
		emb := mat.NewDense(len(keep), p, nil)
		for i, j := range keep {
			emb.SetRow(i, mat.Row(nil, j, ds.PCA.Embeddings))
		}
		pca := *ds.PCA
		pca.Embeddings = emb
		out.PCA = &pca
	} else {
		out.PCA = nil
	}
	return &out
}

// subsetFeatures returns a new dataset with only the given features
// (in the given order). Any PCA result is dropped, since it was
// computed from the old feature set.
func (ds *Dataset) subsetFeatures(keep []int) *Dataset {
	out := *ds
	remap := make([]int, len(ds.Features))
	for i := range remap {
		remap[i] = -1
	}
	out.Features = make([]Feature, len(keep))
	for i, f := range keep {
		remap[f] = i
		out.Features[i] = ds.Features[f]
	}
	out.Counts = cscSelectRows(ds.Counts, remap, len(keep))
	if ds.Normalized != nil {
		out.Normalized = cscSelectRows(ds.Normalized, remap, len(keep))
	}
	out.Cells = append([]Cell(nil), ds.Cells...)
	out.PCA = nil
	return &out
}

// cscColumn returns the row indices and values of the nonzero
// entries in column j. The returned slices alias the matrix storage
// and must not be modified.
func cscColumn(m *sparse.CSC, j int) ([]int, []float64) {
	raw := m.RawMatrix()
	start, end := raw.Indptr[j], raw.Indptr[j+1]
	return raw.Ind[start:end], raw.Data[start:end]
}

// cscBuilder accumulates a CSC matrix one column at a time.
type cscBuilder struct {
	rows   int
	indptr []int
	ind    []int
	data   []float64
}

func newCSCBuilder(rows, colsHint, nnzHint int) *cscBuilder {
	return &cscBuilder{
		rows:   rows,
		indptr: append(make([]int, 0, colsHint+1), 0),
		ind:    make([]int, 0, nnzHint),
		data:   make([]float64, 0, nnzHint),
	}
}

// AddColumn appends a column. Row indices must be ascending; zero
// values are skipped.
func (b *cscBuilder) AddColumn(rows []int, vals []float64) {
	for i, r := range rows {
		if vals[i] == 0 {
			continue
		}
		b.ind = append(b.ind, r)
		b.data = append(b.data, vals[i])
	}
	b.indptr = append(b.indptr, len(b.ind))
}

func (b *cscBuilder) Build() *sparse.CSC {
	return sparse.NewCSC(b.rows, len(b.indptr)-1, b.indptr, b.ind, b.data)
}

func cscSelectCols(m *sparse.CSC, keep []int) *sparse.CSC {
	r, _ := m.Dims()
	b := newCSCBuilder(r, len(keep), 0)
	for _, j := range keep {
		b.AddColumn(cscColumn(m, j))
	}
	return b.Build()
}

// cscSelectRows keeps row i as row remap[i], dropping rows where
// remap[i] < 0. remap must be increasing over kept rows.
func cscSelectRows(m *sparse.CSC, remap []int, rows int) *sparse.CSC {
	_, c := m.Dims()
	b := newCSCBuilder(rows, c, m.NNZ())
	var ri []int
	var rv []float64
	for j := 0; j < c; j++ {
		ri, rv = ri[:0], rv[:0]
		ind, data := cscColumn(m, j)
		for k, i := range ind {
			if remap[i] >= 0 {
				ri = append(ri, remap[i])
				rv = append(rv, data[k])
			}
		}
		b.AddColumn(ri, rv)
	}
	return b.Build()
}

// featureRows transposes m into per-row lists of (column, value).
func featureRows(m *sparse.CSC) (cols [][]int, vals [][]float64) {
	r, c := m.Dims()
	cols = make([][]int, r)
	vals = make([][]float64, r)
	for j := 0; j < c; j++ {
		ind, data := cscColumn(m, j)
		for k, i := range ind {
			cols[i] = append(cols[i], j)
			vals[i] = append(vals[i], data[k])
		}
	}
	return
}
