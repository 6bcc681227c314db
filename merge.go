// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"fmt"
	"sort"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// Merge concatenates the cells of the given datasets. The result's
// features are the union of the inputs' features, in the order they
// are first seen. Only raw counts and per-cell identity (barcode,
// sample) carry over; QC and later annotations must be recomputed.
func Merge(datasets ...*Dataset) (*Dataset, error) {
	if len(datasets) == 0 {
		return nil, fmt.Errorf("%w: nothing to merge", ErrEmptyResult)
	}
	for i, ds := range datasets {
		if err := ds.Check(); err != nil {
			return nil, fmt.Errorf("merge input %d: %w", i+1, err)
		}
	}

	// Assign a new row index (unique across all inputs) for each
	// input feature.
	union := map[string]int{}
	var features []Feature
	mapped := make([][]int, len(datasets))
	ncells, nnz := 0, 0
	for d, ds := range datasets {
		mapped[d] = make([]int, ds.NFeatures())
		for i, f := range ds.Features {
			idx, ok := union[f.Name]
			if !ok {
				idx = len(features)
				union[f.Name] = idx
				features = append(features, Feature{Name: f.Name, Rank: -1})
			}
			mapped[d][i] = idx
		}
		ncells += ds.NCells()
		nnz += ds.Counts.NNZ()
	}

	out := &Dataset{
		Features: features,
		Cells:    make([]Cell, 0, ncells),
	}
	b := newCSCBuilder(len(features), ncells, nnz)
	taken := make(map[string]bool, ncells)
	var rows []int
	var vals []float64
	for d, ds := range datasets {
		lift := mapped[d]
		for j, cell := range ds.Cells {
			ind, data := cscColumn(ds.Counts, j)
			rows, vals = rows[:0], vals[:0]
			for k, i := range ind {
				rows = append(rows, lift[i])
				vals = append(vals, data[k])
			}
			sortColumn(rows, vals)
			b.AddColumn(rows, vals)

			barcode := cell.Barcode
			if taken[barcode] {
				barcode = uniqueBarcode(taken, cell.Barcode, d+1)
			}
			taken[barcode] = true
			out.Cells = append(out.Cells, Cell{
				Barcode: barcode,
				Sample:  cell.Sample,
				Cluster: -1,
			})
		}
	}
	out.Counts = b.Build()
	log.WithFields(log.Fields{
		"inputs":   len(datasets),
		"cells":    out.NCells(),
		"features": out.NFeatures(),
	}).Info("merged")
	return out, out.Check()
}

func uniqueBarcode(taken map[string]bool, barcode string, input int) string {
	candidate := barcode + "-" + strconv.Itoa(input)
	for n := 1; taken[candidate]; n++ {
		candidate = barcode + "-" + strconv.Itoa(input) + "." + strconv.Itoa(n)
	}
	return candidate
}

// sortColumn sorts rows ascending, permuting vals to match.
func sortColumn(rows []int, vals []float64) {
	sort.Sort(columnSorter{rows, vals})
}

type columnSorter struct {
	rows []int
	vals []float64
}

func (cs columnSorter) Len() int           { return len(cs.rows) }
func (cs columnSorter) Less(i, j int) bool { return cs.rows[i] < cs.rows[j] }
func (cs columnSorter) Swap(i, j int) {
	cs.rows[i], cs.rows[j] = cs.rows[j], cs.rows[i]
	cs.vals[i], cs.vals[j] = cs.vals[j], cs.vals[i]
}
