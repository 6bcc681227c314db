// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"errors"
	"math"
	"os"
	"path/filepath"

	"github.com/kshedden/gonpy"
	"gopkg.in/check.v1"
)

type exportNumpySuite struct{}

var _ = check.Suite(&exportNumpySuite{})

func readNumpy(c *check.C, fnm string) ([]int, []float64) {
	f, err := os.Open(fnm)
	c.Assert(err, check.IsNil)
	defer f.Close()
	npy, err := gonpy.NewReader(f)
	c.Assert(err, check.IsNil)
	data, err := npy.GetFloat64()
	c.Assert(err, check.IsNil)
	return npy.Shape, data
}

func (s *exportNumpySuite) TestExport(c *check.C) {
	ds := denseDataset([]string{"A", "B", "C"}, [][]float64{
		{1, 0, 3, 0},
		{0, 2, 0, 0},
		{4, 5, 0, 6},
	})
	ds, err := Normalize(ds, NormalizeOptions{Method: NormLog, ScaleFactor: 10})
	c.Assert(err, check.IsNil)

	tmpdir := c.MkDir()
	err = exportDatasetNumpy(ds, tmpdir, false)
	c.Check(errors.Is(err, ErrInvariant), check.Equals, true)

	// C is the most variable, then A
	ds.Features[2].Selected, ds.Features[2].Rank = true, 0
	ds.Features[0].Selected, ds.Features[0].Rank = true, 1
	c.Assert(exportDatasetNumpy(ds, tmpdir, false), check.IsNil)

	buf, err := os.ReadFile(filepath.Join(tmpdir, "features.tsv"))
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, "C\nA\n")
	buf, err = os.ReadFile(filepath.Join(tmpdir, "cells.tsv"))
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, "cell0\ts1\ncell1\ts1\ncell2\ts1\ncell3\ts1\n")

	shape, counts := readNumpy(c, filepath.Join(tmpdir, "counts.npy"))
	c.Check(shape, check.DeepEquals, []int{4, 2})
	c.Check(counts, check.DeepEquals, []float64{4, 1, 5, 0, 0, 3, 6, 0})

	shape, norm := readNumpy(c, filepath.Join(tmpdir, "normalized.npy"))
	c.Check(shape, check.DeepEquals, []int{4, 2})
	// cell0 has 5 counts, 4 of them in C
	c.Check(math.Abs(norm[0]-math.Log1p(8)) < 1e-12, check.Equals, true, check.Commentf("%v", norm))
	c.Check(math.Abs(norm[1]-math.Log1p(2)) < 1e-12, check.Equals, true, check.Commentf("%v", norm))
	c.Check(norm[3], check.Equals, 0.0)

	// no PCA or t-SNE yet
	for _, fnm := range []string{"pca.npy", "tsne.npy"} {
		_, err = os.Stat(filepath.Join(tmpdir, fnm))
		c.Check(os.IsNotExist(err), check.Equals, true)
	}

	alldir := filepath.Join(tmpdir, "all")
	c.Assert(exportDatasetNumpy(ds, alldir, true), check.IsNil)
	shape, counts = readNumpy(c, filepath.Join(alldir, "counts.npy"))
	c.Check(shape, check.DeepEquals, []int{4, 3})
	c.Check(counts[:3], check.DeepEquals, []float64{1, 0, 4})
	c.Check(counts[9:], check.DeepEquals, []float64{0, 0, 6})
}

func (s *exportNumpySuite) TestWriteNumpyMatrix(c *check.C) {
	ds := denseDataset([]string{"A"}, [][]float64{{1, 2, 3}})
	for j := range ds.Cells {
		ds.Cells[j].Embedding = [2]float64{float64(j), -float64(j)}
	}
	ds.Embedded = true
	fnm := filepath.Join(c.MkDir(), "tsne.npy")
	c.Assert(writeNumpyMatrix(fnm, ds.embeddingMatrix()), check.IsNil)
	shape, data := readNumpy(c, fnm)
	c.Check(shape, check.DeepEquals, []int{3, 2})
	c.Check(data, check.DeepEquals, []float64{0, 0, 1, -1, 2, -2})

	err := writeNumpyMatrix(filepath.Join(c.MkDir(), "missing", "x.npy"), ds.embeddingMatrix())
	var ioerr *IOError
	c.Check(errors.As(err, &ioerr), check.Equals, true)
}
