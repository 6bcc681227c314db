// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"errors"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/check.v1"
)

type plotSuite struct{}

var _ = check.Suite(&plotSuite{})

func (s *plotSuite) TestOneComponent(c *check.C) {
	ds := blobs()
	ds.PCA = &Reduction{
		Embeddings:        mat.NewDense(90, 1, nil),
		ExplainedVariance: []float64{3},
	}
	for j := 0; j < 90; j++ {
		ds.PCA.Embeddings.Set(j, 0, float64(j/30))
	}
	dir := c.MkDir()
	c.Assert(writePlots(ds, nil, 5, dir), check.IsNil)
	_, err := os.Stat(filepath.Join(dir, "pca-elbow.png"))
	c.Check(err, check.IsNil)
	_, err = os.Stat(filepath.Join(dir, "pca.png"))
	c.Check(os.IsNotExist(err), check.Equals, true)

	err = plotEmbedding(ds, ds.PCA.Embeddings, "PCA", "PC_1", "PC_2", filepath.Join(dir, "x.png"))
	c.Check(errors.Is(err, ErrInvariant), check.Equals, true)
	err = plotEmbedding(ds, mat.NewDense(3, 2, nil), "PCA", "PC_1", "PC_2", filepath.Join(dir, "x.png"))
	c.Check(errors.Is(err, ErrInvariant), check.Equals, true)
}

func (s *plotSuite) TestEmbedding(c *check.C) {
	ds := blobs()
	for j := range ds.Cells {
		ds.Cells[j].Cluster = j / 30
	}
	ds.Clustered = true
	dir := c.MkDir()
	c.Assert(writePlots(ds, nil, 5, dir), check.IsNil)
	for _, fnm := range []string{"pca-elbow.png", "pca.png"} {
		fi, err := os.Stat(filepath.Join(dir, fnm))
		if c.Check(err, check.IsNil) {
			c.Check(fi.Size() > 0, check.Equals, true)
		}
	}
	// nothing to draw a heatmap or QC plots from
	for _, fnm := range []string{"markers-heatmap.png", "qc-scatter.png", "tsne.png"} {
		_, err := os.Stat(filepath.Join(dir, fnm))
		c.Check(os.IsNotExist(err), check.Equals, true, check.Commentf("%s", fnm))
	}
}
