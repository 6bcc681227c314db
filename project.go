// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"flag"
	"fmt"

	"github.com/cellkit/cellkit/tsne"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

type TSNEOptions struct {
	Dims       int     `yaml:"dims"`
	Perplexity float64 `yaml:"perplexity"`
	Iterations int     `yaml:"iterations"`
	// Gradient descent step size. 0 means
	// tsne.AutoLearningRate(cells, 12).
	LearningRate float64 `yaml:"learning_rate"`
	Seed         uint64  `yaml:"-"`
}

func (o *TSNEOptions) Flags(flags *flag.FlagSet) {
	flags.IntVar(&o.Dims, "tsne-dims", 10, "use the first `N` principal components as t-SNE input")
	flags.Float64Var(&o.Perplexity, "perplexity", 30, "t-SNE perplexity")
	flags.IntVar(&o.Iterations, "tsne-iterations", 1000, "t-SNE gradient descent iterations")
	flags.Float64Var(&o.LearningRate, "tsne-learning-rate", 0, "t-SNE learning `rate` (0 = cells/48)")
}

// RunTSNE computes a 2-D t-SNE embedding of the PCA embedding and
// stores it in each cell's Embedding. If the dataset is too small for
// the requested perplexity, the perplexity is lowered to the largest
// usable value.
func RunTSNE(ds *Dataset, opts TSNEOptions) (*Dataset, error) {
	if err := ds.Check(); err != nil {
		return nil, err
	}
	if ds.PCA == nil {
		return nil, fmt.Errorf("%w: t-SNE requires PCA", ErrInvariant)
	}
	n, p := ds.PCA.Embeddings.Dims()
	dims := opts.Dims
	if dims < 1 || dims > p {
		dims = p
	}
	perplexity := opts.Perplexity
	if perplexity <= 0 {
		perplexity = 30
	}
	if limit := float64(n-1) / 3; perplexity > limit {
		if limit < 1 {
			return nil, fmt.Errorf("%w: t-SNE needs at least 4 cells, have %d", ErrInvariant, n)
		}
		log.Warnf("perplexity %v too large for %d cells, using %v", perplexity, n, limit)
		perplexity = limit
	}

	input := ds.PCA.Embeddings.Slice(0, n, 0, dims)
	lr := opts.LearningRate
	if lr <= 0 {
		lr = tsne.AutoLearningRate(n, 0)
	}
	log.Printf("running t-SNE: %d cells, %d dims, perplexity %v, learning rate %.3g", n, dims, perplexity, lr)
	y, err := tsne.Embed(input, tsne.Config{
		Dims:         2,
		Perplexity:   perplexity,
		Iterations:   opts.Iterations,
		LearningRate: lr,
		Seed:         opts.Seed,
		Progress: func(iter int, kl float64) {
			log.Debugf("t-SNE iteration %d: KL divergence %f", iter, kl)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("t-SNE: %w", err)
	}
	out := ds.copyMeta()
	for i := range out.Cells {
		out.Cells[i].Embedding = [2]float64{y.At(i, 0), y.At(i, 1)}
	}
	out.Embedded = true
	out.EmbeddingSeed = opts.Seed
	return out, out.Check()
}

// embeddingMatrix returns the cells x 2 t-SNE coordinates.
func (ds *Dataset) embeddingMatrix() *mat.Dense {
	m := mat.NewDense(ds.NCells(), 2, nil)
	for i, c := range ds.Cells {
		m.SetRow(i, c.Embedding[:])
	}
	return m
}
