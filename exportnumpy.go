// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"

	"github.com/james-bowman/sparse"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

type exportNumpy struct{}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "-", "input dataset `file`")
	outputDir := flags.String("output-dir", "", "output `directory`")
	allFeatures := flags.Bool("all-features", false, "export all features (default: selected variable features only)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if *outputDir == "" {
		err = errors.New("-output-dir is required")
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	ds, err := readDatasetArg(*inputFilename, stdin)
	if err != nil {
		return 1
	}
	err = exportDatasetNumpy(ds, *outputDir, *allFeatures)
	if err != nil {
		return 1
	}
	return 0
}

// exportDatasetNumpy writes counts.npy and (if available)
// normalized.npy as dense cells x features arrays, features.tsv and
// cells.tsv labelling their columns and rows, and pca.npy / tsne.npy
// if the dataset has them.
func exportDatasetNumpy(ds *Dataset, outputDir string, allFeatures bool) error {
	if err := os.MkdirAll(outputDir, 0777); err != nil {
		return &IOError{Path: outputDir, Err: err}
	}
	var features []int
	if allFeatures {
		features = make([]int, ds.NFeatures())
		for i := range features {
			features[i] = i
		}
	} else {
		features = ds.SelectedFeatures()
		if len(features) == 0 {
			return fmt.Errorf("%w: no selected features (use -all-features?)", ErrInvariant)
		}
	}
	err := writeLines(filepath.Join(outputDir, "features.tsv"), len(features), func(i int) string {
		return ds.Features[features[i]].Name
	})
	if err != nil {
		return err
	}
	err = writeLines(filepath.Join(outputDir, "cells.tsv"), ds.NCells(), func(i int) string {
		return ds.Cells[i].Barcode + "\t" + ds.Cells[i].Sample
	})
	if err != nil {
		return err
	}
	err = writeNumpy(filepath.Join(outputDir, "counts.npy"), ds.NCells(), len(features), denseCells(ds.Counts, features))
	if err != nil {
		return err
	}
	if ds.Normalized != nil {
		err = writeNumpy(filepath.Join(outputDir, "normalized.npy"), ds.NCells(), len(features), denseCells(ds.Normalized, features))
		if err != nil {
			return err
		}
	}
	if ds.PCA != nil {
		err = writeNumpyMatrix(filepath.Join(outputDir, "pca.npy"), ds.PCA.Embeddings)
		if err != nil {
			return err
		}
	}
	if ds.Embedded {
		err = writeNumpyMatrix(filepath.Join(outputDir, "tsne.npy"), ds.embeddingMatrix())
		if err != nil {
			return err
		}
	}
	return nil
}

// denseCells returns a row-major cells x len(features) array of the
// given features' values.
func denseCells(m *sparse.CSC, features []int) []float64 {
	_, ncells := m.Dims()
	col := map[int]int{}
	for c, f := range features {
		col[f] = c
	}
	out := make([]float64, ncells*len(features))
	for j := 0; j < ncells; j++ {
		ind, data := cscColumn(m, j)
		for k, i := range ind {
			if c, ok := col[i]; ok {
				out[j*len(features)+c] = data[k]
			}
		}
	}
	return out
}

func writeNumpyMatrix(fnm string, m mat.Matrix) error {
	rows, cols := m.Dims()
	out := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[i*cols+j] = m.At(i, j)
		}
	}
	return writeNumpy(fnm, rows, cols, out)
}

func writeNumpy(fnm string, rows, cols int, out []float64) error {
	output, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return &IOError{Path: fnm, Err: err}
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	npw.Shape = []int{rows, cols}
	log.Printf("writing numpy %s: %d rows, %d cols", fnm, rows, cols)
	err = npw.WriteFloat64(out)
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return &IOError{Path: fnm, Err: err}
	}
	err = output.Close()
	if err != nil {
		return &IOError{Path: fnm, Err: err}
	}
	return nil
}

func writeLines(fnm string, n int, line func(int) string) error {
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return &IOError{Path: fnm, Err: err}
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	for i := 0; i < n; i++ {
		fmt.Fprintln(bufw, line(i))
	}
	err = bufw.Flush()
	if err != nil {
		return &IOError{Path: fnm, Err: err}
	}
	err = f.Close()
	if err != nil {
		return &IOError{Path: fnm, Err: err}
	}
	return nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
