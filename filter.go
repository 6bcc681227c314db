// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"

	log "github.com/sirupsen/logrus"
)

// FilterOptions selects the cells that pass QC. A cell is kept if
// MinFeatures < nFeature < MaxFeatures, percent.mt < MaxPercentMT,
// and MinCounts <= nCount <= MaxCounts. Bounds <= 0 are ignored,
// except MinFeatures, which is ignored only if negative.
type FilterOptions struct {
	MinFeatures   int     `yaml:"min_features"`
	MaxFeatures   int     `yaml:"max_features"`
	MaxPercentMT  float64 `yaml:"max_percent_mt"`
	MinCounts     float64 `yaml:"min_counts"`
	MaxCounts     float64 `yaml:"max_counts"`
	PruneFeatures bool    `yaml:"prune_features"`
}

func (f *FilterOptions) Flags(flags *flag.FlagSet) {
	flags.IntVar(&f.MinFeatures, "qc-min-features", 200, "drop cells with `N` or fewer detected features")
	flags.IntVar(&f.MaxFeatures, "max-features", -1, "drop cells with `N` or more detected features (required)")
	flags.Float64Var(&f.MaxPercentMT, "max-percent-mt", -1, "drop cells with mitochondrial fraction `P` percent or more (required)")
	flags.Float64Var(&f.MinCounts, "min-counts", 0, "drop cells with fewer than `N` total counts")
	flags.Float64Var(&f.MaxCounts, "max-counts", 0, "drop cells with more than `N` total counts")
	flags.BoolVar(&f.PruneFeatures, "prune-features", false, "drop features that are zero in every remaining cell")
}

// Validate returns an error if a threshold the caller must choose
// was left unset.
func (f *FilterOptions) Validate() error {
	if f.MaxFeatures <= 0 {
		return errors.New("max-features must be specified (> 0)")
	}
	if f.MaxPercentMT <= 0 {
		return errors.New("max-percent-mt must be specified (> 0)")
	}
	if f.MaxCounts > 0 && f.MaxCounts < f.MinCounts {
		return fmt.Errorf("max-counts %v < min-counts %v", f.MaxCounts, f.MinCounts)
	}
	return nil
}

func (f *FilterOptions) keep(c *Cell) bool {
	if f.MinFeatures >= 0 && c.NFeature <= f.MinFeatures {
		return false
	}
	if f.MaxFeatures > 0 && c.NFeature >= f.MaxFeatures {
		return false
	}
	if f.MaxPercentMT > 0 && c.PercentMT >= f.MaxPercentMT {
		return false
	}
	if f.MinCounts > 0 && c.NCount < f.MinCounts {
		return false
	}
	if f.MaxCounts > 0 && c.NCount > f.MaxCounts {
		return false
	}
	return true
}

// Filter returns a dataset containing only the cells that pass the
// QC thresholds. Applying the same filter twice gives the same
// result as applying it once.
func Filter(ds *Dataset, opts FilterOptions) (*Dataset, error) {
	if err := ds.Check(); err != nil {
		return nil, err
	}
	if !ds.QCAnnotated {
		return nil, fmt.Errorf("%w: filter requires QC annotation", ErrInvariant)
	}
	var keep []int
	for j := range ds.Cells {
		if opts.keep(&ds.Cells[j]) {
			keep = append(keep, j)
		}
	}
	if len(keep) == 0 {
		return nil, fmt.Errorf("%w: QC filter removed all %d cells", ErrEmptyResult, ds.NCells())
	}
	log.WithFields(log.Fields{
		"before": ds.NCells(),
		"after":  len(keep),
	}).Info("filtered cells")
	var out *Dataset
	if len(keep) < ds.NCells() {
		out = ds.subsetCells(keep)
	} else {
		out = ds.copyMeta()
	}
	if opts.PruneFeatures {
		nonzero := make([]bool, out.NFeatures())
		for j := 0; j < out.NCells(); j++ {
			ind, _ := cscColumn(out.Counts, j)
			for _, i := range ind {
				nonzero[i] = true
			}
		}
		var keepFeatures []int
		for i, nz := range nonzero {
			if nz {
				keepFeatures = append(keepFeatures, i)
			}
		}
		if len(keepFeatures) < out.NFeatures() {
			log.Printf("pruning %d all-zero features", out.NFeatures()-len(keepFeatures))
			out = out.subsetFeatures(keepFeatures)
		}
	}
	return out, out.Check()
}

type filtercmd struct {
	filter FilterOptions
}

func (cmd *filtercmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	outputFilename := flags.String("o", "-", "output dataset `file`")
	cmd.filter.Flags(flags)
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	err = cmd.filter.Validate()
	if err != nil {
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
	ds, err = Filter(ds, cmd.filter)
	if err != nil {
		return 1
	}
	err = writeDatasetArg(*outputFilename, stdout, ds)
	if err != nil {
		return 1
	}
	return 0
}
