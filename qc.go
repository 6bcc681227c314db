// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

type QCOptions struct {
	MitoPrefix   string   `yaml:"mito_prefix"`   // e.g., "MT-" (human) or "mt-" (mouse)
	RiboPrefixes []string `yaml:"ribo_prefixes"` // e.g., "RPS", "RPL"; empty means skip percent.ribo
}

func (o *QCOptions) Flags(flags *flag.FlagSet) {
	flags.StringVar(&o.MitoPrefix, "mito-prefix", "MT-", "mitochondrial feature name `prefix`")
	flags.Func("ribo-prefixes", "comma-separated ribosomal feature name `prefixes` (e.g., RPS,RPL)", func(s string) error {
		o.RiboPrefixes = splitList(s)
		return nil
	})
}

// AnnotateQC fills in NCount, NFeature, PercentMT and PercentRibo
// for each cell. Feature name prefixes are matched case-sensitively.
func AnnotateQC(ds *Dataset, opts QCOptions) (*Dataset, error) {
	if err := ds.Check(); err != nil {
		return nil, err
	}
	mito := make([]bool, ds.NFeatures())
	ribo := make([]bool, ds.NFeatures())
	nmito, nribo := 0, 0
	for i, f := range ds.Features {
		if opts.MitoPrefix != "" && strings.HasPrefix(f.Name, opts.MitoPrefix) {
			mito[i] = true
			nmito++
		}
		for _, prefix := range opts.RiboPrefixes {
			if prefix != "" && strings.HasPrefix(f.Name, prefix) {
				ribo[i] = true
				nribo++
				break
			}
		}
	}
	log.WithFields(log.Fields{
		"mito_prefix": opts.MitoPrefix,
		"mito":        nmito,
		"ribo":        nribo,
	}).Info("annotating QC metrics")

	out := ds.copyMeta()
	for j := range out.Cells {
		ind, data := cscColumn(ds.Counts, j)
		var total, mt, rb float64
		for k, i := range ind {
			total += data[k]
			if mito[i] {
				mt += data[k]
			}
			if ribo[i] {
				rb += data[k]
			}
		}
		cell := &out.Cells[j]
		cell.NCount = total
		cell.NFeature = len(ind)
		cell.PercentMT, cell.PercentRibo = 0, 0
		if total > 0 {
			cell.PercentMT = 100 * mt / total
			cell.PercentRibo = 100 * rb / total
		}
	}
	out.QCAnnotated = true
	return out, out.Check()
}

// WriteQCTable writes one tab-separated line per cell with its QC
// metrics.
func WriteQCTable(w io.Writer, ds *Dataset) error {
	if !ds.QCAnnotated {
		return fmt.Errorf("%w: QC metrics not annotated", ErrInvariant)
	}
	bufw := bufio.NewWriter(w)
	fmt.Fprintln(bufw, "barcode\tsample\tnCount_RNA\tnFeature_RNA\tpercent.mt\tpercent.ribo")
	for _, c := range ds.Cells {
		fmt.Fprintf(bufw, "%s\t%s\t%g\t%d\t%.4f\t%.4f\n", c.Barcode, c.Sample, c.NCount, c.NFeature, c.PercentMT, c.PercentRibo)
	}
	return bufw.Flush()
}
