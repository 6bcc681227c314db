// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"

	log "github.com/sirupsen/logrus"
)

type dumpGob struct{}

func (cmd *dumpGob) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	outputFilename := flags.String("o", "-", "output `file`")
	verbose := flags.Bool("v", false, "list every cell and feature")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	var input io.Reader = stdin
	if *inputFilename != "-" {
		var f *os.File
		f, err = os.Open(*inputFilename)
		if err != nil {
			return 1
		}
		defer f.Close()
		input = f
	}
	var output io.WriteCloser = nopCloser{stdout}
	if *outputFilename != "-" {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriterSize(output, 8*1024*1024)
	err = dumpDataset(input, bufw, *verbose)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

func dumpDataset(input io.Reader, bufw io.Writer, verbose bool) error {
	var n, nCells, nFeatures int
	err := DecodeDataset(input, func(ent *DatasetEntry) error {
		n++
		if h := ent.Header; h != nil {
			fmt.Fprintf(bufw, "ent %d: Header, version %d, cells %d, features %d, state %+v\n", n, h.Version, h.NCells, h.NFeatures, h.State)
		}
		if len(ent.Cells) > 0 {
			fmt.Fprintf(bufw, "ent %d: Cells, len %d\n", n, len(ent.Cells))
			for i, c := range ent.Cells {
				if verbose {
					fmt.Fprintf(bufw, "ent %d: Cell %d, barcode %q, sample %q, nCount %g, nFeature %d, percent.mt %.3f, cluster %d\n", n, nCells+i, c.Barcode, c.Sample, c.NCount, c.NFeature, c.PercentMT, c.Cluster)
				}
			}
			nCells += len(ent.Cells)
		}
		if len(ent.Features) > 0 {
			fmt.Fprintf(bufw, "ent %d: Features, len %d\n", n, len(ent.Features))
			for i, f := range ent.Features {
				if verbose {
					fmt.Fprintf(bufw, "ent %d: Feature %d, name %q, selected %v, rank %d\n", n, nFeatures+i, f.Name, f.Selected, f.Rank)
				}
			}
			nFeatures += len(ent.Features)
		}
		if m := ent.Counts; m != nil {
			fmt.Fprintf(bufw, "ent %d: Counts, %d x %d, nonzero %d\n", n, m.Rows, m.Cols, len(m.Data))
		}
		if m := ent.Normalized; m != nil {
			fmt.Fprintf(bufw, "ent %d: Normalized, %d x %d, nonzero %d\n", n, m.Rows, m.Cols, len(m.Data))
		}
		if p := ent.PCA; p != nil {
			r, c := p.Embeddings.Dims()
			fmt.Fprintf(bufw, "ent %d: PCA, embeddings %d x %d, features %d, variance %.4g\n", n, r, c, len(p.Features), p.ExplainedVariance)
		}
		if ent.Checksum != nil {
			fmt.Fprintf(bufw, "ent %d: Checksum, blake2b %x\n", n, ent.Checksum)
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(bufw, "total: ents %d, cells %d, features %d\n", n, nCells, nFeatures)
	return nil
}
