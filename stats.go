// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sort"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

type statscmd struct {
	perSample bool
}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.BoolVar(&cmd.perSample, "per-sample", true, "include per-sample QC summaries")
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

	ds, err := readDatasetArg(*inputFilename, stdin)
	if err != nil {
		return 1
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return 1
		}
		defer output.Close()
	}

	bufw := bufio.NewWriter(output)
	err = cmd.doStats(ds, bufw)
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

type sampleStats struct {
	Cells          int
	MedianNCount   float64 `json:",omitempty"`
	MedianNFeature float64 `json:",omitempty"`
	MeanPercentMT  float64 `json:",omitempty"`
}

func (cmd *statscmd) doStats(ds *Dataset, output io.Writer) error {
	var ret struct {
		Cells            int
		Features         int
		Nonzero          int
		Density          float64
		SelectedFeatures int
		State            State
		Samples          map[string]*sampleStats `json:",omitempty"`
		CellsPerCluster  []int                   `json:",omitempty"`
		PCAVariance      []float64               `json:",omitempty"`
		PCAVarianceRatio []float64               `json:",omitempty"`
		TopSelectedGenes []string                `json:",omitempty"`
	}
	ret.Cells = ds.NCells()
	ret.Features = ds.NFeatures()
	ret.Nonzero = ds.Counts.NNZ()
	if ret.Cells > 0 && ret.Features > 0 {
		ret.Density = float64(ret.Nonzero) / float64(ret.Cells) / float64(ret.Features)
	}
	sel := ds.SelectedFeatures()
	ret.SelectedFeatures = len(sel)
	for _, i := range sel {
		if len(ret.TopSelectedGenes) == 10 {
			break
		}
		ret.TopSelectedGenes = append(ret.TopSelectedGenes, ds.Features[i].Name)
	}
	ret.State = ds.State

	if cmd.perSample {
		ret.Samples = map[string]*sampleStats{}
		ncount := map[string][]float64{}
		nfeature := map[string][]float64{}
		mt := map[string][]float64{}
		for _, c := range ds.Cells {
			ss := ret.Samples[c.Sample]
			if ss == nil {
				ss = &sampleStats{}
				ret.Samples[c.Sample] = ss
			}
			ss.Cells++
			ncount[c.Sample] = append(ncount[c.Sample], c.NCount)
			nfeature[c.Sample] = append(nfeature[c.Sample], float64(c.NFeature))
			mt[c.Sample] = append(mt[c.Sample], c.PercentMT)
		}
		if ds.QCAnnotated {
			for sample, ss := range ret.Samples {
				ss.MedianNCount = median(ncount[sample])
				ss.MedianNFeature = median(nfeature[sample])
				ss.MeanPercentMT = stat.Mean(mt[sample], nil)
			}
		}
	}
	if ds.Clustered {
		for _, c := range ds.Cells {
			for len(ret.CellsPerCluster) <= c.Cluster {
				ret.CellsPerCluster = append(ret.CellsPerCluster, 0)
			}
			ret.CellsPerCluster[c.Cluster]++
		}
	}
	if ds.PCA != nil {
		ret.PCAVariance = ds.PCA.ExplainedVariance
		ret.PCAVarianceRatio, _ = pcaVarianceTable(ds.PCA)
	}
	enc := json.NewEncoder(output)
	enc.SetIndent("", "  ")
	return enc.Encode(ret)
}

func median(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	sorted := append([]float64(nil), x...)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}
