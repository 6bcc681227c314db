// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// runcmd runs the whole pipeline: load, QC, filter, normalize,
// select, PCA, cluster, t-SNE, markers.
type runcmd struct {
	cfg pipelineConfig
}

func (cmd *runcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	pprofdir := flags.String("pprof-dir", "", "write Go profile data to `directory` periodically")
	outputDir := flags.String("output-dir", "", "output `directory`")
	markersDB := flags.String("markers-db", "", "record markers in SQLite database `file`")
	metricsFile := flags.String("metrics-textfile", "", "write Prometheus metrics to `file`")
	plots := flags.Bool("plots", true, "write plots")
	heatmapN := flags.Int("heatmap-markers", 5, "show top `N` markers per cluster in the marker heatmap")
	cmd.cfg.Flags(flags)
	err = parseWithConfig(flags, args, &cmd.cfg)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if *outputDir == "" {
		err = errors.New("-output-dir is required")
		return 2
	} else if err = cmd.cfg.Validate(); err != nil {
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}
	if *pprofdir != "" {
		stop := make(chan struct{})
		defer close(stop)
		go writeProfilesPeriodically(*pprofdir, time.Minute, stop)
	}

	err = os.MkdirAll(*outputDir, 0777)
	if err != nil {
		return 1
	}
	metrics := newStageMetrics()
	ds, markers, err := runPipeline(&cmd.cfg, *outputDir, metrics)
	if err != nil {
		return 1
	}
	if *plots {
		err = writePlots(ds, markers, *heatmapN, *outputDir)
		if err != nil {
			return 1
		}
	}
	if *markersDB != "" {
		var mdb *markerDB
		mdb, err = openMarkerDB(*markersDB)
		if err != nil {
			return 1
		}
		defer mdb.Close()
		_, err = mdb.RecordRun(context.Background(), "run", &cmd.cfg, ds, markers)
		if err != nil {
			return 1
		}
	}
	if *metricsFile != "" {
		err = metrics.WriteTextfile(*metricsFile)
		if err != nil {
			return 1
		}
	}
	return 0
}

// runPipeline runs every stage and writes the dataset and tables to
// outputDir. cfg must already be validated.
func runPipeline(cfg *pipelineConfig, outputDir string, metrics *stageMetrics) (*Dataset, []Marker, error) {
	ds, err := metrics.stage("load", func() (*Dataset, error) {
		return loadSamples(cfg.Samples, cfg.SampleSubset, cfg.Load)
	})
	if err != nil {
		return nil, nil, err
	}
	if ds, err = metrics.stage("qc", func() (*Dataset, error) { return AnnotateQC(ds, cfg.QC) }); err != nil {
		return nil, nil, err
	}
	err = writeOutputFile(filepath.Join(outputDir, "qc.tsv"), func(w io.Writer) error { return WriteQCTable(w, ds) })
	if err != nil {
		return nil, nil, err
	}
	if ds, err = metrics.stage("filter", func() (*Dataset, error) { return Filter(ds, cfg.Filter) }); err != nil {
		return nil, nil, err
	}
	if ds, err = metrics.stage("normalize", func() (*Dataset, error) { return Normalize(ds, cfg.Normalize) }); err != nil {
		return nil, nil, err
	}
	if ds, err = metrics.stage("select", func() (*Dataset, error) { return SelectFeatures(ds, cfg.Select) }); err != nil {
		return nil, nil, err
	}
	if ds, err = metrics.stage("pca", func() (*Dataset, error) { return RunPCA(ds, cfg.PCA) }); err != nil {
		return nil, nil, err
	}
	if ds, err = metrics.stage("cluster", func() (*Dataset, error) { return Cluster(ds, cfg.Cluster) }); err != nil {
		return nil, nil, err
	}
	if ds, err = metrics.stage("tsne", func() (*Dataset, error) { return RunTSNE(ds, cfg.TSNE) }); err != nil {
		return nil, nil, err
	}
	t0 := time.Now()
	markers, err := FindAllMarkers(ds, cfg.Markers)
	if err != nil {
		return nil, nil, err
	}
	metrics.duration.WithLabelValues("markers").Set(time.Since(t0).Seconds())
	metrics.observeMarkers(ds, markers)

	err = WriteDatasetFile(filepath.Join(outputDir, "dataset.gob.gz"), ds)
	if err != nil {
		return nil, nil, err
	}
	for _, out := range []struct {
		fnm   string
		write func(io.Writer) error
	}{
		{"clusters.tsv", func(w io.Writer) error { return writeClusterTable(w, ds) }},
		{"markers.tsv", func(w io.Writer) error { return WriteMarkerTable(w, markers) }},
		{"pca-variance.tsv", func(w io.Writer) error { return writePCAVarianceTable(w, ds.PCA) }},
	} {
		err = writeOutputFile(filepath.Join(outputDir, out.fnm), out.write)
		if err != nil {
			return nil, nil, err
		}
	}
	err = writeNumpyMatrix(filepath.Join(outputDir, "pca.npy"), ds.PCA.Embeddings)
	if err != nil {
		return nil, nil, err
	}
	err = writeNumpyMatrix(filepath.Join(outputDir, "tsne.npy"), ds.embeddingMatrix())
	if err != nil {
		return nil, nil, err
	}
	log.WithFields(log.Fields{
		"cells":    ds.NCells(),
		"clusters": len(ds.ClusterIDs()),
		"markers":  len(markers),
	}).Info("pipeline done")
	return ds, markers, nil
}

// qccmd loads and annotates the samples, and writes the QC table
// and plots for choosing filter thresholds.
type qccmd struct {
	cfg pipelineConfig
}

func (cmd *qccmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	outputDir := flags.String("output-dir", "", "output `directory`")
	datasetFilename := flags.String("o", "", "also write the annotated dataset to `file`")
	plots := flags.Bool("plots", true, "write QC plots")
	flags.StringVar(&cmd.cfg.Samples, "samples", "", "sample table `file` (header SampleID,Directory)")
	flags.Func("sample-subset", "comma-separated sample `ids` to use (default: all)", func(s string) error {
		cmd.cfg.SampleSubset = splitList(s)
		return nil
	})
	cmd.cfg.Load.Flags(flags)
	cmd.cfg.QC.Flags(flags)
	err = parseWithConfig(flags, args, &cmd.cfg)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if *outputDir == "" {
		err = errors.New("-output-dir is required")
		return 2
	} else if cmd.cfg.Samples == "" {
		err = errors.New("-samples is required")
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	err = os.MkdirAll(*outputDir, 0777)
	if err != nil {
		return 1
	}
	ds, err := loadSamples(cmd.cfg.Samples, cmd.cfg.SampleSubset, cmd.cfg.Load)
	if err != nil {
		return 1
	}
	ds, err = AnnotateQC(ds, cmd.cfg.QC)
	if err != nil {
		return 1
	}
	logQCSummary(ds)
	err = writeOutputFile(filepath.Join(*outputDir, "qc.tsv"), func(w io.Writer) error { return WriteQCTable(w, ds) })
	if err != nil {
		return 1
	}
	if *plots {
		err = writeQCPlots(ds, *outputDir)
		if err != nil {
			return 1
		}
	}
	if *datasetFilename != "" {
		err = WriteDatasetFile(*datasetFilename, ds)
		if err != nil {
			return 1
		}
	}
	return 0
}

// logQCSummary logs quantiles of the QC metrics.
func logQCSummary(ds *Dataset) {
	nfeature := make([]float64, ds.NCells())
	mt := make([]float64, ds.NCells())
	for i, c := range ds.Cells {
		nfeature[i] = float64(c.NFeature)
		mt[i] = c.PercentMT
	}
	for _, q := range []struct {
		name   string
		values []float64
	}{{"nFeature_RNA", nfeature}, {"percent.mt", mt}} {
		sorted := append([]float64(nil), q.values...)
		sort.Float64s(sorted)
		log.WithFields(log.Fields{
			"metric": q.name,
			"p05":    stat.Quantile(0.05, stat.Empirical, sorted, nil),
			"median": stat.Quantile(0.5, stat.Empirical, sorted, nil),
			"p95":    stat.Quantile(0.95, stat.Empirical, sorted, nil),
		}).Info("QC summary")
	}
}

// markerscmd reruns the marker finder on a saved dataset.
type markerscmd struct {
	cfg pipelineConfig
}

func (cmd *markerscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	outputFilename := flags.String("o", "-", "output marker table `file`")
	markersDB := flags.String("markers-db", "", "record markers in SQLite database `file`")
	cmd.cfg.Markers.Flags(flags)
	err = parseWithConfig(flags, args, &cmd.cfg)
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
	markers, err := FindAllMarkers(ds, cmd.cfg.Markers)
	if err != nil {
		return 1
	}
	if *outputFilename == "-" {
		err = WriteMarkerTable(stdout, markers)
	} else {
		err = writeOutputFile(*outputFilename, func(w io.Writer) error { return WriteMarkerTable(w, markers) })
	}
	if err != nil {
		return 1
	}
	if *markersDB != "" {
		var mdb *markerDB
		mdb, err = openMarkerDB(*markersDB)
		if err != nil {
			return 1
		}
		defer mdb.Close()
		_, err = mdb.RecordRun(context.Background(), "markers", &cmd.cfg.Markers, ds, markers)
		if err != nil {
			return 1
		}
	}
	return 0
}

// writeClusterTable writes one line per cell with its cluster and
// t-SNE coordinates.
func writeClusterTable(w io.Writer, ds *Dataset) error {
	if !ds.Clustered {
		return fmt.Errorf("%w: dataset is not clustered", ErrInvariant)
	}
	bufw := bufio.NewWriter(w)
	fmt.Fprintln(bufw, "barcode\tsample\tcluster\ttSNE_1\ttSNE_2")
	for _, c := range ds.Cells {
		fmt.Fprintf(bufw, "%s\t%s\t%d\t%.6f\t%.6f\n", c.Barcode, c.Sample, c.Cluster, c.Embedding[0], c.Embedding[1])
	}
	return bufw.Flush()
}

func writePCAVarianceTable(w io.Writer, r *Reduction) error {
	if r == nil {
		return fmt.Errorf("%w: no PCA", ErrInvariant)
	}
	frac, cumulative := pcaVarianceTable(r)
	bufw := bufio.NewWriter(w)
	fmt.Fprintln(bufw, "component\tvariance\tvariance_ratio\tcumulative")
	for i, v := range r.ExplainedVariance {
		fmt.Fprintf(bufw, "PC_%d\t%.6g\t%.6f\t%.6f\n", i+1, v, frac[i], cumulative[i])
	}
	return bufw.Flush()
}

// writeOutputFile creates fnm and fills it with write.
func writeOutputFile(fnm string, write func(io.Writer) error) error {
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return &IOError{Path: fnm, Err: err}
	}
	defer f.Close()
	err = write(f)
	if err != nil {
		return err
	}
	err = f.Close()
	if err != nil {
		return &IOError{Path: fnm, Err: err}
	}
	log.Printf("wrote %s", fnm)
	return nil
}
