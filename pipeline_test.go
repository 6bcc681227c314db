// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kshedden/gonpy"
	"gopkg.in/check.v1"
)

type pipelineSuite struct {
	dir     string
	samples string
}

var _ = check.Suite(&pipelineSuite{})

// SetUpTest writes two samples: A with damaged cells 0, 10, 20 and B
// with damaged cells 30, 40.
func (s *pipelineSuite) SetUpTest(c *check.C) {
	s.dir = c.MkDir()
	sampleTenx(0, 0, 10, 20).write(c, filepath.Join(s.dir, "A"))
	tx := sampleTenx(1, 30, 40)
	tx.gzip = true
	tx.write(c, filepath.Join(s.dir, "B"))
	s.samples = filepath.Join(s.dir, "samples.csv")
	c.Assert(os.WriteFile(s.samples, []byte("SampleID,Directory\nA,A\nB,B\n"), 0666), check.IsNil)
}

func (s *pipelineSuite) runArgs(outputDir string) []string {
	return []string{
		"-samples", s.samples,
		"-output-dir", outputDir,
		"-random-seed", "42",
		"-min-features", "0",
		"-qc-min-features", "50",
		"-max-features", "1000",
		"-max-percent-mt", "20",
		"-nfeatures", "20",
		"-components", "5",
		"-dims", "5",
		"-k", "10",
		"-resolution", "0.1",
		"-tsne-dims", "5",
		"-perplexity", "10",
		"-tsne-iterations", "250",
	}
}

// cellType returns 0 or 1 according to the barcode's position in
// its sample.
func cellType(c *check.C, barcode string) int {
	j, err := strconv.Atoi(barcode[7:12])
	c.Assert(err, check.IsNil)
	return j / 25
}

func (s *pipelineSuite) TestRunPipeline(c *check.C) {
	outputDir := filepath.Join(s.dir, "out")
	var cfg pipelineConfig
	c.Assert(os.MkdirAll(outputDir, 0777), check.IsNil)
	cfg.Samples = s.samples
	cfg.RandomSeed = 42
	cfg.Load = LoadOptions{MinCells: 3}
	cfg.QC = QCOptions{MitoPrefix: "MT-"}
	cfg.Filter = FilterOptions{MinFeatures: 50, MaxFeatures: 1000, MaxPercentMT: 20}
	cfg.Normalize = NormalizeOptions{Method: NormLog, ScaleFactor: 10000}
	cfg.Select = SelectOptions{Method: SelectVST, NFeatures: 20}
	cfg.PCA = PCAOptions{NComponents: 5, MaxValue: 10}
	cfg.Cluster = ClusterOptions{Dims: 5, K: 10, PruneSNN: 1.0 / 15, Resolution: 0.1}
	cfg.TSNE = TSNEOptions{Dims: 5, Perplexity: 10, Iterations: 250}
	cfg.Markers = MarkerOptions{Test: TestWilcox, LogFCThreshold: 0.25, MinPct: 0.1, OnlyPos: true, TopN: 5}
	c.Assert(cfg.Validate(), check.IsNil)

	metrics := newStageMetrics()
	ds, markers, err := runPipeline(&cfg, outputDir, metrics)
	c.Assert(err, check.IsNil)
	c.Check(ds.NCells(), check.Equals, 95)
	for _, cell := range ds.Cells {
		c.Check(cell.PercentMT < 20, check.Equals, true)
	}
	c.Check(ds.Clustered, check.Equals, true)
	c.Check(ds.Embedded, check.Equals, true)
	c.Check(ds.ClusterSeed, check.Equals, uint64(42))
	c.Check(ds.SelectedFeatures(), check.HasLen, 20)

	// every cell is in a cluster, and no cluster mixes cell types
	ids := ds.ClusterIDs()
	c.Check(len(ids) >= 2, check.Equals, true)
	c.Check(ids[0], check.Equals, 0)
	c.Check(ids[len(ids)-1], check.Equals, len(ids)-1)
	clusterType := map[int]int{}
	for _, cell := range ds.Cells {
		c.Assert(cell.Cluster >= 0, check.Equals, true)
		t := cellType(c, cell.Barcode)
		if prev, ok := clusterType[cell.Cluster]; ok {
			c.Check(t, check.Equals, prev, check.Commentf("cell %s cluster %d", cell.Barcode, cell.Cluster))
		}
		clusterType[cell.Cluster] = t
	}
	c.Check(len(markers) > 0, check.Equals, true)

	for _, fnm := range []string{"qc.tsv", "dataset.gob.gz", "clusters.tsv", "markers.tsv", "pca-variance.tsv", "pca.npy", "tsne.npy"} {
		_, err := os.Stat(filepath.Join(outputDir, fnm))
		c.Check(err, check.IsNil, check.Commentf("%s", fnm))
	}
	qc, err := os.ReadFile(filepath.Join(outputDir, "qc.tsv"))
	c.Assert(err, check.IsNil)
	c.Check(strings.Count(string(qc), "\n"), check.Equals, 101)
	clusters, err := os.ReadFile(filepath.Join(outputDir, "clusters.tsv"))
	c.Assert(err, check.IsNil)
	lines := strings.Split(strings.TrimSuffix(string(clusters), "\n"), "\n")
	c.Check(lines, check.HasLen, 96)
	c.Check(lines[0], check.Equals, "barcode\tsample\tcluster\ttSNE_1\ttSNE_2")
	c.Check(lines[1], check.Matches, `AAACCTG00001-1\tA\t\d+\t\S+\t\S+`)
	c.Check(lines[95], check.Matches, `AAACCTG00049-1-2\tB\t\d+\t\S+\t\S+`)
	variance, err := os.ReadFile(filepath.Join(outputDir, "pca-variance.tsv"))
	c.Assert(err, check.IsNil)
	c.Check(string(variance), check.Matches, `(?s)component\tvariance\tvariance_ratio\tcumulative\nPC_1\t.*\nPC_5\t.*\t1\.000000\n`)

	f, err := os.Open(filepath.Join(outputDir, "tsne.npy"))
	c.Assert(err, check.IsNil)
	defer f.Close()
	npy, err := gonpy.NewReader(f)
	c.Assert(err, check.IsNil)
	c.Check(npy.Shape, check.DeepEquals, []int{95, 2})

	saved, err := ReadDatasetFile(filepath.Join(outputDir, "dataset.gob.gz"))
	c.Assert(err, check.IsNil)
	c.Check(saved.Cells, check.DeepEquals, ds.Cells)
	c.Check(saved.State, check.DeepEquals, ds.State)
}

func (s *pipelineSuite) TestRunCommand(c *check.C) {
	outputDir := filepath.Join(s.dir, "out")
	dbfile := filepath.Join(s.dir, "markers.sqlite")
	promfile := filepath.Join(s.dir, "cellkit.prom")
	args := append(s.runArgs(outputDir), "-markers-db", dbfile, "-metrics-textfile", promfile)
	var stderr bytes.Buffer
	code := (&runcmd{}).RunCommand("cellkit run", args, nil, io.Discard, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("%s", stderr.String()))

	for _, fnm := range []string{"qc-nfeature.png", "qc-ncount.png", "qc-percent-mt.png", "qc-scatter.png", "pca-elbow.png", "pca.png", "tsne.png", "markers-heatmap.png"} {
		fi, err := os.Stat(filepath.Join(outputDir, fnm))
		if c.Check(err, check.IsNil, check.Commentf("%s", fnm)) {
			c.Check(fi.Size() > 0, check.Equals, true)
		}
	}
	prom, err := os.ReadFile(promfile)
	c.Assert(err, check.IsNil)
	c.Check(string(prom), check.Matches, `(?ms).*^cellkit_stage_cells\{stage="filter"\} 95$.*`)
	c.Check(string(prom), check.Matches, `(?ms).*^cellkit_stage_cells\{stage="load"\} 100$.*`)

	mdb, err := openMarkerDB(dbfile)
	c.Assert(err, check.IsNil)
	defer mdb.Close()
	var n int
	c.Assert(mdb.db.QueryRow(`SELECT COUNT(*) FROM runs WHERE command = 'run'`).Scan(&n), check.IsNil)
	c.Check(n, check.Equals, 1)

	dsfile := filepath.Join(outputDir, "dataset.gob.gz")

	// rerun markers with a different test
	var stdout bytes.Buffer
	code = (&markerscmd{}).RunCommand("cellkit markers", []string{"-i", dsfile, "-test", "chisq", "-markers-db", dbfile}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	c.Check(stdout.String(), check.Matches, `cluster\tgene\tp_val\tavg_log2FC\tpct.1\tpct.2\tp_val_adj\n(?s).*`)
	c.Assert(mdb.db.QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&n), check.IsNil)
	c.Check(n, check.Equals, 2)

	// stats
	stdout.Reset()
	code = handler.RunCommand("cellkit", []string{"stats", "-i", dsfile}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	var stats struct {
		Cells            int
		Features         int
		SelectedFeatures int
		CellsPerCluster  []int
		Samples          map[string]struct{ Cells int }
	}
	c.Assert(json.Unmarshal(stdout.Bytes(), &stats), check.IsNil)
	c.Check(stats.Cells, check.Equals, 95)
	c.Check(stats.SelectedFeatures, check.Equals, 20)
	c.Check(stats.Samples["A"].Cells, check.Equals, 47)
	c.Check(stats.Samples["B"].Cells, check.Equals, 48)
	total := 0
	for _, n := range stats.CellsPerCluster {
		total += n
	}
	c.Check(total, check.Equals, 95)

	// dumpgob from stdin
	in, err := os.Open(dsfile)
	c.Assert(err, check.IsNil)
	defer in.Close()
	stdout.Reset()
	code = (&dumpGob{}).RunCommand("cellkit dumpgob", nil, in, &stdout, &stderr)
	c.Check(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	c.Check(stdout.String(), check.Matches, `(?s).*total: ents \d+, cells 95, features \d+\n`)

	// plot into a fresh directory
	plotDir := filepath.Join(s.dir, "plots")
	code = (&plotcmd{}).RunCommand("cellkit plot", []string{"-i", dsfile, "-output-dir", plotDir, "-heatmap-markers", "2"}, nil, io.Discard, &stderr)
	c.Check(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	_, err = os.Stat(filepath.Join(plotDir, "markers-heatmap.png"))
	c.Check(err, check.IsNil)

	// heatmap from the markers recorded by the run
	var runID string
	c.Assert(mdb.db.QueryRow(`SELECT id FROM runs WHERE command = 'run'`).Scan(&runID), check.IsNil)
	plotDir = filepath.Join(s.dir, "plots-db")
	code = (&plotcmd{}).RunCommand("cellkit plot", []string{"-i", dsfile, "-output-dir", plotDir, "-markers-db", dbfile, "-markers-run", runID}, nil, io.Discard, &stderr)
	c.Check(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	_, err = os.Stat(filepath.Join(plotDir, "markers-heatmap.png"))
	c.Check(err, check.IsNil)
	stderr.Reset()
	code = (&plotcmd{}).RunCommand("cellkit plot", []string{"-i", dsfile, "-output-dir", plotDir, "-markers-db", dbfile, "-markers-run", "no-such-run"}, nil, io.Discard, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `.*no markers recorded for run "no-such-run".*\n`)

	// export-numpy
	exportDir := filepath.Join(s.dir, "npy")
	code = (&exportNumpy{}).RunCommand("cellkit export-numpy", []string{"-i", dsfile, "-output-dir", exportDir}, nil, io.Discard, &stderr)
	c.Check(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	for _, fnm := range []string{"counts.npy", "normalized.npy", "pca.npy", "tsne.npy", "features.tsv", "cells.tsv"} {
		_, err := os.Stat(filepath.Join(exportDir, fnm))
		c.Check(err, check.IsNil, check.Commentf("%s", fnm))
	}
}

func (s *pipelineSuite) TestQCAndFilterCommands(c *check.C) {
	outputDir := filepath.Join(s.dir, "qc")
	dsfile := filepath.Join(s.dir, "qc.gob.gz")
	var stderr bytes.Buffer
	code := (&qccmd{}).RunCommand("cellkit qc", []string{"-samples", s.samples, "-sample-subset", "B", "-min-features", "0", "-output-dir", outputDir, "-o", dsfile, "-plots=false"}, nil, io.Discard, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	qc, err := os.ReadFile(filepath.Join(outputDir, "qc.tsv"))
	c.Assert(err, check.IsNil)
	c.Check(strings.Count(string(qc), "\n"), check.Equals, 51)
	_, err = os.Stat(filepath.Join(outputDir, "qc-scatter.png"))
	c.Check(os.IsNotExist(err), check.Equals, true)

	// filter via stdin/stdout
	in, err := os.Open(dsfile)
	c.Assert(err, check.IsNil)
	defer in.Close()
	var filtered bytes.Buffer
	code = (&filtercmd{}).RunCommand("cellkit filter", []string{"-max-features", "1000", "-max-percent-mt", "20", "-qc-min-features", "50"}, in, &filtered, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	ds, err := ReadDataset(&filtered)
	c.Assert(err, check.IsNil)
	c.Check(ds.NCells(), check.Equals, 48)
	for _, cell := range ds.Cells {
		c.Check(cell.Barcode, check.Not(check.Equals), "AAACCTG00030-1")
		c.Check(cell.Sample, check.Equals, "B")
	}
}

func (s *pipelineSuite) TestUsageErrors(c *check.C) {
	var stderr bytes.Buffer
	for _, trial := range []struct {
		cmd  interface {
			RunCommand(string, []string, io.Reader, io.Writer, io.Writer) int
		}
		args []string
	}{
		{&runcmd{}, []string{"-samples", s.samples}},
		{&runcmd{}, []string{"-output-dir", s.dir, "-samples", s.samples, "-random-seed", "1", "-max-features", "100", "-max-percent-mt", "5"}},
		{&runcmd{}, []string{"-bogus"}},
		{&qccmd{}, []string{"-output-dir", s.dir}},
		{&filtercmd{}, []string{"-max-features", "100"}},
		{&plotcmd{}, []string{"-i", "x"}},
		{&plotcmd{}, []string{"-i", "x", "-output-dir", s.dir, "-markers-run", "abc"}},
		{&exportNumpy{}, []string{"-i", "x"}},
	} {
		stderr.Reset()
		code := trial.cmd.RunCommand("cellkit", trial.args, nil, io.Discard, &stderr)
		c.Check(code, check.Equals, 2, check.Commentf("%T %q: %s", trial.cmd, trial.args, stderr.String()))
		c.Check(stderr.Len() > 0, check.Equals, true)
	}

	code := (&runcmd{}).RunCommand("cellkit run", []string{"-help"}, nil, io.Discard, io.Discard)
	c.Check(code, check.Equals, 0)

	// missing input file is a runtime error, not a usage error
	stderr.Reset()
	code = (&statscmd{}).RunCommand("cellkit stats", []string{"-i", filepath.Join(s.dir, "missing.gob.gz")}, nil, io.Discard, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `.*missing.gob.gz.*\n`)
}
