// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

type plotcmd struct {
	markers  MarkerOptions
	heatmapN int
}

func (cmd *plotcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.IntVar(&cmd.heatmapN, "heatmap-markers", 5, "show top `N` markers per cluster in the marker heatmap (0 = no heatmap)")
	markersDB := flags.String("markers-db", "", "take heatmap markers from SQLite database `file` instead of recomputing them")
	markersRun := flags.String("markers-run", "", "run `id` in -markers-db")
	cmd.markers.Flags(flags)
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if *outputDir == "" {
		err = errors.New("-output-dir is required")
		return 2
	} else if (*markersDB == "") != (*markersRun == "") {
		err = errors.New("-markers-db and -markers-run must be given together")
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
	if err = os.MkdirAll(*outputDir, 0777); err != nil {
		return 1
	}
	var markers []Marker
	if cmd.heatmapN > 0 && ds.Clustered && ds.Normalized != nil {
		if *markersDB != "" {
			markers, err = recordedMarkers(*markersDB, *markersRun)
		} else {
			markers, err = FindAllMarkers(ds, cmd.markers)
		}
		if err != nil {
			return 1
		}
	}
	err = writePlots(ds, markers, cmd.heatmapN, *outputDir)
	if err != nil {
		return 1
	}
	return 0
}

func recordedMarkers(dbfile, runID string) ([]Marker, error) {
	mdb, err := openMarkerDB(dbfile)
	if err != nil {
		return nil, err
	}
	defer mdb.Close()
	markers, err := mdb.Markers(context.Background(), runID)
	if err != nil {
		return nil, err
	}
	if len(markers) == 0 {
		return nil, fmt.Errorf("%w: no markers recorded for run %q in %s", ErrEmptyResult, runID, dbfile)
	}
	return markers, nil
}

// writePlots writes every plot that the dataset's state allows,
// rendering up to GOMAXPROCS plots at a time.
func writePlots(ds *Dataset, markers []Marker, heatmapN int, outputDir string) error {
	thr := throttle{Max: runtime.GOMAXPROCS(0)}
	if ds.QCAnnotated {
		thr.Go(func() error {
			return writeQCPlots(ds, outputDir)
		})
	}
	if ds.PCA != nil {
		thr.Go(func() error {
			return plotPCAElbow(ds.PCA, filepath.Join(outputDir, "pca-elbow.png"))
		})
		if _, p := ds.PCA.Embeddings.Dims(); p >= 2 {
			thr.Go(func() error {
				return plotEmbedding(ds, ds.PCA.Embeddings, "PCA", "PC_1", "PC_2", filepath.Join(outputDir, "pca.png"))
			})
		} else {
			log.Printf("skipping PCA scatter plot: only %d component", p)
		}
	}
	if ds.Embedded {
		thr.Go(func() error {
			return plotEmbedding(ds, ds.embeddingMatrix(), "t-SNE", "tSNE_1", "tSNE_2", filepath.Join(outputDir, "tsne.png"))
		})
	}
	if heatmapN > 0 && len(markers) > 0 {
		thr.Go(func() error {
			return plotMarkerHeatmap(ds, markers, heatmapN, filepath.Join(outputDir, "markers-heatmap.png"))
		})
	}
	return thr.Wait()
}

// writeQCPlots writes histograms of the per-cell QC metrics and a
// scatter plot of nCount vs. nFeature, for choosing filter
// thresholds.
func writeQCPlots(ds *Dataset, outputDir string) error {
	if !ds.QCAnnotated {
		return fmt.Errorf("%w: QC metrics not annotated", ErrInvariant)
	}
	ncount := make(plotter.Values, ds.NCells())
	nfeature := make(plotter.Values, ds.NCells())
	mt := make(plotter.Values, ds.NCells())
	xys := make(plotter.XYs, ds.NCells())
	for i, c := range ds.Cells {
		ncount[i] = c.NCount
		nfeature[i] = float64(c.NFeature)
		mt[i] = c.PercentMT
		xys[i].X, xys[i].Y = c.NCount, float64(c.NFeature)
	}
	for _, h := range []struct {
		fnm    string
		label  string
		values plotter.Values
	}{
		{"qc-nfeature.png", "nFeature_RNA", nfeature},
		{"qc-ncount.png", "nCount_RNA", ncount},
		{"qc-percent-mt.png", "percent.mt", mt},
	} {
		if err := plotHistogram(h.values, h.label, filepath.Join(outputDir, h.fnm)); err != nil {
			return err
		}
	}

	p := plot.New()
	p.Title.Text = "QC"
	p.X.Label.Text = "nCount_RNA"
	p.Y.Label.Text = "nFeature_RNA"
	s, err := plotter.NewScatter(xys)
	if err != nil {
		return err
	}
	s.GlyphStyle.Radius = vg.Points(1)
	s.GlyphStyle.Shape = draw.CircleGlyph{}
	p.Add(s)
	return savePlot(p, 6*vg.Inch, 5*vg.Inch, filepath.Join(outputDir, "qc-scatter.png"))
}

func plotHistogram(values plotter.Values, label, fnm string) error {
	p := plot.New()
	p.X.Label.Text = label
	p.Y.Label.Text = "cells"
	h, err := plotter.NewHist(values, 50)
	if err != nil {
		return err
	}
	h.FillColor = plotutil.Color(0)
	p.Add(h)
	return savePlot(p, 5*vg.Inch, 4*vg.Inch, fnm)
}

// plotPCAElbow plots the fraction of variance explained by each
// principal component.
func plotPCAElbow(r *Reduction, fnm string) error {
	frac, _ := pcaVarianceTable(r)
	xys := make(plotter.XYs, len(frac))
	for i, f := range frac {
		xys[i].X, xys[i].Y = float64(i+1), f
	}
	p := plot.New()
	p.Title.Text = "PCA elbow"
	p.X.Label.Text = "component"
	p.Y.Label.Text = "variance ratio"
	p.Y.Min = 0
	line, points, err := plotter.NewLinePoints(xys)
	if err != nil {
		return err
	}
	p.Add(line, points)
	return savePlot(p, 5*vg.Inch, 4*vg.Inch, fnm)
}

// plotEmbedding plots the first two columns of m (one row per cell),
// colored by cluster if the dataset is clustered.
func plotEmbedding(ds *Dataset, m mat.Matrix, title, xlabel, ylabel, fnm string) error {
	if r, c := m.Dims(); r != ds.NCells() || c < 2 {
		return fmt.Errorf("%w: cannot plot %d x %d embedding of %d cells", ErrInvariant, r, c, ds.NCells())
	}
	groups := map[int]plotter.XYs{}
	for i, c := range ds.Cells {
		k := 0
		if ds.Clustered {
			k = c.Cluster
		}
		groups[k] = append(groups[k], plotter.XY{X: m.At(i, 0), Y: m.At(i, 1)})
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xlabel
	p.Y.Label.Text = ylabel
	p.Legend.Top = true
	ids := ds.ClusterIDs()
	if !ds.Clustered {
		ids = []int{0}
	}
	for _, k := range ids {
		s, err := plotter.NewScatter(groups[k])
		if err != nil {
			return err
		}
		s.GlyphStyle.Color = plotutil.Color(k)
		s.GlyphStyle.Radius = vg.Points(1.5)
		s.GlyphStyle.Shape = draw.CircleGlyph{}
		p.Add(s)
		if ds.Clustered {
			p.Legend.Add(strconv.Itoa(k), s)
		}
	}
	return savePlot(p, 6*vg.Inch, 6*vg.Inch, fnm)
}

// markerGrid is a features x clusters grid of mean expression, each
// feature scaled to [0, 1] across clusters.
type markerGrid struct {
	z [][]float64
}

func (g markerGrid) Dims() (c, r int)   { return len(g.z[0]), len(g.z) }
func (g markerGrid) Z(c, r int) float64 { return g.z[r][c] }
func (g markerGrid) X(c int) float64    { return float64(c) }
func (g markerGrid) Y(r int) float64    { return float64(r) }
func (g markerGrid) Min() float64       { return 0 }
func (g markerGrid) Max() float64       { return 1 }

// plotMarkerHeatmap plots mean normalized expression per cluster of
// the top n markers of each cluster.
func plotMarkerHeatmap(ds *Dataset, markers []Marker, n int, fnm string) error {
	ids := ds.ClusterIDs()
	if len(ids) == 0 {
		return fmt.Errorf("%w: dataset is not clustered", ErrInvariant)
	}
	featureIndex := ds.FeatureIndex()
	var genes []string
	seen := map[string]bool{}
	perCluster := map[int]int{}
	for _, m := range markers {
		if perCluster[m.Cluster] >= n || seen[m.Feature] {
			continue
		}
		perCluster[m.Cluster]++
		seen[m.Feature] = true
		genes = append(genes, m.Feature)
	}
	if len(genes) == 0 {
		return nil
	}
	column := map[int]int{}
	for c, id := range ids {
		column[id] = c
	}
	size := make([]float64, len(ids))
	for _, cell := range ds.Cells {
		if cell.Cluster >= 0 {
			size[column[cell.Cluster]]++
		}
	}
	row := map[int]int{}
	for r, g := range genes {
		row[featureIndex[g]] = r
	}
	z := make([][]float64, len(genes))
	for r := range z {
		z[r] = make([]float64, len(ids))
	}
	for j, cell := range ds.Cells {
		if cell.Cluster < 0 {
			continue
		}
		ind, data := cscColumn(ds.Normalized, j)
		for k, i := range ind {
			if r, ok := row[i]; ok {
				z[r][column[cell.Cluster]] += data[k]
			}
		}
	}
	for r := range z {
		lo, hi := math.Inf(1), math.Inf(-1)
		for c := range z[r] {
			if size[c] > 0 {
				z[r][c] /= size[c]
			}
			lo, hi = math.Min(lo, z[r][c]), math.Max(hi, z[r][c])
		}
		for c := range z[r] {
			if hi > lo {
				z[r][c] = (z[r][c] - lo) / (hi - lo)
			} else {
				z[r][c] = 0
			}
		}
	}

	p := plot.New()
	p.Title.Text = "markers"
	p.X.Label.Text = "cluster"
	hm := plotter.NewHeatMap(markerGrid{z: z}, palette.Heat(32, 1))
	p.Add(hm)
	clusterNames := make([]string, len(ids))
	for c, id := range ids {
		clusterNames[c] = strconv.Itoa(id)
	}
	p.NominalX(clusterNames...)
	p.NominalY(genes...)
	height := vg.Length(len(genes))*vg.Points(12) + 2*vg.Inch
	width := vg.Length(len(ids))*vg.Points(24) + 3*vg.Inch
	return savePlot(p, width, height, fnm)
}

func savePlot(p *plot.Plot, w, h vg.Length, fnm string) error {
	err := p.Save(w, h, fnm)
	if err != nil {
		return &IOError{Path: fnm, Err: err}
	}
	log.Printf("wrote %s", fnm)
	return nil
}
