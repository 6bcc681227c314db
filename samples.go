// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// Sample is one row of a sample table.
type Sample struct {
	ID  string
	Dir string
}

// LoadSampleTable reads a CSV or TSV file with a "SampleID,Directory"
// header. Relative directories are resolved against the directory
// containing the table.
func LoadSampleTable(path string) ([]Sample, error) {
	f, err := zopen(path)
	if err != nil {
		return nil, &IOError{Path: path, Err: err}
	}
	buf, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return nil, &IOError{Path: path, Err: err}
	}
	var si []Sample
	seen := map[string]bool{}
	lineNum := 0
	for _, line := range bytes.Split(buf, []byte{'\n'}) {
		lineNum++
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			continue
		}
		sep := ","
		if bytes.IndexByte(line, '\t') >= 0 {
			sep = "\t"
		}
		split := strings.Split(string(line), sep)
		if len(split) < 2 {
			return nil, fmt.Errorf("%w: %d fields < 2 in %s line %d: %q", ErrFormat, len(split), path, lineNum, line)
		}
		if lineNum == 1 {
			if split[0] != "SampleID" || split[1] != "Directory" {
				return nil, fmt.Errorf("%w: header does not look right: %q", ErrFormat, line)
			}
			continue
		}
		id, dir := strings.TrimSpace(split[0]), strings.TrimSpace(split[1])
		if id == "" || dir == "" {
			return nil, fmt.Errorf("%w: %s line %d: empty sample id or directory", ErrFormat, path, lineNum)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: %s line %d: duplicate sample id %q", ErrFormat, path, lineNum, id)
		}
		seen[id] = true
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(filepath.Dir(path), dir)
		}
		si = append(si, Sample{ID: id, Dir: dir})
	}
	if len(si) == 0 {
		return nil, fmt.Errorf("%w: no samples in %s", ErrEmptyResult, path)
	}
	return si, nil
}

// selectSamples returns the samples named in subset, in table
// order. An empty subset selects everything.
func selectSamples(si []Sample, subset []string) ([]Sample, error) {
	if len(subset) == 0 {
		return si, nil
	}
	want := map[string]bool{}
	for _, id := range subset {
		want[id] = true
	}
	var out []Sample
	for _, s := range si {
		if want[s.ID] {
			out = append(out, s)
			delete(want, s.ID)
		}
	}
	for id := range want {
		return nil, fmt.Errorf("sample %q not found in sample table", id)
	}
	return out, nil
}

// loadSamples loads each sample listed in the table (or the named
// subset of them) and merges the results.
func loadSamples(tablePath string, subset []string, opts LoadOptions) (*Dataset, error) {
	samples, err := LoadSampleTable(tablePath)
	if err != nil {
		return nil, err
	}
	samples, err = selectSamples(samples, subset)
	if err != nil {
		return nil, err
	}
	var datasets []*Dataset
	for _, s := range samples {
		o := opts
		o.Sample = s.ID
		ds, err := Load10X(s.Dir, o)
		if err != nil {
			return nil, fmt.Errorf("sample %s: %w", s.ID, err)
		}
		datasets = append(datasets, ds)
	}
	return Merge(datasets...)
}
