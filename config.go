// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// pipelineConfig holds every setting of the run command. It can be
// loaded from a YAML file; flags given on the command line take
// precedence over the file.
type pipelineConfig struct {
	Samples      string           `yaml:"samples"`
	SampleSubset []string         `yaml:"sample_subset"`
	RandomSeed   int64            `yaml:"random_seed"`
	Load         LoadOptions      `yaml:"load"`
	QC           QCOptions        `yaml:"qc"`
	Filter       FilterOptions    `yaml:"filter"`
	Normalize    NormalizeOptions `yaml:"normalize"`
	Select       SelectOptions    `yaml:"select"`
	PCA          PCAOptions       `yaml:"pca"`
	Cluster      ClusterOptions   `yaml:"cluster"`
	TSNE         TSNEOptions      `yaml:"tsne"`
	Markers      MarkerOptions    `yaml:"markers"`
}

func (cfg *pipelineConfig) Flags(flags *flag.FlagSet) {
	flags.StringVar(&cfg.Samples, "samples", "", "sample table `file` (header SampleID,Directory)")
	flags.Func("sample-subset", "comma-separated sample `ids` to use (default: all)", func(s string) error {
		cfg.SampleSubset = splitList(s)
		return nil
	})
	flags.Int64Var(&cfg.RandomSeed, "random-seed", -1, "random `seed` for clustering and t-SNE (required)")
	cfg.Load.Flags(flags)
	cfg.QC.Flags(flags)
	cfg.Filter.Flags(flags)
	cfg.Normalize.Flags(flags)
	cfg.Select.Flags(flags)
	cfg.PCA.Flags(flags)
	cfg.Cluster.Flags(flags)
	cfg.TSNE.Flags(flags)
	cfg.Markers.Flags(flags)
}

// Validate checks the settings that have no default, and copies the
// random seed into the stages that use it.
func (cfg *pipelineConfig) Validate() error {
	if cfg.Samples == "" {
		return errors.New("samples table must be specified")
	}
	if cfg.RandomSeed < 0 {
		return errors.New("random-seed must be specified (>= 0)")
	}
	if cfg.Cluster.Resolution <= 0 {
		return errors.New("resolution must be specified (> 0)")
	}
	if err := cfg.Filter.Validate(); err != nil {
		return err
	}
	cfg.Cluster.Seed = uint64(cfg.RandomSeed)
	cfg.TSNE.Seed = uint64(cfg.RandomSeed)
	return nil
}

// parseWithConfig parses args into flags. If the -config flag names a
// YAML file, the file is decoded into cfg and the args are parsed
// again so explicitly given flags override the file.
func parseWithConfig(flags *flag.FlagSet, args []string, cfg interface{}) error {
	configFile := flags.String("config", "", "load settings from YAML `file` (command line flags take precedence)")
	err := flags.Parse(args)
	if err != nil || *configFile == "" {
		return err
	}
	buf, err := os.ReadFile(*configFile)
	if err != nil {
		return &IOError{Path: *configFile, Err: err}
	}
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	err = dec.Decode(cfg)
	if err != nil && err != io.EOF {
		return fmt.Errorf("%w: %s: %s", ErrFormat, *configFile, err)
	}
	log.Infof("loaded settings from %s", *configFile)
	return flags.Parse(args)
}

func splitList(s string) []string {
	var list []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}
