// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"gopkg.in/check.v1"
)

type metricsSuite struct{}

var _ = check.Suite(&metricsSuite{})

func (s *metricsSuite) TestStage(c *check.C) {
	m := newStageMetrics()
	ds := markerFixture(c)
	out, err := m.stage("normalize", func() (*Dataset, error) { return ds, nil })
	c.Assert(err, check.IsNil)
	c.Check(out, check.Equals, ds)
	c.Check(testutil.ToFloat64(m.cells.WithLabelValues("normalize")), check.Equals, 40.0)
	c.Check(testutil.ToFloat64(m.features.WithLabelValues("normalize")), check.Equals, 11.0)

	failure := errors.New("oops")
	_, err = m.stage("pca", func() (*Dataset, error) { return nil, failure })
	c.Check(err, check.Equals, failure)
	c.Check(testutil.CollectAndCount(m.cells), check.Equals, 1)

	m.observeMarkers(ds, []Marker{{Cluster: 0}, {Cluster: 0}, {Cluster: 0}})
	c.Check(testutil.ToFloat64(m.clusters), check.Equals, 2.0)
	c.Check(testutil.ToFloat64(m.markers.WithLabelValues("0")), check.Equals, 3.0)
	c.Check(testutil.ToFloat64(m.markers.WithLabelValues("1")), check.Equals, 0.0)

	fnm := filepath.Join(c.MkDir(), "cellkit.prom")
	c.Assert(m.WriteTextfile(fnm), check.IsNil)
	buf, err := os.ReadFile(fnm)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Matches, `(?ms).*^cellkit_stage_cells\{stage="normalize"\} 40$.*`)
	c.Check(string(buf), check.Matches, `(?ms).*^cellkit_markers\{cluster="0"\} 3$.*`)

	err = m.WriteTextfile(filepath.Join(c.MkDir(), "missing", "cellkit.prom"))
	var ioerr *IOError
	c.Check(errors.As(err, &ioerr), check.Equals, true)
}
