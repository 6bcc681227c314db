// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"
)

const markerDBSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	created TEXT NOT NULL,
	command TEXT NOT NULL,
	cells INTEGER NOT NULL,
	features INTEGER NOT NULL,
	clusters INTEGER NOT NULL,
	resolution REAL NOT NULL,
	seed INTEGER NOT NULL,
	params TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS markers (
	run_id TEXT NOT NULL REFERENCES runs(id),
	cluster INTEGER NOT NULL,
	gene TEXT NOT NULL,
	p_val REAL NOT NULL,
	avg_log2fc REAL NOT NULL,
	pct_1 REAL NOT NULL,
	pct_2 REAL NOT NULL,
	p_val_adj REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS markers_run_cluster ON markers (run_id, cluster);
`

// markerDB accumulates marker tables from successive runs in a
// SQLite database, so results at different resolutions or with
// different tests can be compared with SQL.
type markerDB struct {
	db *sql.DB
}

func openMarkerDB(path string) (*markerDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(markerDBSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables in %s: %w", path, err)
	}
	return &markerDB{db: db}, nil
}

func (mdb *markerDB) Close() error {
	return mdb.db.Close()
}

// RecordRun stores the markers found in ds under a new run id, along
// with params (encoded as YAML), and returns the run id.
func (mdb *markerDB) RecordRun(ctx context.Context, command string, params interface{}, ds *Dataset, markers []Marker) (string, error) {
	paramsYAML, err := yaml.Marshal(params)
	if err != nil {
		return "", err
	}
	runID := uuid.NewString()
	tx, err := mdb.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO runs (id, created, command, cells, features, clusters, resolution, seed, params) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, time.Now().UTC().Format(time.RFC3339), command, ds.NCells(), ds.NFeatures(), len(ds.ClusterIDs()), ds.Resolution, int64(ds.ClusterSeed), string(paramsYAML))
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO markers (run_id, cluster, gene, p_val, avg_log2fc, pct_1, pct_2, p_val_adj) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", err
	}
	defer stmt.Close()
	for _, m := range markers {
		_, err = stmt.ExecContext(ctx, runID, m.Cluster, m.Feature, m.PVal, m.AvgLog2FC, m.Pct1, m.Pct2, m.PValAdj)
		if err != nil {
			return "", fmt.Errorf("insert marker: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return "", err
	}
	log.WithFields(log.Fields{
		"run":     runID,
		"markers": len(markers),
	}).Info("recorded markers")
	return runID, nil
}

// Markers returns the markers recorded for runID, in the order they
// were reported.
func (mdb *markerDB) Markers(ctx context.Context, runID string) ([]Marker, error) {
	rows, err := mdb.db.QueryContext(ctx, `SELECT cluster, gene, p_val, avg_log2fc, pct_1, pct_2, p_val_adj FROM markers WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var markers []Marker
	for rows.Next() {
		var m Marker
		if err := rows.Scan(&m.Cluster, &m.Feature, &m.PVal, &m.AvgLog2FC, &m.Pct1, &m.Pct2, &m.PValAdj); err != nil {
			return nil, err
		}
		markers = append(markers, m)
	}
	return markers, rows.Err()
}
