// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/james-bowman/sparse"
	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

const datasetFormatVersion = 1

// cellsPerEntry limits the size of each gob entry written to a
// dataset file.
const cellsPerEntry = 100000

type datasetHeader struct {
	Version   int
	NCells    int
	NFeatures int
	State
}

type matrixData struct {
	Rows   int
	Cols   int
	Indptr []int
	Ind    []int
	Data   []float64
}

// DatasetEntry is one record in a dataset file. A file is a gzipped
// gob stream: a Header entry, then any number of Cells and Features
// entries, then Counts, optionally Normalized and PCA, and finally a
// Checksum entry holding the blake2b-256 hash of Counts.
type DatasetEntry struct {
	Header     *datasetHeader
	Cells      []Cell
	Features   []Feature
	Counts     *matrixData
	Normalized *matrixData
	PCA        *Reduction
	Checksum   []byte
}

func toMatrixData(m *sparse.CSC) *matrixData {
	r, c := m.Dims()
	raw := m.RawMatrix()
	return &matrixData{Rows: r, Cols: c, Indptr: raw.Indptr, Ind: raw.Ind, Data: raw.Data}
}

func (md *matrixData) csc() (*sparse.CSC, error) {
	if md.Rows < 0 || md.Cols < 0 || len(md.Indptr) != md.Cols+1 || len(md.Ind) != len(md.Data) || md.Indptr[0] != 0 || md.Indptr[md.Cols] != len(md.Data) {
		return nil, fmt.Errorf("%w: inconsistent sparse matrix (%dx%d, %d indptr, %d ind, %d data)", ErrFormat, md.Rows, md.Cols, len(md.Indptr), len(md.Ind), len(md.Data))
	}
	for j := 0; j < md.Cols; j++ {
		if md.Indptr[j] > md.Indptr[j+1] {
			return nil, fmt.Errorf("%w: decreasing column pointer at column %d", ErrFormat, j)
		}
	}
	for _, i := range md.Ind {
		if i < 0 || i >= md.Rows {
			return nil, fmt.Errorf("%w: row index %d out of range", ErrFormat, i)
		}
	}
	return sparse.NewCSC(md.Rows, md.Cols, md.Indptr, md.Ind, md.Data), nil
}

func (md *matrixData) checksum() []byte {
	h, _ := blake2b.New256(nil)
	binary.Write(h, binary.LittleEndian, []int64{int64(md.Rows), int64(md.Cols)})
	for _, v := range md.Indptr {
		binary.Write(h, binary.LittleEndian, int64(v))
	}
	for _, v := range md.Ind {
		binary.Write(h, binary.LittleEndian, int64(v))
	}
	binary.Write(h, binary.LittleEndian, md.Data)
	return h.Sum(nil)
}

// WriteDataset writes ds to w in the dataset file format.
func WriteDataset(w io.Writer, ds *Dataset) error {
	if err := ds.Check(); err != nil {
		return err
	}
	zw := pgzip.NewWriter(w)
	enc := gob.NewEncoder(zw)
	err := encodeDataset(enc, ds)
	if err != nil {
		return err
	}
	return zw.Close()
}

func encodeDataset(enc *gob.Encoder, ds *Dataset) error {
	err := enc.Encode(DatasetEntry{Header: &datasetHeader{
		Version:   datasetFormatVersion,
		NCells:    ds.NCells(),
		NFeatures: ds.NFeatures(),
		State:     ds.State,
	}})
	if err != nil {
		return err
	}
	for i := 0; i < len(ds.Cells); i += cellsPerEntry {
		end := i + cellsPerEntry
		if end > len(ds.Cells) {
			end = len(ds.Cells)
		}
		if err = enc.Encode(DatasetEntry{Cells: ds.Cells[i:end]}); err != nil {
			return err
		}
	}
	if err = enc.Encode(DatasetEntry{Features: ds.Features}); err != nil {
		return err
	}
	counts := toMatrixData(ds.Counts)
	if err = enc.Encode(DatasetEntry{Counts: counts}); err != nil {
		return err
	}
	if ds.Normalized != nil {
		if err = enc.Encode(DatasetEntry{Normalized: toMatrixData(ds.Normalized)}); err != nil {
			return err
		}
	}
	if ds.PCA != nil {
		if err = enc.Encode(DatasetEntry{PCA: ds.PCA}); err != nil {
			return err
		}
	}
	return enc.Encode(DatasetEntry{Checksum: counts.checksum()})
}

// DecodeDataset calls cb for each entry in a dataset file.
func DecodeDataset(r io.Reader, cb func(*DatasetEntry) error) error {
	zr, err := pgzip.NewReader(bufio.NewReaderSize(r, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrFormat, err)
	}
	defer zr.Close()
	dec := gob.NewDecoder(zr)
	for {
		var ent DatasetEntry
		err := dec.Decode(&ent)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("%w: %s", ErrFormat, err)
		}
		if err := cb(&ent); err != nil {
			return err
		}
	}
}

// ReadDataset reads a dataset written by WriteDataset, verifying the
// count matrix checksum.
func ReadDataset(r io.Reader) (*Dataset, error) {
	var ds Dataset
	var header *datasetHeader
	var counts *matrixData
	var checksum []byte
	err := DecodeDataset(r, func(ent *DatasetEntry) error {
		if ent.Header != nil {
			if ent.Header.Version != datasetFormatVersion {
				return fmt.Errorf("%w: unsupported dataset format version %d", ErrFormat, ent.Header.Version)
			}
			header = ent.Header
			ds.State = header.State
		} else if header == nil {
			return fmt.Errorf("%w: dataset file does not start with a header", ErrFormat)
		}
		ds.Cells = append(ds.Cells, ent.Cells...)
		ds.Features = append(ds.Features, ent.Features...)
		if ent.Counts != nil {
			counts = ent.Counts
		}
		if ent.Normalized != nil {
			m, err := ent.Normalized.csc()
			if err != nil {
				return err
			}
			ds.Normalized = m
		}
		if ent.PCA != nil {
			ds.PCA = ent.PCA
		}
		if ent.Checksum != nil {
			checksum = ent.Checksum
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if header == nil || counts == nil {
		return nil, fmt.Errorf("%w: incomplete dataset file", ErrFormat)
	}
	if checksum == nil {
		return nil, fmt.Errorf("%w: dataset file has no checksum", ErrFormat)
	}
	if !bytes.Equal(checksum, counts.checksum()) {
		return nil, fmt.Errorf("%w: count matrix checksum mismatch", ErrFormat)
	}
	if ds.Counts, err = counts.csc(); err != nil {
		return nil, err
	}
	if len(ds.Cells) != header.NCells || len(ds.Features) != header.NFeatures {
		return nil, fmt.Errorf("%w: header says %d cells x %d features, found %d x %d", ErrFormat, header.NCells, header.NFeatures, len(ds.Cells), len(ds.Features))
	}
	if err = ds.Check(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFormat, err)
	}
	return &ds, nil
}

// WriteDatasetFile writes ds to path, replacing any existing file
// only after the new one is complete.
func WriteDatasetFile(path string, ds *Dataset) error {
	f, err := os.OpenFile(path+".tmp", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return &IOError{Path: path, Err: err}
	}
	defer f.Close()
	bufw := bufio.NewWriterSize(f, 1<<20)
	err = WriteDataset(bufw, ds)
	if err != nil {
		return err
	}
	if err = bufw.Flush(); err != nil {
		return &IOError{Path: path, Err: err}
	}
	if err = f.Close(); err != nil {
		return &IOError{Path: path, Err: err}
	}
	if err = os.Rename(path+".tmp", path); err != nil {
		return &IOError{Path: path, Err: err}
	}
	log.Infof("wrote %s: %d cells, %d features", path, ds.NCells(), ds.NFeatures())
	return nil
}

func ReadDatasetFile(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Path: path, Err: err}
	}
	defer f.Close()
	ds, err := ReadDataset(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

// readDatasetArg reads a dataset from the named file, or from stdin
// if fnm is "-".
func readDatasetArg(fnm string, stdin io.Reader) (*Dataset, error) {
	if fnm == "-" {
		return ReadDataset(stdin)
	}
	return ReadDatasetFile(fnm)
}

func writeDatasetArg(fnm string, stdout io.Writer, ds *Dataset) error {
	if fnm == "-" {
		bufw := bufio.NewWriter(stdout)
		if err := WriteDataset(bufw, ds); err != nil {
			return err
		}
		return bufw.Flush()
	}
	if fnm == "" {
		return errors.New("no output file specified")
	}
	return WriteDatasetFile(fnm, ds)
}
