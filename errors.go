// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"errors"
	"fmt"
)

var (
	// ErrFormat indicates malformed input data: bad matrix
	// header, inconsistent dimensions, corrupt dataset file.
	ErrFormat = errors.New("format error")

	// ErrInvariant indicates a stage was handed a dataset whose
	// shape or state does not fit the stage (a caller bug).
	ErrInvariant = errors.New("invariant violation")

	// ErrEmptyResult indicates a stage would produce a dataset
	// with no cells.
	ErrEmptyResult = errors.New("empty result")
)

// IOError wraps a failure to open, read, or write a file.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
