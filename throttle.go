// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"sync"
)

// throttle runs functions in goroutines, at most Max at a time, and
// remembers the first error.
type throttle struct {
	Max       int
	wg        sync.WaitGroup
	ch        chan struct{}
	err       error
	mtx       sync.Mutex
	setupOnce sync.Once
}

func (t *throttle) setup() {
	t.setupOnce.Do(func() {
		if t.Max < 1 {
			t.Max = 1
		}
		t.ch = make(chan struct{}, t.Max)
	})
}

// Go calls fn in a new goroutine once fewer than Max calls are
// running. If an earlier call failed, fn is skipped.
func (t *throttle) Go(fn func() error) {
	t.setup()
	t.wg.Add(1)
	t.ch <- struct{}{}
	go func() {
		defer func() {
			<-t.ch
			t.wg.Done()
		}()
		if t.Err() != nil {
			return
		}
		t.Report(fn())
	}()
}

func (t *throttle) Report(err error) {
	if err == nil {
		return
	}
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.err == nil {
		t.err = err
	}
}

func (t *throttle) Err() error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.err
}

// Wait waits for all calls to finish and returns the first error.
func (t *throttle) Wait() error {
	t.wg.Wait()
	return t.Err()
}
