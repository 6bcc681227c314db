// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"time"

	log "github.com/sirupsen/logrus"
)

// writeProfilesPeriodically writes mem.prof and cpu.prof in outdir
// every interval until stop is closed.
func writeProfilesPeriodically(outdir string, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			writeMemProfile(outdir)
			writeCPUProfile(outdir)
		}
	}
}

func writeCPUProfile(outdir string) {
	fnm := filepath.Join(outdir, "cpu.prof")
	f, err := os.OpenFile(fnm+"~", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		log.Print(err)
		return
	}
	defer f.Close()
	runtime.GC()
	if err := pprof.StartCPUProfile(f); err != nil {
		log.Print(err)
		return
	}
	time.Sleep(time.Second)
	pprof.StopCPUProfile()
	err = f.Close()
	if err != nil {
		log.Print(err)
		return
	}
	err = os.Rename(fnm+"~", fnm)
	if err != nil {
		log.Print(err)
	}
}

func writeMemProfile(outdir string) {
	fnm := filepath.Join(outdir, "mem.prof")
	f, err := os.OpenFile(fnm+"~", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		log.Print(err)
		return
	}
	defer f.Close()
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Print(err)
		return
	}
	err = f.Close()
	if err != nil {
		log.Print(err)
		return
	}
	err = os.Rename(fnm+"~", fnm)
	if err != nil {
		log.Print(err)
	}
}
