// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconveil

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// throttle limits the number of concurrently running per-gene fits
// and remembers the first error reported by any of them.
type throttle struct {
	Max       int
	wg        sync.WaitGroup
	ch        chan bool
	err       atomic.Value
	setupOnce sync.Once
	errorOnce sync.Once
}

func (t *throttle) Acquire() {
	t.setupOnce.Do(func() { t.ch = make(chan bool, t.Max) })
	t.wg.Add(1)
	t.ch <- true
}

func (t *throttle) Release() {
	t.wg.Done()
	<-t.ch
}

// Go runs fn in a new goroutine once a slot is available.
func (t *throttle) Go(fn func() error) {
	t.Acquire()
	go func() {
		defer t.Release()
		t.Report(fn())
	}()
}

func (t *throttle) Report(err error) {
	if err != nil {
		t.errorOnce.Do(func() { t.err.Store(err) })
	}
}

func (t *throttle) Err() error {
	err, _ := t.err.Load().(error)
	return err
}

func (t *throttle) Wait() error {
	t.wg.Wait()
	return t.Err()
}

// geneBatch is the number of consecutive genes handed to one
// goroutine.
const geneBatch = 64

// forEachGene calls fn(j) for j in [0, n), using up to threads
// goroutines (GOMAXPROCS if threads < 1). Each call must only write
// results at index j.
func forEachGene(n, threads int, fn func(j int)) {
	if threads < 1 {
		threads = runtime.GOMAXPROCS(0)
	}
	if threads == 1 || n <= geneBatch {
		for j := 0; j < n; j++ {
			fn(j)
		}
		return
	}
	t := throttle{Max: threads}
	for start := 0; start < n; start += geneBatch {
		start, end := start, start+geneBatch
		if end > n {
			end = n
		}
		t.Go(func() error {
			for j := start; j < end; j++ {
				fn(j)
			}
			return nil
		})
	}
	t.Wait()
}
