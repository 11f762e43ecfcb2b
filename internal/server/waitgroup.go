package server

import (
	"sync"
	"sync/atomic"
)

// WaitGroupWithCount is a sync.WaitGroup that also exposes its current
// count, so the server can report how many requests are still in flight
// (Server.InFlight).
type WaitGroupWithCount struct {
	sync.WaitGroup
	count int64
}

func (wg *WaitGroupWithCount) Add(delta int) {
	atomic.AddInt64(&wg.count, int64(delta))
	wg.WaitGroup.Add(delta)
}

func (wg *WaitGroupWithCount) Done() {
	atomic.AddInt64(&wg.count, -1)
	wg.WaitGroup.Done()
}

// Size reports the current in-flight count.
func (wg *WaitGroupWithCount) Size() int {
	return int(atomic.LoadInt64(&wg.count))
}
