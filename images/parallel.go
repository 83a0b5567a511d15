package images

import (
	"runtime"
	"sync"
)

// Parallel splits [0, dataSize) into one partition per CPU and runs fn on each.
// Small inputs run serially on the calling goroutine.
//
// @example
//
//	Parallel(height, func(start, end int) {
//	    for y := start; y < end; y++ {
//	        // Process row y
//	    }
//	})
func Parallel(dataSize int, fn func(partStart, partEnd int)) {
	workers := runtime.NumCPU()
	if dataSize < workers*2 {
		fn(0, dataSize)
		return
	}

	partSize := dataSize / workers

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		start := i * partSize
		end := start + partSize
		if i == workers-1 {
			end = dataSize
		}
		go func(start, end int) {
			defer wg.Done()
			fn(start, end)
		}(start, end)
	}
	wg.Wait()
}
