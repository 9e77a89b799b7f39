package measure

import "runtime"

const bytesPerMB = 1024 * 1024

// MemoryReader returns the current heap total and heap used in megabytes.
type MemoryReader func() (heapTotalMB, heapUsedMB float64)

// ReadHeap forces a collection and reads the heap statistics, so the used
// figure reflects live data only.
func ReadHeap() (heapTotalMB, heapUsedMB float64) {
	runtime.GC()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapSys) / bytesPerMB, float64(ms.HeapAlloc) / bytesPerMB
}
