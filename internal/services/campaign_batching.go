package services

import "time"

// PartitionBatches splits items into consecutive batches of at most size items.
func PartitionBatches[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(items)
	}
	batches := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		batches = append(batches, items[start:end])
	}
	return batches
}

// BatchCount returns how many batches n items form.
func BatchCount(n, size int) int {
	if n <= 0 {
		return 0
	}
	if size <= 0 {
		return 1
	}
	return (n + size - 1) / size
}

// EstimateProcessingSeconds is the user-facing estimate for dispatching batches:
// ceil(((batches-1)*stagger + perBatch) * 1.2). It is never used for scheduling.
func EstimateProcessingSeconds(batches int, stagger, perBatch time.Duration) int64 {
	if batches <= 0 {
		return 0
	}
	total := time.Duration(batches-1)*stagger + perBatch
	buffered := total * 12 / 10
	return int64((buffered + time.Second - 1) / time.Second)
}
