package main

import (
	"math"
	"sort"
	"time"
)

// latencyStats summarizes the time-to-grant samples of a benchmark.
type latencyStats struct {
	Count           int64   `json:"count"`
	SuccessfulCount int64   `json:"successful_count"`
	FailedCount     int64   `json:"failed_count"`
	SuccessRate     float64 `json:"success_rate"`
	Mean            string  `json:"mean,omitempty"`
	Median          string  `json:"median,omitempty"`
	P90             string  `json:"p90,omitempty"`
	P99             string  `json:"p99,omitempty"`
	Min             string  `json:"min,omitempty"`
	Max             string  `json:"max,omitempty"`
	StdDev          string  `json:"std_dev,omitempty"`
}

// calculateLatencyStats computes latency statistics from raw samples.
func calculateLatencyStats(latencies []time.Duration, successful, total int64) latencyStats {
	if total == 0 {
		return latencyStats{SuccessRate: 100.0}
	}

	stats := latencyStats{
		Count:           total,
		SuccessfulCount: successful,
		FailedCount:     total - successful,
		SuccessRate:     float64(successful) * 100.0 / float64(total),
	}
	if len(latencies) == 0 {
		return stats
	}

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, lat := range latencies {
		sum += lat
	}
	n := len(latencies)
	mean := sum / time.Duration(n)

	var variance float64
	for _, lat := range latencies {
		diff := float64(lat - mean)
		variance += diff * diff
	}
	variance /= float64(n)

	stats.Mean = mean.String()
	stats.Median = percentile(latencies, 50).String()
	stats.P90 = percentile(latencies, 90).String()
	stats.P99 = percentile(latencies, 99).String()
	stats.Min = latencies[0].String()
	stats.Max = latencies[n-1].String()
	stats.StdDev = time.Duration(math.Sqrt(variance)).String()
	return stats
}

// percentile returns the p-th percentile of a sorted slice, interpolating
// between neighbouring samples.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}

	index := p / 100.0 * float64(len(sorted))
	if index == math.Trunc(index) {
		return sorted[clampIndex(int(index)-1, len(sorted))]
	}

	lower := clampIndex(int(math.Floor(index))-1, len(sorted))
	upper := clampIndex(int(math.Ceil(index))-1, len(sorted))
	if lower == upper {
		return sorted[lower]
	}

	fraction := index - math.Floor(index)
	lowerVal := float64(sorted[lower])
	upperVal := float64(sorted[upper])
	return time.Duration(lowerVal + fraction*(upperVal-lowerVal))
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
