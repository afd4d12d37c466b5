package ioworker

import "sort"

// latencyBuckets is the size of the microsecond-indexed histogram:
// 1,000,000 buckets, the last catching everything >= 1s.
const latencyBuckets = 1_000_000

// Result is the per-run output: counts, elapsed time, latency
// distribution and average, CPU
// usage, and an error if the run aborted early.
type Result struct {
	IOCountRead    uint64
	IOCountWrite   uint64
	IOCountNonRead uint64
	Mseconds       uint64
	LatencyAverageUs float64
	LatencyDistribution [latencyBuckets]uint64
	CPUUsage       float64
	Error          error

	// OutputIOPerSecond, OutputPercentileLatency and OutputCmdlogList are
	// populated only when the corresponding Options field requested them.
	OutputIOPerSecond      []uint64
	OutputPercentileLatency map[float64]uint64
	OutputCmdlogList       []CmdlogEntry
}

// CmdlogEntry records one issued command for output_cmdlog_list.
type CmdlogEntry struct {
	SLBA       uint64
	NLB        uint32
	Opcode     uint8
	SubmitUs   uint64
	CompleteUs uint64
	Status     uint16
}

func (r *Result) recordLatency(us uint64) {
	idx := us
	if idx >= latencyBuckets {
		idx = latencyBuckets - 1
	}
	r.LatencyDistribution[idx]++
}

// computeAverage derives LatencyAverageUs from the histogram; called
// once at run end rather than maintained incrementally, since the
// histogram is the source of truth.
func (r *Result) computeAverage() {
	var total, count uint64
	for us, n := range r.LatencyDistribution {
		total += uint64(us) * n
		count += n
	}
	if count == 0 {
		r.LatencyAverageUs = 0
		return
	}
	r.LatencyAverageUs = float64(total) / float64(count)
}

// computePercentiles fills OutputPercentileLatency for the requested
// percentiles (e.g. 50, 99, 99.9) from the histogram.
func (r *Result) computePercentiles(percentiles []float64) {
	if len(percentiles) == 0 {
		return
	}
	var total uint64
	for _, n := range r.LatencyDistribution {
		total += n
	}
	if total == 0 {
		return
	}

	r.OutputPercentileLatency = make(map[float64]uint64, len(percentiles))
	sorted := append([]float64(nil), percentiles...)
	sort.Float64s(sorted)

	for _, p := range sorted {
		target := uint64(float64(total) * p / 100)
		var cum uint64
		for us, n := range r.LatencyDistribution {
			cum += n
			if cum >= target {
				r.OutputPercentileLatency[p] = uint64(us)
				break
			}
		}
	}
}
