// Command nvmekit-bench drives a synthetic I/O workload against an
// in-process simulated namespace, the same benchmarking role the
// teacher's ublk-mem plays against a real block device, generalized
// from "format and mount a disk" to "shape and run an NVMe workload".
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	nvmekit "github.com/nvmekit/nvmekit"
	"github.com/nvmekit/nvmekit/backend"
	"github.com/nvmekit/nvmekit/internal/logging"
	"github.com/nvmekit/nvmekit/internal/supervisor"
)

func main() {
	var (
		sizeStr  = flag.String("size", "64M", "namespace size (e.g. 64M, 1G)")
		lbaSize  = flag.Int("lba-size", 512, "bytes per LBA")
		qdepth   = flag.Int("qdepth", 32, "queue depth")
		ioSize   = flag.Int("io-size", 8, "LBA count per command")
		readPct  = flag.Int("read-percentage", 70, "0-100 read/write mix")
		duration = flag.Duration("time", 10*time.Second, "run duration (0 = unbounded, capped by io-count)")
		ioCount  = flag.Uint64("io-count", 0, "command cap (0 = unlimited)")
		iops     = flag.Int("iops", 0, "IOPS cap (0 = unlimited)")
		seed     = flag.Int64("seed", 1, "deterministic RNG seed")
		rpcSock  = flag.String("rpc-socket", "", "path for the JSON-RPC introspection socket (empty disables it)")
		verbose  = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("invalid size %q: %v", *sizeStr, err)
	}

	logConfig := nvmekit.DefaultLoggerConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := nvmekit.NewLogger(logConfig)

	ctx := nvmekit.NewContext(*seed)

	var rpcServer *supervisor.Server
	if *rpcSock != "" {
		rpcServer = supervisor.NewServer(ctx.Registry, *rpcSock)
		if err := rpcServer.Start(); err != nil {
			logger.Error("failed to start rpc server", "error", err)
			os.Exit(1)
		}
		defer rpcServer.Stop()
		logger.Info("rpc server listening", "socket", *rpcSock)
	}

	mem := backend.NewMemory(size)
	defer mem.Close()

	fc, err := nvmekit.NewFakeController(mem, *lbaSize, ctx)
	if err != nil {
		logger.Error("failed to create controller", "error", err)
		os.Exit(1)
	}

	qp, err := fc.CreateIOQueue(0, *qdepth, false, 0)
	if err != nil {
		logger.Error("failed to create io queue", "error", err)
		os.Exit(1)
	}
	defer qp.Delete()

	opts := nvmekit.IOWorkerOptions{
		NSID:           fc.Namespace.NSID(),
		LBASize:        *lbaSize,
		IOSize:         nvmekit.Fixed(*ioSize),
		ReadPercentage: *readPct,
		QDepth:         *qdepth,
		Time:           *duration,
		IOCount:        *ioCount,
		IOPS:           *iops,
		RegionEnd:      uint64(size) / uint64(*lbaSize),
	}

	worker, err := nvmekit.NewIOWorker(qp, opts)
	if err != nil {
		logger.Error("failed to build io worker", "error", err)
		os.Exit(1)
	}

	logger.Info("starting workload",
		"size", formatSize(size), "qdepth", *qdepth, "io_size", *ioSize,
		"read_percentage", *readPct, "duration", duration.String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal, stopping worker")
		worker.Stop()
	}()

	result := worker.Run()
	if result.Error != nil {
		logger.Error("workload ended with error", "error", result.Error)
	}

	fmt.Printf("reads=%d writes=%d other=%d elapsed_ms=%d avg_latency_us=%.1f\n",
		result.IOCountRead, result.IOCountWrite, result.IOCountNonRead,
		result.Mseconds, result.LatencyAverageUs)
}

func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)
	multiplier := int64(1)
	numStr := s
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier, numStr = 1024, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier, numStr = 1024*1024, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier, numStr = 1024*1024*1024, strings.TrimSuffix(s, "G")
	}
	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
