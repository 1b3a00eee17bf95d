package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocx/securegate/pkg/client"
)

// LoadTestConfig holds load test parameters.
type LoadTestConfig struct {
	Addr           string
	NumRequests    int
	Concurrency    int
	Path           string
	ReportInterval time.Duration
}

// LoadTestStats tracks test metrics.
type LoadTestStats struct {
	TotalRequests  uint64
	SuccessfulCall uint64
	FailedCalls    uint64
	TotalDuration  time.Duration
	AvgLatency     time.Duration
	MaxLatency     time.Duration
	MinLatency     time.Duration
	P95Latency     time.Duration
	P99Latency     time.Duration
	Throughput     float64
}

func main() {
	addr := flag.String("addr", "127.0.0.1:8000", "securegate server address")
	numRequests := flag.Int("requests", 1000, "number of requests to send")
	concurrency := flag.Int("concurrency", 50, "number of concurrent connections")
	path := flag.String("path", "/echo", "endpoint path to call")
	reportInterval := flag.Duration("report", 5*time.Second, "stats reporting interval")
	flag.Parse()

	cfg := LoadTestConfig{
		Addr:           *addr,
		NumRequests:    *numRequests,
		Concurrency:    *concurrency,
		Path:           *path,
		ReportInterval: *reportInterval,
	}

	slog.Info("starting securegate load test", "addr", cfg.Addr, "requests", cfg.NumRequests, "concurrency", cfg.Concurrency)
	stats := runLoadTest(cfg)
	printResults(stats)
}

func runLoadTest(cfg LoadTestConfig) *LoadTestStats {
	stats := &LoadTestStats{MinLatency: time.Hour}

	var latencies []time.Duration
	var latenciesMu sync.Mutex

	reqChan := make(chan int, cfg.NumRequests)
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportStats(ctx, stats, cfg.ReportInterval)

	startTime := time.Now()
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			runWorker(workerID, cfg, reqChan, stats, &latencies, &latenciesMu)
		}(i)
	}

	for i := 0; i < cfg.NumRequests; i++ {
		reqChan <- i
	}
	close(reqChan)

	wg.Wait()
	totalDuration := time.Since(startTime)

	stats.TotalDuration = totalDuration
	stats.Throughput = float64(stats.TotalRequests) / totalDuration.Seconds()

	latenciesMu.Lock()
	if len(latencies) > 0 {
		stats.AvgLatency = average(latencies)
		stats.P95Latency = percentile(latencies, 95)
		stats.P99Latency = percentile(latencies, 99)
	}
	latenciesMu.Unlock()

	return stats
}

func runWorker(workerID int, cfg LoadTestConfig, reqChan <-chan int, stats *LoadTestStats, latencies *[]time.Duration, latenciesMu *sync.Mutex) {
	c, err := client.Dial(client.Config{Addr: cfg.Addr, DialTimeout: 5 * time.Second})
	if err != nil {
		slog.Error("worker failed to dial", "worker_id", workerID, "error", err)
		for range reqChan {
			atomic.AddUint64(&stats.TotalRequests, 1)
			atomic.AddUint64(&stats.FailedCalls, 1)
		}
		return
	}
	defer c.Close()

	for reqID := range reqChan {
		body := []byte(fmt.Sprintf("load-test request %d from worker %d", reqID, workerID))

		start := time.Now()
		_, err := c.Call(cfg.Path, body)
		latency := time.Since(start)

		atomic.AddUint64(&stats.TotalRequests, 1)
		if err != nil {
			atomic.AddUint64(&stats.FailedCalls, 1)
		} else {
			atomic.AddUint64(&stats.SuccessfulCall, 1)
		}

		latenciesMu.Lock()
		*latencies = append(*latencies, latency)
		if latency > stats.MaxLatency {
			stats.MaxLatency = latency
		}
		if latency < stats.MinLatency {
			stats.MinLatency = latency
		}
		latenciesMu.Unlock()
	}
}

func reportStats(ctx context.Context, stats *LoadTestStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			total := atomic.LoadUint64(&stats.TotalRequests)
			success := atomic.LoadUint64(&stats.SuccessfulCall)
			failed := atomic.LoadUint64(&stats.FailedCalls)
			slog.Info("progress", "total", total, "success", success, "failed", failed, "min_latency", stats.MinLatency, "max_latency", stats.MaxLatency)
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *LoadTestStats) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"

	fmt.Println("\n" + separator)
	fmt.Println("LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Total Requests:      %d\n", stats.TotalRequests)
	if stats.TotalRequests > 0 {
		fmt.Printf("Successful Calls:    %d (%.2f%%)\n",
			stats.SuccessfulCall, float64(stats.SuccessfulCall)/float64(stats.TotalRequests)*100)
		fmt.Printf("Failed Calls:        %d (%.2f%%)\n",
			stats.FailedCalls, float64(stats.FailedCalls)/float64(stats.TotalRequests)*100)
	}
	fmt.Println(divider)
	fmt.Printf("Total Duration:      %v\n", stats.TotalDuration)
	fmt.Printf("Throughput:          %.2f req/sec\n", stats.Throughput)
	fmt.Println(divider)
	fmt.Printf("Latency (min):       %v\n", stats.MinLatency)
	fmt.Printf("Latency (avg):       %v\n", stats.AvgLatency)
	fmt.Printf("Latency (p95):       %v\n", stats.P95Latency)
	fmt.Printf("Latency (p99):       %v\n", stats.P99Latency)
	fmt.Printf("Latency (max):       %v\n", stats.MaxLatency)
	fmt.Println(separator + "\n")
}

func average(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

func percentile(latencies []time.Duration, p int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[i] > sorted[j] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	idx := (p * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
