package monitor

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/glimte/agentbus/contracts"
	"github.com/glimte/agentbus/interceptors"
	"github.com/glimte/agentbus/messaging"
)

const defaultSampleSize = 100

// Collector keeps in-memory counters for handler activity on the bus. It is
// fed by interceptors.Metrics and, as a server tap, by routed
// traffic.
type Collector struct {
	mu sync.RWMutex

	// handled messages by type
	messageCounters map[string]int64

	// handler errors by message type and error tag
	errorCounters map[string]map[string]int64

	// handler latency by message type
	processingTimes map[string]*timeStats

	// routed messages by sender then receiver
	traffic map[string]map[string]int64

	sampleSize int
	startedAt  time.Time
}

type timeStats struct {
	count   int64
	totalMs int64
	minMs   int64
	maxMs   int64
	samples []int64
}

// CollectorOption configures a Collector
type CollectorOption func(*Collector)

// WithSampleSize sets how many recent latencies are kept per message type
// for percentile estimates
func WithSampleSize(n int) CollectorOption {
	return func(c *Collector) {
		if n > 0 {
			c.sampleSize = n
		}
	}
}

// NewCollector creates an empty collector
func NewCollector(options ...CollectorOption) *Collector {
	c := &Collector{
		sampleSize: defaultSampleSize,
		startedAt:  time.Now(),
	}
	for _, opt := range options {
		opt(c)
	}
	c.reset()
	return c
}

func (c *Collector) reset() {
	c.messageCounters = make(map[string]int64)
	c.errorCounters = make(map[string]map[string]int64)
	c.processingTimes = make(map[string]*timeStats)
	c.traffic = make(map[string]map[string]int64)
}

// IncrementMessageCount implements interceptors.MetricsCollector
func (c *Collector) IncrementMessageCount(messageType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageCounters[messageType]++
}

// RecordProcessingTime implements interceptors.MetricsCollector
func (c *Collector) RecordProcessingTime(messageType string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms := duration.Milliseconds()
	stats, ok := c.processingTimes[messageType]
	if !ok {
		stats = &timeStats{minMs: ms, maxMs: ms, samples: make([]int64, 0, c.sampleSize)}
		c.processingTimes[messageType] = stats
	}

	stats.count++
	stats.totalMs += ms
	stats.minMs = min(stats.minMs, ms)
	stats.maxMs = max(stats.maxMs, ms)

	if len(stats.samples) >= c.sampleSize {
		stats.samples = stats.samples[1:]
	}
	stats.samples = append(stats.samples, ms)
}

// IncrementErrorCount implements interceptors.MetricsCollector
func (c *Collector) IncrementErrorCount(messageType string, errorType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.errorCounters[messageType] == nil {
		c.errorCounters[messageType] = make(map[string]int64)
	}
	c.errorCounters[messageType][errorType]++
}

// Observe implements messaging.Tap. Every message the server routes, replies
// included, is counted on its sender/receiver edge.
func (c *Collector) Observe(ctx context.Context, msg *contracts.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.traffic[msg.Sender] == nil {
		c.traffic[msg.Sender] = make(map[string]int64)
	}
	c.traffic[msg.Sender][msg.Receiver]++
	return nil
}

// Summary is a point-in-time copy of the collected metrics
type Summary struct {
	MessageCounts   map[string]int64            `json:"message_counts"`
	ErrorCounts     map[string]map[string]int64 `json:"error_counts"`
	ProcessingStats map[string]ProcessingStats  `json:"processing_stats"`
	Traffic         map[string]map[string]int64 `json:"traffic"`
	Uptime          time.Duration               `json:"uptime"`
}

// ProcessingStats describes handler latency for one message type
type ProcessingStats struct {
	Count int64 `json:"count"`
	AvgMs int64 `json:"avg_ms"`
	MinMs int64 `json:"min_ms"`
	MaxMs int64 `json:"max_ms"`
	P50Ms int64 `json:"p50_ms"`
	P95Ms int64 `json:"p95_ms"`
	P99Ms int64 `json:"p99_ms"`
}

// Summary returns a copy of all collected metrics
func (c *Collector) Summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := Summary{
		MessageCounts:   make(map[string]int64, len(c.messageCounters)),
		ErrorCounts:     make(map[string]map[string]int64, len(c.errorCounters)),
		ProcessingStats: make(map[string]ProcessingStats, len(c.processingTimes)),
		Traffic:         make(map[string]map[string]int64, len(c.traffic)),
		Uptime:          time.Since(c.startedAt),
	}

	for msgType, count := range c.messageCounters {
		summary.MessageCounts[msgType] = count
	}
	for msgType, byTag := range c.errorCounters {
		summary.ErrorCounts[msgType] = copyCounts(byTag)
	}
	for sender, byReceiver := range c.traffic {
		summary.Traffic[sender] = copyCounts(byReceiver)
	}

	for msgType, stats := range c.processingTimes {
		sorted := slices.Clone(stats.samples)
		slices.Sort(sorted)

		ps := ProcessingStats{
			Count: stats.count,
			MinMs: stats.minMs,
			MaxMs: stats.maxMs,
			P50Ms: percentile(sorted, 50),
			P95Ms: percentile(sorted, 95),
			P99Ms: percentile(sorted, 99),
		}
		if stats.count > 0 {
			ps.AvgMs = stats.totalMs / stats.count
		}
		summary.ProcessingStats[msgType] = ps
	}

	return summary
}

// ErrorAnalysis summarizes handler failures across all message types
type ErrorAnalysis struct {
	TotalMessages int64            `json:"total_messages"`
	TotalErrors   int64            `json:"total_errors"`
	ErrorRate     float64          `json:"error_rate"`
	ByErrorType   map[string]int64 `json:"by_error_type"`
	TopErrorTypes []string         `json:"top_error_types"`
}

// ErrorAnalysis aggregates error counts by tag. TopErrorTypes is ordered by
// count, then by name.
func (c *Collector) ErrorAnalysis() ErrorAnalysis {
	c.mu.RLock()
	defer c.mu.RUnlock()

	analysis := ErrorAnalysis{ByErrorType: make(map[string]int64)}
	for _, count := range c.messageCounters {
		analysis.TotalMessages += count
	}
	for _, byTag := range c.errorCounters {
		for tag, count := range byTag {
			analysis.ByErrorType[tag] += count
			analysis.TotalErrors += count
		}
	}
	if analysis.TotalMessages > 0 {
		analysis.ErrorRate = float64(analysis.TotalErrors) / float64(analysis.TotalMessages)
	}

	for tag := range analysis.ByErrorType {
		analysis.TopErrorTypes = append(analysis.TopErrorTypes, tag)
	}
	sort.Slice(analysis.TopErrorTypes, func(i, j int) bool {
		a, b := analysis.TopErrorTypes[i], analysis.TopErrorTypes[j]
		if analysis.ByErrorType[a] != analysis.ByErrorType[b] {
			return analysis.ByErrorType[a] > analysis.ByErrorType[b]
		}
		return a < b
	})

	return analysis
}

// Throughput returns handled messages per second since the collector started
func (c *Collector) Throughput() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	elapsed := time.Since(c.startedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	var total int64
	for _, count := range c.messageCounters {
		total += count
	}
	return float64(total) / elapsed
}

// Reset clears all metrics
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	c.startedAt = time.Now()
}

// percentile uses the nearest-rank method on sorted samples
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p/100*float64(len(sorted))+0.5) - 1
	rank = max(0, min(rank, len(sorted)-1))
	return sorted[rank]
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var (
	_ interceptors.MetricsCollector = (*Collector)(nil)
	_ messaging.Tap                 = (*Collector)(nil)
)
