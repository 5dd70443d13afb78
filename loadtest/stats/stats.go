// Package stats aggregates measurements from many load test clients and
// prints a percentile report at the end of a run.
package stats

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"
)

// Collector is shared by every client goroutine in a run.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	fanoutLatencies  []time.Duration
	connections      int
	errors           int
	sent             int
	received         int
	nameErrors       int
	startTime        time.Time
	scraper          *Scraper
}

// NewCollector creates a Collector whose run starts now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a server metrics scraper whose report is appended to
// Report's output.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records an established connection.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddSent counts a frame written by a client.
func (c *Collector) AddSent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

// AddFanout records the time between a client sending a frame and a room
// peer receiving it.
func (c *Collector) AddFanout(d time.Duration) {
	c.mu.Lock()
	c.fanoutLatencies = append(c.fanoutLatencies, d)
	c.received++
	c.mu.Unlock()
}

// AddNameError counts a rejected username claim.
func (c *Collector) AddNameError() {
	c.mu.Lock()
	c.nameErrors++
	c.mu.Unlock()
}

// AddError counts a failed dial, write or read.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of connections recorded so far.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of errors recorded so far.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Traffic returns the sent and received frame counts so far.
func (c *Collector) Traffic() (sent, received int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent, c.received
}

// Report prints the run summary to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Errors:       %d\n", c.errors)
	if c.nameErrors > 0 {
		fmt.Printf("Name errors:  %d\n", c.nameErrors)
	}
	if c.sent > 0 {
		fmt.Printf("Frames sent:  %d\n", c.sent)
		fmt.Printf("Deliveries:   %d (%.1f per frame)\n", c.received, float64(c.received)/float64(c.sent))
	}

	if len(c.connectLatencies) > 0 {
		fmt.Println("\n--- Connect Latency ---")
		printPercentiles(c.connectLatencies)
	}
	if len(c.fanoutLatencies) > 0 {
		fmt.Println("\n--- Fanout Latency ---")
		printPercentiles(c.fanoutLatencies)
	}

	if c.scraper != nil {
		c.scraper.Report()
	}
	fmt.Println()
}

func printPercentiles(durations []time.Duration) {
	slices.Sort(durations)

	n := len(durations)
	pct := func(p float64) time.Duration {
		return durations[int(math.Ceil(float64(n)*p))-1]
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	avg := sum / time.Duration(n)

	fmt.Printf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
		avg.Round(time.Microsecond),
		durations[n/2].Round(time.Microsecond),
		pct(0.95).Round(time.Microsecond),
		pct(0.99).Round(time.Microsecond),
		durations[n-1].Round(time.Microsecond),
		n,
	)
}
