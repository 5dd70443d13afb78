package stats

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// snapshot holds the server's collector values at one scrape.
type snapshot struct {
	at          time.Time
	connections float64
	sessions    float64
	relayJobs   float64
	frames      float64
	stored      float64
	dropped     float64
	tickSum     float64
	tickCount   float64
}

// Scraper polls the server's /metrics endpoint during a run.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL polling every interval.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot now and then one per interval until ctx is done or
// Stop is called. A final snapshot is taken on the way out.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop halts polling and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	snap, err := s.fetch()
	if err != nil {
		// server not up yet
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch() (snapshot, error) {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		return snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return snapshot{}, fmt.Errorf("metrics: status %d", resp.StatusCode)
	}

	snap := snapshot{at: time.Now()}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		name, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}
		// Labelled series appear once per label set and are summed.
		switch name {
		case "relaychat_connections_total":
			snap.connections = value
		case "relaychat_sessions_active":
			snap.sessions = value
		case "relaychat_relay_jobs":
			snap.relayJobs = value
		case "relaychat_frames_total":
			snap.frames += value
		case "relaychat_messages_stored_total":
			snap.stored += value
		case "relaychat_fanout_dropped_total":
			snap.dropped = value
		case "relaychat_relay_tick_seconds_sum":
			snap.tickSum = value
		case "relaychat_relay_tick_seconds_count":
			snap.tickCount = value
		}
	}
	return snap, scanner.Err()
}

// parseMetricLine splits a text exposition line into its metric name with
// labels removed and its value.
func parseMetricLine(line string) (name string, value float64, ok bool) {
	raw := line
	if open := strings.IndexByte(raw, '{'); open != -1 {
		closing := strings.IndexByte(raw[open:], '}')
		if closing == -1 {
			return "", 0, false
		}
		raw = raw[:open] + raw[open+closing+1:]
	}

	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return "", 0, false
	}
	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "", 0, false
	}
	return fields[0], v, true
}

// Report prints initial, final, delta and peak for each tracked series.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics ---")
	fmt.Printf("  Scrapes: %d over %s\n", len(snaps), last.at.Sub(first.at).Round(time.Second))

	rows := []struct {
		label string
		get   func(snapshot) float64
	}{
		{"Connections", func(s snapshot) float64 { return s.connections }},
		{"Sessions", func(s snapshot) float64 { return s.sessions }},
		{"Relay Jobs", func(s snapshot) float64 { return s.relayJobs }},
		{"Frames", func(s snapshot) float64 { return s.frames }},
		{"Stored Msgs", func(s snapshot) float64 { return s.stored }},
		{"Fanout Drops", func(s snapshot) float64 { return s.dropped }},
	}

	fmt.Println()
	fmt.Printf("  %-14s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, r := range rows {
		initial, final := r.get(first), r.get(last)
		fmt.Printf("  %-14s %10.0f %10.0f %10.0f %10.0f\n",
			r.label, initial, final, final-initial, peak(snaps, r.get))
	}

	fmt.Println()
	if n := last.tickCount - first.tickCount; n > 0 {
		fmt.Printf("  %-14s avg: %.6fs  (%.0f ticks)\n", "Relay Tick", (last.tickSum-first.tickSum)/n, n)
	} else {
		fmt.Printf("  %-14s avg: N/A\n", "Relay Tick")
	}
}

func peak(snaps []snapshot, get func(snapshot) float64) float64 {
	p := math.Inf(-1)
	for _, s := range snaps {
		p = max(p, get(s))
	}
	return p
}
