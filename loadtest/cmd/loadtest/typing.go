package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/livetype/relay-chat/loadtest/client"
	"github.com/livetype/relay-chat/loadtest/stats"
)

var draftWords = strings.Fields("the quick brown fox jumps over the lazy dog again")

// runTyping fills rooms with participants that type word by word and commit
// each finished sentence, measuring how long room peers wait for each frame.
func runTyping(args []string) {
	fs := flag.NewFlagSet("typing", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	metricsURL := fs.String("metrics", "", "Server metrics URL to scrape (optional)")
	rooms := fs.Int("rooms", 5, "Number of rooms")
	perRoom := fs.Int("per-room", 10, "Participants per room")
	interval := fs.Duration("interval", 1500*time.Millisecond, "Delay between frames from one participant")
	duration := fs.Duration("duration", 60*time.Second, "Test duration")
	fs.Parse(args)

	fmt.Printf("Typing test: %d rooms x %d participants, one frame per %s for %s\n",
		*rooms, *perRoom, *interval, *duration)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	// username + "\x00" + content -> send time
	var sentAt sync.Map
	track := func(f client.Frame) {
		if v, ok := sentAt.Load(f.Username + "\x00" + f.Content); ok {
			collector.AddFanout(time.Since(v.(time.Time)))
		}
	}

	var clients []*client.Client
	for r := 0; r < *rooms; r++ {
		for p := 0; p < *perRoom; p++ {
			name := fmt.Sprintf("r%dp%d", r, p)
			dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
			c, err := client.Dial(dialCtx, *url, roomName(r))
			if err == nil {
				c.On(client.TypeKeystroke, track)
				c.On(client.TypeNewMessage, track)
				c.On(client.TypeNameError, func(client.Frame) { collector.AddNameError() })
				err = c.Join(name, "sess-"+name)
				if err == nil {
					err = c.Ready(dialCtx)
				}
			}
			dialCancel()
			if err != nil {
				collector.AddError()
				if c != nil {
					c.Close()
				}
				continue
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)
			clients = append(clients, c)
		}
	}
	fmt.Printf("Connected %d participants (%d errors)\n", len(clients), collector.ErrorCount())

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Stagger starts so rooms do not pulse in lockstep.
			offset := *interval * time.Duration(i%*perRoom) / time.Duration(*perRoom)
			select {
			case <-time.After(offset):
			case <-ctx.Done():
				return
			}
			typeLoop(ctx, c, *interval, collector, &sentAt)
		}()
	}

	progress := time.NewTicker(5 * time.Second)
	defer progress.Stop()
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-progress.C:
			sent, received := collector.Traffic()
			fmt.Printf("  [typing] sent: %d  delivered: %d  errors: %d\n", sent, received, collector.ErrorCount())
		}
	}
	wg.Wait()

	for _, c := range clients {
		c.Close()
	}
	collector.Report()
}

// typeLoop sends a growing draft one word per interval, commits it, and
// starts the next sentence. The sentence number leads each draft so every
// frame content is distinct.
func typeLoop(ctx context.Context, c *client.Client, interval time.Duration, collector *stats.Collector, sentAt *sync.Map) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seq, words := 0, 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case <-ticker.C:
		}

		draft := fmt.Sprintf("n%d", seq)
		if words > 0 {
			draft += " " + strings.Join(draftWords[:words], " ")
		}
		sentAt.Store(c.Username()+"\x00"+draft, time.Now())

		var err error
		if words == len(draftWords) {
			err = c.Commit(draft)
			seq, words = seq+1, 0
		} else {
			err = c.Keystroke(draft)
			words++
		}
		if err != nil {
			collector.AddError()
			return
		}
		collector.AddSent()
	}
}
