// Command keystroke-test is a manual check for the platform keyboard source.
//
// It verifies the source can open the keyboard, starts it, and prints key
// counts every second until interrupted with Ctrl+C.
//
// Usage:
//
//	go build -o keystroke-test ./tools/keystroke-test
//	sudo ./keystroke-test -device /dev/input/event3
//
// Requirements:
//   - Linux with read access to /dev/input/event* (root or the input group)
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"keyguard/internal/keystroke"
)

func main() {
	device := flag.String("device", "", "input device; empty = every keyboard")
	flag.Parse()

	fmt.Println("Keyboard Source Test")
	fmt.Println("====================")
	fmt.Println()

	src := keystroke.New(*device)
	fmt.Print("Checking keyboard access... ")
	available, msg := src.Available()
	if !available {
		fmt.Println("DENIED")
		fmt.Println()
		fmt.Println(msg)
		fmt.Println("Run as root or add your user to the input group, then log in again.")
		os.Exit(1)
	}
	fmt.Println("OK")
	fmt.Printf("Source: %s\n", msg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		downs, ups atomic.Uint64
		mu         sync.Mutex
		lastKey    string
	)
	fmt.Print("Starting source... ")
	err := src.Start(ctx, func(ev keystroke.RawEvent) {
		if !ev.Down {
			ups.Add(1)
			return
		}
		downs.Add(1)
		mu.Lock()
		lastKey = ev.Key
		mu.Unlock()
	})
	if err != nil {
		fmt.Printf("FAILED: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("OK")
	fmt.Println()
	fmt.Println("Type something. Press Ctrl+C to stop.")
	fmt.Println()
	fmt.Println("Time        | Presses | Delta | Rate (keys/sec) | Last key")
	fmt.Println("------------|---------|-------|-----------------|---------")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	started := time.Now()
	lastTime := started
	var lastCount uint64

loop:
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			fmt.Println("Received interrupt signal, stopping...")
			break loop
		case now := <-ticker.C:
			count := downs.Load()
			delta := count - lastCount
			rate := 0.0
			if elapsed := now.Sub(lastTime).Seconds(); elapsed > 0 {
				rate = float64(delta) / elapsed
			}
			mu.Lock()
			key := lastKey
			mu.Unlock()
			fmt.Printf("%11s | %7d | %5d | %15.1f | %s\n",
				now.Sub(started).Truncate(time.Second), count, delta, rate, key)
			lastCount, lastTime = count, now
		}
	}

	fmt.Print("Stopping source... ")
	if err := src.Stop(); err != nil {
		fmt.Printf("FAILED: %v\n", err)
	} else {
		fmt.Println("OK")
	}

	total := time.Since(started)
	fmt.Println()
	fmt.Println("Final Statistics")
	fmt.Println("----------------")
	fmt.Printf("Key presses:   %d\n", downs.Load())
	fmt.Printf("Key releases:  %d\n", ups.Load())
	fmt.Printf("Duration:      %s\n", total.Truncate(time.Millisecond))
	if total.Seconds() > 0 {
		fmt.Printf("Average rate:  %.2f keys/sec\n", float64(downs.Load())/total.Seconds())
	}
	if downs.Load() != ups.Load() {
		fmt.Println("Note: presses and releases differ; a key may still be held or the device dropped events.")
	}
}
