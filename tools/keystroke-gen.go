// keystroke-gen writes synthetic keystroke CSVs in the capture format, for
// exercising training and prediction without a keyboard.
//
// Usage:
//
//	go run tools/keystroke-gen.go -output alice.csv -count 12000
//	go run tools/keystroke-gen.go -output impostor.csv -profile hunt-and-peck -seed 7
//	go run tools/keystroke-gen.go -list
package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"sort"
	"time"

	"keyguard/internal/features"
	"keyguard/internal/keystroke"
)

// TypingProfile is a typist's timing habits.
type TypingProfile struct {
	Description      string
	MedianHoldMs     float64
	HoldStdDevMs     float64
	MedianIntervalMs float64
	IntervalStdDevMs float64
	BurstProbability float64 // chance a run of quick keys starts
	BurstIntervalMs  float64
	PauseProbability float64 // chance of a thinking pause before a key
	PauseMaxMs       float64
	App              string
}

var profiles = map[string]TypingProfile{
	"normal": {
		Description:      "Typical touch typist",
		MedianHoldMs:     95,
		HoldStdDevMs:     25,
		MedianIntervalMs: 180,
		IntervalStdDevMs: 90,
		BurstProbability: 0.08,
		BurstIntervalMs:  90,
		PauseProbability: 0.02,
		PauseMaxMs:       4000,
		App:              "editor",
	},
	"fast-typist": {
		Description:      "Quick and consistent",
		MedianHoldMs:     70,
		HoldStdDevMs:     15,
		MedianIntervalMs: 110,
		IntervalStdDevMs: 40,
		BurstProbability: 0.15,
		BurstIntervalMs:  60,
		PauseProbability: 0.01,
		PauseMaxMs:       2000,
		App:              "terminal",
	},
	"hunt-and-peck": {
		Description:      "Slow two-finger typist with long holds",
		MedianHoldMs:     160,
		HoldStdDevMs:     60,
		MedianIntervalMs: 420,
		IntervalStdDevMs: 250,
		BurstProbability: 0.01,
		BurstIntervalMs:  200,
		PauseProbability: 0.06,
		PauseMaxMs:       6000,
		App:              "browser",
	},
}

var text = []string{
	"t", "h", "e", "Key.space", "q", "u", "i", "c", "k", "Key.space", "b", "r", "o", "w", "n",
	"Key.space", "f", "o", "x", "Key.space", "j", "u", "m", "p", "s", "Key.space", "o", "v", "e", "r",
	"Key.space", "t", "h", "e", "Key.space", "l", "a", "z", "y", "Key.space", "d", "o", "g", ".", "Key.enter",
	"Key.shift", "W", "e", "Key.space", "m", "e", "t", "Key.space", "a", "t", "Key.space", "9", "Key.backspace", "1", "0", "Key.enter",
}

func main() {
	var (
		outputPath   = flag.String("output", "keystrokes.csv", "Output CSV path; - for stdout")
		count        = flag.Int("count", 1000, "Number of keystrokes to generate")
		profileName  = flag.String("profile", "normal", "Typing profile to use")
		start        = flag.String("start", "", "Start time (RFC 3339); empty = now")
		seed         = flag.Uint64("seed", 0, "Random seed; 0 = use current time")
		listProfiles = flag.Bool("list", false, "List available profiles")
	)
	flag.Parse()

	if *listProfiles {
		names := make([]string, 0, len(profiles))
		for name := range profiles {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Println("Available profiles:")
		for _, name := range names {
			fmt.Printf("  %-14s %s\n", name, profiles[name].Description)
		}
		return
	}

	profile, ok := profiles[*profileName]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown profile: %s (use -list)\n", *profileName)
		os.Exit(1)
	}

	at := time.Now()
	if *start != "" {
		var err error
		if at, err = time.Parse(time.RFC3339, *start); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -start: %v\n", err)
			os.Exit(1)
		}
	}
	if *seed == 0 {
		*seed = uint64(time.Now().UnixNano())
	}

	events := generateEvents(rand.New(rand.NewPCG(*seed, *seed>>1)), profile, *count, at)

	out := os.Stdout
	if *outputPath != "-" {
		f, err := os.Create(*outputPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Create output: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}
	w := features.NewWriter(out)
	if err := w.WriteHeader(); err != nil {
		fmt.Fprintf(os.Stderr, "Write: %v\n", err)
		os.Exit(1)
	}
	if err := w.Write(events...); err != nil {
		fmt.Fprintf(os.Stderr, "Write: %v\n", err)
		os.Exit(1)
	}

	if *outputPath != "-" {
		fmt.Printf("Wrote %d keystrokes (%s, seed %d) to %s\n", len(events), *profileName, *seed, *outputPath)
		printStats(events)
	}
}

func generateEvents(rng *rand.Rand, p TypingProfile, count int, at time.Time) []keystroke.KeyEvent {
	events := make([]keystroke.KeyEvent, 0, count)
	burst := 0
	for i := 0; i < count; i++ {
		var gapMs float64
		switch {
		case burst > 0:
			gapMs = p.BurstIntervalMs * (0.5 + rng.Float64())
			burst--
		case rng.Float64() < p.PauseProbability:
			gapMs = p.MedianIntervalMs + rng.Float64()*p.PauseMaxMs
		case rng.Float64() < p.BurstProbability:
			burst = 3 + rng.IntN(10)
			gapMs = p.BurstIntervalMs * (0.5 + rng.Float64())
		default:
			gapMs = logNormalSample(rng, p.MedianIntervalMs, p.IntervalStdDevMs)
		}
		if i > 0 {
			at = at.Add(ms(gapMs))
		}
		hold := ms(logNormalSample(rng, p.MedianHoldMs, p.HoldStdDevMs))
		events = append(events, keystroke.KeyEvent{
			Press:   at,
			Release: at.Add(hold),
			Key:     text[i%len(text)],
			App:     p.App,
		})
	}
	return events
}

// ms converts to a duration at the microsecond resolution of captured
// timestamps.
func ms(v float64) time.Duration {
	return time.Duration(v * float64(time.Millisecond)).Truncate(time.Microsecond)
}

// logNormalSample draws from a log-normal distribution with the given
// median and approximate spread.
func logNormalSample(rng *rand.Rand, median, stdDev float64) float64 {
	mu := math.Log(median)
	sigma := math.Log(1 + stdDev/median)
	if sigma < 0.05 {
		sigma = 0.05
	}
	return math.Exp(mu + sigma*rng.NormFloat64())
}

func printStats(events []keystroke.KeyEvent) {
	if len(events) < 2 {
		return
	}
	var holdSum, gapSum float64
	minGap, maxGap := math.Inf(1), 0.0
	for i, ev := range events {
		holdSum += ev.Hold().Seconds() * 1000
		if i == 0 {
			continue
		}
		gap := ev.Press.Sub(events[i-1].Press).Seconds() * 1000
		gapSum += gap
		minGap = math.Min(minGap, gap)
		maxGap = math.Max(maxGap, gap)
	}
	n := float64(len(events))

	fmt.Println("\nStatistics:")
	fmt.Printf("  Total keystrokes: %d\n", len(events))
	fmt.Printf("  Time span:        %s\n", events[len(events)-1].Release.Sub(events[0].Press).Round(time.Second))
	fmt.Printf("  Hold mean:        %.1f ms\n", holdSum/n)
	fmt.Printf("  Interval mean:    %.1f ms\n", gapSum/(n-1))
	fmt.Printf("  Interval min:     %.1f ms\n", minGap)
	fmt.Printf("  Interval max:     %.0f ms\n", maxGap)
}
