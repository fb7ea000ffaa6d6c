package main

import (
	"bytes"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyguard/internal/features"
)

func TestGenerateEvents(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for name, p := range profiles {
		t.Run(name, func(t *testing.T) {
			events := generateEvents(rand.New(rand.NewPCG(3, 1)), p, 200, start)
			require.Len(t, events, 200)
			assert.Equal(t, start, events[0].Press)
			for i, ev := range events {
				assert.True(t, ev.Valid(), "event %d", i)
				assert.Equal(t, p.App, ev.App)
				if i > 0 {
					assert.True(t, ev.Press.After(events[i-1].Press), "event %d", i)
				}
			}

			again := generateEvents(rand.New(rand.NewPCG(3, 1)), p, 200, start)
			assert.Equal(t, events, again)
		})
	}
}

func TestGeneratedCSVReadsBack(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	events := generateEvents(rand.New(rand.NewPCG(9, 9)), profiles["normal"], 50, start)

	var buf bytes.Buffer
	w := features.NewWriter(&buf)
	require.NoError(t, w.WriteHeader())
	require.NoError(t, w.Write(events...))

	got, err := features.ReadEvents(&buf)
	require.NoError(t, err)
	require.Len(t, got, len(events))
	for i := range events {
		assert.True(t, events[i].Press.Equal(got[i].Press), "press %d", i)
		assert.Equal(t, events[i].Key, got[i].Key)
	}
}
