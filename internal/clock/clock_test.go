package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestFakeAfter(t *testing.T) {
	f := NewFake(epoch)
	ch := f.After(time.Minute)

	f.Advance(30 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	f.Advance(30 * time.Second)
	select {
	case at := <-ch:
		assert.True(t, at.Equal(epoch.Add(time.Minute)))
	default:
		t.Fatal("did not fire")
	}
	assert.Equal(t, 0, f.Waiters())
}

func TestFakeTicker(t *testing.T) {
	f := NewFake(epoch)
	tk := f.NewTicker(time.Second)
	defer tk.Stop()

	f.Advance(time.Second)
	require.Len(t, tk.C(), 1)
	<-tk.C()

	f.Advance(5 * time.Second)
	assert.Len(t, tk.C(), 1, "missed ticks are dropped")
	assert.True(t, f.Now().Equal(epoch.Add(6*time.Second)))

	tk.Stop()
	assert.Equal(t, 0, f.Waiters())
}

func TestFakeAfterZero(t *testing.T) {
	f := NewFake(epoch)
	select {
	case <-f.After(0):
	default:
		t.Fatal("zero duration should fire immediately")
	}
}

func TestRealClock(t *testing.T) {
	var c Clock = Real{}
	before := time.Now()
	assert.False(t, c.Now().Before(before))
	tk := c.NewTicker(time.Millisecond)
	<-tk.C()
	tk.Stop()
}
