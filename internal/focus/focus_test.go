package focus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"keyguard/internal/clock"
)

func TestPolicySensitive(t *testing.T) {
	p := Policy{
		DenyTitles: []string{"Password", "*bank*login*"},
		DenyApps:   []string{"keepassxc"},
	}
	tests := []struct {
		name string
		win  WindowInfo
		want bool
	}{
		{"title substring any case", WindowInfo{Title: "Enter PASSWORD for alice"}, true},
		{"wildcard title", WindowInfo{Title: "My Bank - Login page"}, true},
		{"wildcard miss", WindowInfo{Title: "My Bank - statements"}, false},
		{"denied app", WindowInfo{Application: "KeePassXC", Title: "vault"}, true},
		{"ordinary", WindowInfo{Application: "gedit", Title: "notes.txt"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Sensitive(tt.win))
		})
	}
}

func TestPolicyAllowList(t *testing.T) {
	p := Policy{AllowApps: []string{"gedit", "code*"}}
	assert.False(t, p.Sensitive(WindowInfo{Application: "gedit"}))
	assert.False(t, p.Sensitive(WindowInfo{Application: "code-oss"}))
	assert.True(t, p.Sensitive(WindowInfo{Application: "firefox"}))
}

func TestMatchWildcard(t *testing.T) {
	assert.True(t, matchWildcard("*", "anything"))
	assert.True(t, matchWildcard("untitled*", "untitled 3"))
	assert.True(t, matchWildcard("*.tmp", "a.tmp"))
	assert.True(t, matchWildcard("a*b*c", "axxbyyc"))
	assert.False(t, matchWildcard("a*b*c", "axxcyyb"))
	assert.False(t, matchPattern("", "x"))
}

func TestWindowLabel(t *testing.T) {
	assert.Equal(t, "notes.txt", WindowInfo{Application: "gedit", Title: "notes.txt"}.Label())
	assert.Equal(t, "gedit", WindowInfo{Application: "gedit"}.Label())
}

func TestTrackerRefreshKeepsLastGoodWindow(t *testing.T) {
	var fail atomic.Bool
	lookup := func(context.Context) (WindowInfo, error) {
		if fail.Load() {
			return WindowInfo{}, errors.New("display gone")
		}
		return WindowInfo{Application: "gedit", Title: "notes.txt"}, nil
	}
	fake := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	tr := NewTracker(lookup, time.Second, fake, nil)

	tr.Refresh(context.Background())
	assert.Equal(t, "notes.txt", tr.Active().Title)
	assert.Equal(t, fake.Now(), tr.Active().Timestamp)

	fail.Store(true)
	tr.Refresh(context.Background())
	assert.Equal(t, "notes.txt", tr.Active().Title)
}

func TestTrackerPolls(t *testing.T) {
	var calls atomic.Int32
	lookup := func(context.Context) (WindowInfo, error) {
		calls.Add(1)
		return WindowInfo{Title: "w"}, nil
	}
	fake := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	tr := NewTracker(lookup, time.Second, fake, nil)
	tr.Start(context.Background())
	defer tr.Stop()

	assert.Equal(t, int32(1), calls.Load())
	assert.Eventually(t, func() bool { return fake.Waiters() == 1 }, time.Second, time.Millisecond)
	fake.Advance(time.Second)
	assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
}

func TestStaticProvider(t *testing.T) {
	s := NewStatic(WindowInfo{Title: "a"})
	var p Provider = s
	assert.Equal(t, "a", p.Active().Title)
	s.Set(WindowInfo{Title: "b"})
	assert.Equal(t, "b", p.Active().Title)
}
