package sandboxloop

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInitSandbox(t *testing.T) *SandboxBackend {
	t.Helper()
	b := NewSandboxBackend()
	require.NoError(t, b.Init())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSandboxBackend_InitClose(t *testing.T) {
	b := NewSandboxBackend()
	if err := b.Init(); err != nil {
		t.Fatalf("Init() = %v, want nil", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close() = %v, want nil", err)
	}
	// closing again, or without Init, has no observable effect
	if err := b.Close(); err != nil {
		t.Fatalf("second Close() = %v, want nil", err)
	}
	if err := NewSandboxBackend().Close(); err != nil {
		t.Fatalf("Close() without Init = %v, want nil", err)
	}
}

func TestSandboxBackend_Capabilities(t *testing.T) {
	b := NewSandboxBackend()
	assert.Equal(t, "sandbox", b.Name())
	assert.Equal(t, Capabilities{}, b.Capabilities())
	assert.ErrorIs(t, b.Wakeup(), ErrNotSupported)
}

func TestSandboxBackend_PollSleeps(t *testing.T) {
	b := newInitSandbox(t)

	for _, ms := range []int{1, 20, 50} {
		start := time.Now()
		n, err := b.Poll(ms, func(int, IOEvents) {
			t.Fatal("dispatch called by sandbox poll")
		})
		elapsed := time.Since(start)
		require.NoError(t, err)
		assert.Zero(t, n)
		if want := time.Duration(ms) * time.Millisecond; elapsed < want {
			t.Errorf("Poll(%d) returned after %v, want at least %v", ms, elapsed, want)
		}
	}
}

func TestSandboxBackend_PollNonPositive(t *testing.T) {
	b := newInitSandbox(t)

	var calls int
	prev := hostSleep
	hostSleep = func(time.Duration) { calls++ }
	defer func() { hostSleep = prev }()

	for _, ms := range []int{0, -1, -1000, math.MinInt} {
		start := time.Now()
		n, err := b.Poll(ms, nil)
		require.NoError(t, err)
		assert.Zero(t, n)
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Errorf("Poll(%d) took %v, want immediate", ms, elapsed)
		}
	}
	assert.Zero(t, calls, "host clock consulted for non-positive timeout")
}

func TestSandboxBackend_PollRetriesEarlyReturn(t *testing.T) {
	b := newInitSandbox(t)

	var args []time.Duration
	prev := hostSleep
	hostSleep = func(d time.Duration) {
		args = append(args, d)
		if len(args) == 1 {
			// interrupted before any time passed
			return
		}
		time.Sleep(d)
	}
	defer func() { hostSleep = prev }()

	const ms = 30
	start := time.Now()
	_, err := b.Poll(ms, nil)
	elapsed := time.Since(start)
	require.NoError(t, err)

	if len(args) < 2 {
		t.Fatalf("host sleep called %d times, want at least 2", len(args))
	}
	assert.Equal(t, ms*time.Millisecond, args[0])
	if args[1] > args[0] {
		t.Errorf("retried with %v, more than the first %v", args[1], args[0])
	}
	if elapsed < ms*time.Millisecond {
		t.Errorf("Poll(%d) returned after %v", ms, elapsed)
	}
}

func TestMillisToDuration(t *testing.T) {
	tests := []struct {
		ms   int
		want time.Duration
	}{
		{0, 0},
		{1, time.Millisecond},
		{999, 999 * time.Millisecond},
		{1000, time.Second},
		{1500, time.Second + 500*time.Millisecond},
		{61001, 61*time.Second + time.Millisecond},
	}
	for _, tt := range tests {
		if got := millisToDuration(tt.ms); got != tt.want {
			t.Errorf("millisToDuration(%d) = %v, want %v", tt.ms, got, tt.want)
		}
	}
}

func TestMillisToDuration_Saturates(t *testing.T) {
	if math.MaxInt < math.MaxInt64 {
		t.Skip("int is too small to overflow time.Duration")
	}
	largest := int64(math.MaxInt64 / int64(time.Millisecond))
	tests := []struct {
		ms   int64
		want time.Duration
	}{
		{largest, time.Duration(largest) * time.Millisecond},
		{largest + 1, math.MaxInt64},
		{math.MaxInt64, math.MaxInt64},
	}
	for _, tt := range tests {
		if got := millisToDuration(int(tt.ms)); got != tt.want {
			t.Errorf("millisToDuration(%d) = %v, want %v", tt.ms, got, tt.want)
		}
	}
}

func TestSandboxBackend_PollHugeTimeoutSleeps(t *testing.T) {
	if math.MaxInt < math.MaxInt64 {
		t.Skip("int is too small to overflow time.Duration")
	}
	b := newInitSandbox(t)

	type stop struct{}
	var got time.Duration
	prev := hostSleep
	hostSleep = func(d time.Duration) {
		got = d
		panic(stop{})
	}
	defer func() { hostSleep = prev }()

	func() {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(stop); !ok {
					panic(r)
				}
			}
		}()
		_, _ = b.Poll(math.MaxInt, nil)
	}()

	if got <= 0 {
		t.Fatalf("Poll(math.MaxInt) slept for %v, want a positive duration", got)
	}
	assert.Equal(t, time.Duration(math.MaxInt64), got)
}

func TestSandboxBackend_CheckFD(t *testing.T) {
	b := newInitSandbox(t)
	for _, fd := range []int{0, 1, 2, 3, 1 << 20, -1, math.MaxInt, math.MinInt} {
		if err := b.CheckFD(fd); err != nil {
			t.Errorf("CheckFD(%d) = %v, want nil", fd, err)
		}
	}
}

func TestSandboxBackend_InvalidateFD(t *testing.T) {
	b := newInitSandbox(t)
	for _, fd := range []int{0, 7, 7, -1, math.MaxInt} {
		b.InvalidateFD(fd)
	}
	// no per-descriptor state, so still valid
	assert.NoError(t, b.CheckFD(7))
}

func TestSandboxBackend_Fork(t *testing.T) {
	b := newInitSandbox(t)
	for i := 0; i < 3; i++ {
		err := b.Fork()
		if err != ErrNotSupported {
			t.Fatalf("Fork() = %v, want ErrNotSupported", err)
		}
		if !errors.Is(err, ErrNotSupported) {
			t.Fatalf("errors.Is(Fork(), ErrNotSupported) = false")
		}
	}

	// the backend is still usable afterwards
	start := time.Now()
	_, err := b.Poll(10, nil)
	require.NoError(t, err)
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("Poll(10) after Fork returned after %v", elapsed)
	}
}

func TestSandboxBackend_WatchPath(t *testing.T) {
	b := newInitSandbox(t)
	cw, err := b.WatchPath(t.TempDir(), func() {})
	assert.Nil(t, cw)
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestSandboxBackend_InterfaceIndex(t *testing.T) {
	b := newInitSandbox(t)
	for _, name := range []string{"", "lo", "eth0", "en0", "wlan0", "definitely-not-an-interface", "\x00"} {
		idx, ok := b.InterfaceIndex(name)
		if ok || idx != 0 {
			t.Errorf("InterfaceIndex(%q) = (%d, %v), want (0, false)", name, idx, ok)
		}
	}
}

func TestSandboxBackend_Registration(t *testing.T) {
	b := newInitSandbox(t)
	assert.NoError(t, b.Register(5, EventRead))
	assert.NoError(t, b.Modify(5, EventRead|EventWrite))
	assert.NoError(t, b.Unregister(5))
	// nothing is tracked, so repeats are fine too
	assert.NoError(t, b.Unregister(5))
}

func TestSandboxBackend_Scenario(t *testing.T) {
	// init, poll for 50ms, tear down
	b := NewSandboxBackend()
	require.NoError(t, b.Init())

	start := time.Now()
	n, err := b.Poll(50, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Poll(50) returned after %v", elapsed)
	}

	require.NoError(t, b.Close())
}

func TestSetupArgs(t *testing.T) {
	tests := []struct {
		name string
		argv []string
	}{
		{"nil", nil},
		{"empty", []string{}},
		{"one", []string{"prog"}},
		{"many", []string{"prog", "-v", "--flag=value", "", "trailing arg"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SetupArgs(tt.argv)
			if len(got) != len(tt.argv) {
				t.Fatalf("SetupArgs() len = %d, want %d", len(got), len(tt.argv))
			}
			for i := range got {
				if got[i] != tt.argv[i] {
					t.Errorf("SetupArgs()[%d] = %q, want %q", i, got[i], tt.argv[i])
				}
			}
			if len(tt.argv) > 0 && &got[0] != &tt.argv[0] {
				t.Error("SetupArgs() copied argv, want the same backing array")
			}
		})
	}
}

func TestIOEvents_String(t *testing.T) {
	tests := []struct {
		events IOEvents
		want   string
	}{
		{0, "none"},
		{EventRead, "read"},
		{EventRead | EventWrite, "read|write"},
		{EventError | EventHangup, "error|hangup"},
		{EventWrite | 1<<10, "write|unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.events.String())
	}
}
