package backendinit

import (
	"sync"
	"testing"
)

func TestInitIsIdempotent(t *testing.T) {
	calls := 0
	Init(func() string {
		calls++
		return "test backend v1"
	})
	Init(func() string {
		calls++
		return "should never run"
	})
	if calls > 1 {
		t.Fatalf("systemInfo invoked %d times, want at most 1 across the process", calls)
	}
}

func TestBridgeDispatchesToInstalledCallback(t *testing.T) {
	var mu sync.Mutex
	var got []string

	SetLogCallback(func(level Level, text string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, text)
	})
	t.Cleanup(func() { SetLogCallback(nil) })

	Bridge(LevelInfo, "hello\n")
	Bridge(LevelWarning, "world")

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "hello\n" || got[1] != "world" {
		t.Fatalf("got %v, want [hello\\n world]", got)
	}
}

func TestDefaultBridgeStripsTrailingNewline(t *testing.T) {
	SetLogCallback(nil)
	defaultBridge(LevelInfo, "no panic expected\n")
}
