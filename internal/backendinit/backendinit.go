// Package backendinit performs the process-wide, one-shot backend
// startup step: installing a log bridge that forwards the backend's own
// log lines into this module's logger, then reporting the backend's
// system info line once. Grounded on the original implementation's
// initLibrary(), which calls llama_log_set followed by
// llama_backend_init() exactly once at process startup.
package backendinit

import (
	"strings"
	"sync"

	"github.com/basalt-run/blama/internal/logger"
)

// Level mirrors ggml_log_level's severities.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

// LogCallback receives one backend log line. Backends report through
// Bridge instead of writing to stderr directly, the way the original
// implementation's llamaLogCb forwarded into its own log sink.
type LogCallback func(level Level, text string)

var (
	once     sync.Once
	mu       sync.RWMutex
	callback LogCallback = defaultBridge
)

// Init reports systemInfo() (if non-nil) at info level, exactly once per
// process regardless of how many times it is called. The default log
// bridge is already in place from package initialization, so backend log
// lines reported before Init are forwarded too.
func Init(systemInfo func() string) {
	once.Do(func() {
		if systemInfo != nil {
			logger.Log.Info("backend system info", "info", systemInfo())
		}
	})
}

// SetLogCallback overrides the installed log bridge. Tests use this to
// capture backend log lines instead of sending them to the real logger.
func SetLogCallback(cb LogCallback) {
	mu.Lock()
	defer mu.Unlock()
	if cb == nil {
		cb = defaultBridge
	}
	callback = cb
}

// Bridge reports one backend log line through the installed callback.
func Bridge(level Level, text string) {
	mu.RLock()
	cb := callback
	mu.RUnlock()
	cb(level, text)
}

func defaultBridge(level Level, text string) {
	text = strings.TrimSuffix(text, "\n")
	switch level {
	case LevelError:
		logger.Log.Error(text)
	case LevelWarning:
		logger.Log.Warn(text)
	case LevelDebug:
		logger.Log.Debug(text)
	default:
		logger.Log.Info(text)
	}
}
