// Command blama loads a GGUF model from BLAMA_MODEL and serves the
// completion/verify HTTP surface on BLAMA_HOST:BLAMA_PORT.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basalt-run/blama/internal/backend/fake"
	"github.com/basalt-run/blama/internal/backendinit"
	"github.com/basalt-run/blama/internal/chatformat"
	"github.com/basalt-run/blama/internal/config"
	"github.com/basalt-run/blama/internal/httpapi"
	"github.com/basalt-run/blama/internal/instance"
	"github.com/basalt-run/blama/internal/logger"
	"github.com/basalt-run/blama/internal/model"
	"github.com/basalt-run/blama/internal/server"
)

func main() {
	logger.Setup(envOr("BLAMA_LOG_LEVEL", "info"), envOr("BLAMA_LOG_FORMAT", "console"))

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Log.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	backendinit.Init(func() string { return "fake backend (no GGUF runtime wired in this build)" })

	m, err := loadModel(cfg.ModelPath)
	if err != nil {
		logger.Log.Error("failed to load model", "err", err)
		os.Exit(1)
	}

	inst, err := instance.New(m, instance.DefaultInitParams())
	if err != nil {
		logger.Log.Error("failed to create instance", "err", err)
		os.Exit(1)
	}
	defer inst.Close()

	if err := inst.Warmup(); err != nil {
		logger.Log.Warn("warmup failed", "err", err)
	}

	srv := server.New(m, inst)
	defer srv.Close()

	var cf *chatformat.ChatFormat
	params := chatformat.GetChatParams(m)
	if params.ChatTemplate != "" {
		cf = chatformat.NewJinja(chatformat.JinjaParams{ChatTemplate: params.ChatTemplate, AssistantRole: "assistant"}, &unsupportedJinjaRenderer{})
	}

	h := httpapi.NewWithAPIKey(srv, cf, cfg.APIKey)

	httpServer := &http.Server{Addr: cfg.Addr(), Handler: h.Mux()}

	logger.Log.Info("listening", "addr", cfg.Addr())

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Error("http server stopped", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadModel resolves path into a Model. The GGUF-backed tensor runtime
// this will dispatch to is an external collaborator; until it is wired
// in, this builds a deterministic fake backend from fake.DefaultOptions()
// so the rest of the server is exercisable end to end; path is not read.
func loadModel(path string) (*model.Model, error) {
	opt := fake.DefaultOptions()
	be := fake.New(opt)
	return model.New(be, model.DefaultParams()), nil
}

// unsupportedJinjaRenderer reports that no Jinja template evaluator is
// wired in yet; chat endpoints return an error until one is.
type unsupportedJinjaRenderer struct{}

func (unsupportedJinjaRenderer) Apply([]chatformat.ChatMsg, bool, map[string]string) (string, error) {
	return "", errNoJinjaRuntime
}
func (unsupportedJinjaRenderer) BosToken() string { return "" }
func (unsupportedJinjaRenderer) EosToken() string { return "" }

var errNoJinjaRuntime = jinjaRuntimeError{}

type jinjaRuntimeError struct{}

func (jinjaRuntimeError) Error() string {
	return "no jinja template evaluator is wired into this build"
}
