// Command parlo is the voice conversation server: it terminates WebSocket
// sessions and drives the transcription → generation → synthesis pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/parlovoice/parlo/internal/config"
	"github.com/parlovoice/parlo/internal/health"
	"github.com/parlovoice/parlo/internal/observe"
	"github.com/parlovoice/parlo/internal/resilience"
	"github.com/parlovoice/parlo/internal/server"
	"github.com/parlovoice/parlo/pkg/history"
	historypg "github.com/parlovoice/parlo/pkg/history/postgres"
	"github.com/parlovoice/parlo/pkg/provider/llm"
	"github.com/parlovoice/parlo/pkg/provider/llm/anyllm"
	oallm "github.com/parlovoice/parlo/pkg/provider/llm/openai"
	"github.com/parlovoice/parlo/pkg/provider/stt"
	"github.com/parlovoice/parlo/pkg/provider/stt/deepgram"
	"github.com/parlovoice/parlo/pkg/provider/stt/whisper"
	"github.com/parlovoice/parlo/pkg/provider/tts"
	"github.com/parlovoice/parlo/pkg/provider/tts/elevenlabs"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parlo: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parlo: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("parlo starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "parlo"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	fbCfg := resilience.FallbackConfig{}
	sttChain, err := reg.BuildSTT(cfg.Providers.STT, fbCfg)
	if err != nil {
		slog.Error("failed to build STT chain", "err", err)
		return 1
	}
	llmChain, err := reg.BuildLLM(cfg.Providers.LLM, fbCfg)
	if err != nil {
		slog.Error("failed to build LLM chain", "err", err)
		return 1
	}
	ttsChain, err := reg.BuildTTS(cfg.Providers.TTS, fbCfg)
	if err != nil {
		slog.Error("failed to build TTS chain", "err", err)
		return 1
	}

	var store history.Store
	checkers := []health.Checker{
		health.Breakers("stt", sttChain.Status),
		health.Breakers("llm", llmChain.Status),
		health.Breakers("tts", ttsChain.Status),
	}
	if dsn := cfg.History.PostgresDSN; dsn != "" {
		pg, err := historypg.NewStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect history store", "err", err)
			return 1
		}
		defer pg.Close()
		store = pg
		checkers = append(checkers, health.Checker{Name: "database", Check: pg.Ping})
		slog.Info("history persistence enabled")
	} else {
		slog.Info("history persistence disabled — sessions are in-memory only")
	}

	metrics := observe.DefaultMetrics()
	srv, err := server.New(server.Config{
		Conf:    cfg,
		STT:     sttChain,
		LLM:     llmChain,
		TTS:     ttsChain,
		Store:   store,
		Metrics: metrics,
	})
	if err != nil {
		slog.Error("failed to build server", "err", err)
		return 1
	}

	watcher, err := config.NewWatcher(*configPath, func(_, updated *config.Config, diff config.ConfigDiff) {
		if diff.Empty() {
			return
		}
		slog.Info("configuration reloaded", "changed", diff.Paths)
		if diff.LogLevelChanged {
			slog.SetDefault(newLogger(diff.NewLogLevel))
		}
		srv.UpdateConfig(updated)
	})
	if err != nil {
		slog.Warn("config hot-reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	printStartupSummary(cfg)

	wsServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: srv,
	}

	var obsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		health.New(checkers...).Register(mux)
		obsServer = &http.Server{
			Addr:    cfg.Server.MetricsAddr,
			Handler: observe.Middleware(metrics)(mux),
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("voice endpoint listening", "addr", cfg.Server.ListenAddr)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = wsServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = wsServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	if obsServer != nil {
		g.Go(func() error {
			slog.Info("observability endpoint listening", "addr", cfg.Server.MetricsAddr)
			if err := obsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		srv.Close()
		if err := wsServer.Shutdown(sctx); err != nil {
			slog.Warn("voice endpoint shutdown", "err", err)
		}
		if obsServer != nil {
			if err := obsServer.Shutdown(sctx); err != nil {
				slog.Warn("observability endpoint shutdown", "err", err)
			}
		}
		return nil
	})

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── provider wiring ──

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ──
	// openai uses the native SDK client; the other hosted backends share the
	// any-llm pattern of optional APIKey + optional BaseURL.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ──

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(modelPath, opts...)
	})

	// ── TTS ──

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})
}

// ── startup summary ──

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          parlo — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printChain("STT", cfg.Providers.STT)
	printChain("LLM", cfg.Providers.LLM)
	printChain("TTS", cfg.Providers.TTS)
	printField("Language", cfg.Session.Language)
	printField("Codec", string(cfg.Audio.Codec))
	if cfg.History.PostgresDSN != "" {
		printField("Persistence", "postgres")
	} else {
		printField("Persistence", "(disabled)")
	}
	printField("Listen addr", cfg.Server.ListenAddr)
	if cfg.Server.MetricsAddr != "" {
		printField("Metrics addr", cfg.Server.MetricsAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printChain(kind string, chain config.ProviderChain) {
	value := chain.Name
	if value == "" {
		value = "(not configured)"
	} else if chain.Model != "" {
		value = chain.Name + " / " + chain.Model
	}
	if n := len(chain.Fallbacks); n > 0 {
		value = fmt.Sprintf("%s +%d", value, n)
	}
	printField(kind, value)
}

func printField(name, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", name, value)
}

// ── logger ──

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── helpers ──

// optString extracts a string value from a provider Options map.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
