package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/companionkit/companiond/internal/config"
	"github.com/companionkit/companiond/internal/gateway"
	"github.com/companionkit/companiond/internal/llm"
	"github.com/companionkit/companiond/internal/logger"
	"github.com/companionkit/companiond/internal/memory"
	"github.com/companionkit/companiond/internal/speech"
	"github.com/companionkit/companiond/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file (default: $COMPANIOND_CONFIG or ~/.config/companiond/config.json)")
	listenAddr := flag.String("addr", "", "listen address, overrides config")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = config.GetConfigPath()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Global().Close()

	// Log level follows config file edits without a restart.
	watcher, err := config.Watch(path, func(updated *config.Config) {
		logger.Global().SetLevel(logger.ParseLevel(updated.LogLevel))
		logger.Info("config reloaded, log level now %s", updated.LogLevel)
	})
	if err != nil {
		logger.Warn("config watch unavailable: %v", err)
	} else {
		defer watcher.Close()
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	generator, err := llm.New(cfg.LLM)
	if err != nil {
		return fmt.Errorf("init llm client: %w", err)
	}
	logger.Info("llm provider %s, model %s", cfg.LLM.Provider, generator.ModelName())

	var mem memory.Manager = memory.Noop{}
	if cfg.Memory.RedisAddr != "" {
		mem = memory.NewRedisManager(cfg.Memory)
		logger.Info("long-term memory backed by redis at %s", cfg.Memory.RedisAddr)
	}

	var synth speech.Synthesizer
	var rec speech.Recognizer
	if cfg.Speech.APIKey != "" {
		client, err := speech.NewClient(cfg.Speech, cfg.SpeechTimeout())
		if err != nil {
			return fmt.Errorf("init speech client: %w", err)
		}
		if !cfg.Speech.DisableTTS {
			synth = client
		}
		if !cfg.Speech.DisableASR {
			rec = client
		}
	}
	if synth == nil {
		logger.Info("speech synthesis disabled, turns are text-only")
	}
	if rec == nil {
		logger.Info("speech recognition disabled, voice messages are rejected")
	}

	gw := gateway.NewGateway(cfg, st, generator, mem, synth, rec)
	server := gateway.NewServer(cfg, gw)
	server.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	server.Stop()
	return nil
}
