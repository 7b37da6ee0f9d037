package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/partsdial/commander/commander"
	"github.com/partsdial/commander/config"
	"github.com/partsdial/commander/llm"
	"github.com/partsdial/commander/negotiation"
	"github.com/partsdial/commander/overseer"
	"github.com/partsdial/commander/storage"
	"github.com/partsdial/commander/webhook"
)

// App wires together all components: NATS, storage, the LLM client, the
// negotiation turn processor, the Commander dispatcher, and the webhook
// HTTP server.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	store      *storage.Store
	scripts    *negotiation.ScriptBook
	dispatcher *commander.Dispatcher
	httpServer *http.Server

	scriptWatchStop chan struct{}
}

// NewApp creates an application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}
}

// Start initializes and starts all components.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	store, err := storage.NewStore(ctx, a.js, storage.Options{
		CallStateTTL:      a.cfg.Call.StateTTL,
		CommanderStateTTL: a.cfg.Commander.StateTTL,
		DirectiveTTL:      a.cfg.Commander.DirectiveTTL,
	})
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	a.store = store

	if _, err := overseer.EnsureStream(ctx, a.js, a.cfg.Commander.StateTTL); err != nil {
		return fmt.Errorf("ensure overseer stream: %w", err)
	}

	endpoints := make([]llm.Endpoint, 0, len(a.cfg.LLM.Endpoints))
	for _, ep := range a.cfg.LLM.Endpoints {
		if llm.GetProvider(ep.Provider) == nil {
			return fmt.Errorf("unknown LLM provider %q (registered: %v)",
				ep.Provider, llm.ListProviders())
		}
		endpoints = append(endpoints, llm.Endpoint{
			Provider: ep.Provider,
			BaseURL:  ep.BaseURL,
			Model:    ep.Model,
		})
	}
	llmClient := llm.NewClient(endpoints, llm.WithLogger(a.logger))

	a.scripts = negotiation.NewScriptBook(a.logger)
	if a.cfg.Scripts.Path != "" {
		if err := a.scripts.LoadFile(a.cfg.Scripts.Path); err != nil {
			return fmt.Errorf("load scripts: %w", err)
		}
		a.scriptWatchStop = make(chan struct{})
		if err := a.scripts.Watch(a.cfg.Scripts.Path, a.scriptWatchStop); err != nil {
			a.logger.Warn("Script hot reload unavailable",
				"path", a.cfg.Scripts.Path, "error", err)
		}
	}

	publisher := overseer.NewPublisher(a.js, a.logger)

	processor := negotiation.NewProcessor(llmClient, store, publisher, a.scripts, negotiation.Config{
		TurnTimeout:              a.cfg.LLM.TurnTimeout,
		Temperature:              a.cfg.LLM.Temperature,
		MaxTokens:                a.cfg.LLM.MaxTokens,
		MaxClarificationAttempts: a.cfg.Call.MaxClarificationAttempts,
	}, a.logger)

	worker := commander.NewWorker(store, store, store, llmClient, commander.Config{
		InitRetryDelay:  a.cfg.Commander.InitRetryDelay,
		AnalysisTimeout: a.cfg.LLM.AnalysisTimeout,
	}, a.logger)

	a.dispatcher = commander.NewDispatcher(a.js, worker, a.logger)
	if err := a.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}

	mux := http.NewServeMux()
	handler := webhook.NewHandler(store, processor, webhook.CallDefaults{
		MaxNegotiationAttempts:  a.cfg.Call.MaxNegotiationAttempts,
		MaxBotScreeningAttempts: a.cfg.Call.MaxBotScreeningAttempts,
	}, a.logger)
	handler.RegisterHTTPHandlers("/webhook", mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.httpServer = &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		a.logger.Info("Webhook server listening", "addr", a.cfg.HTTP.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", "error", err)
		}
	}()

	return nil
}

// Stop shuts components down in reverse order, draining in-flight work.
func (a *App) Stop(ctx context.Context) {
	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Warn("HTTP shutdown incomplete", "error", err)
		}
	}
	if a.dispatcher != nil {
		a.dispatcher.Stop()
	}
	if a.scriptWatchStop != nil {
		close(a.scriptWatchStop)
	}
	if a.natsConn != nil {
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
	}
	a.logger.Info("Shutdown complete")
}

func (a *App) startNATS(ctx context.Context) error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
	} else {
		a.logger.Info("Starting embedded NATS server")
		opts := &server.Options{
			Port:      -1, // Random available port
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}
		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js

	return nil
}
