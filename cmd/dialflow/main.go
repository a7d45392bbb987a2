package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dialflow/dialflow/internal/api"
	"github.com/dialflow/dialflow/internal/ari"
	"github.com/dialflow/dialflow/internal/config"
	"github.com/dialflow/dialflow/internal/dialer"
	"github.com/dialflow/dialflow/internal/engine"
	"github.com/dialflow/dialflow/internal/llm"
	"github.com/dialflow/dialflow/internal/logging"
	"github.com/dialflow/dialflow/internal/media"
	"github.com/dialflow/dialflow/internal/metrics"
	"github.com/dialflow/dialflow/internal/panel"
	"github.com/dialflow/dialflow/internal/recording"
	"github.com/dialflow/dialflow/internal/scenario"
	"github.com/dialflow/dialflow/internal/session"
	"github.com/dialflow/dialflow/internal/sms"
	"github.com/dialflow/dialflow/internal/stt"
)

const archiveSweepInterval = time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logs, err := logging.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: logging setup: %v\n", err)
		os.Exit(1)
	}
	defer logs.Close()
	logger := logs.App

	logger.Info("starting dialflow",
		"company", cfg.Company,
		"ari", cfg.ARI.BaseURL,
		"panel_enabled", cfg.PanelEnabled(),
		"ops_port", cfg.OpsHTTPPort,
	)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Deploy prompt audio before any call can reference it.
	if err := media.Sync(appCtx, cfg.Audio, logger); err != nil {
		logger.Warn("prompt audio sync failed", "error", err)
	}

	scenarios, err := scenario.LoadRegistry(cfg.ScenariosDir, cfg.Company, logger)
	if err != nil {
		logger.Error("loading scenarios failed", "error", err)
		os.Exit(1)
	}
	logger.Info("scenarios loaded", "names", scenarios.Names())

	ariClient := ari.NewClient(cfg.ARI, cfg.Timeouts.ARI, cfg.Limits.HTTPMaxConnections, logger)
	sessions := session.NewManager(appCtx, ariClient, logs, logger)

	var panelClient *panel.Client
	if cfg.PanelEnabled() {
		panelClient = panel.NewClient(
			cfg.Panel.BaseURL, cfg.Panel.APIToken, cfg.Company,
			cfg.Timeouts.HTTP, time.Duration(cfg.Dialer.DefaultRetry)*time.Second,
			cfg.Limits.HTTPMaxConnections, logger,
		)
	}

	sttClient := stt.NewClient(cfg.STT.URL, cfg.STT.Token,
		cfg.Timeouts.STT, cfg.Limits.MaxParallelSTT, cfg.Limits.HTTPMaxConnections, logger)
	llmClient := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model,
		cfg.Timeouts.LLM, cfg.Limits.MaxParallelLLM, cfg.Limits.HTTPMaxConnections, logger)

	var smsClient *sms.Client
	if cfg.SMSEnabled() {
		smsClient = sms.NewClient(cfg.SMS.APIKey, cfg.SMS.From, cfg.SMS.Admins, logger)
	}

	eng := engine.New(cfg, ariClient, sessions, scenarios, sttClient, llmClient, panelClient, logs)
	dl := dialer.New(cfg, ariClient, sessions, eng, panelClient, smsClient, logger)
	eng.SetPauser(dl)
	sessions.SetHooks(eng)
	sessions.SetLines(dl)

	if panelClient != nil {
		registerWithPanel(appCtx, panelClient, scenarios, cfg, logger)
		go panelClient.Run(appCtx)
	}

	recording.StartCleanupTicker(appCtx, cfg.AudioArchive, cfg.ArchiveMaxDays, archiveSweepInterval, logger)

	// Prometheus registry with the engine collector plus Go runtime stats.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	var reportQueue metrics.ReportQueue
	if panelClient != nil {
		reportQueue = panelClient
	}
	reg.MustRegister(metrics.NewCollector(sessions, dl, eng, reportQueue, time.Now()))

	handler := api.NewServer(dl, sessions, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.OpsHTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 3)

	go func() {
		logger.Info("ops http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("ops http server: %w", err)
		}
	}()

	stream := ari.NewStream(cfg.ARI, sessions, logger)
	go func() {
		if err := stream.Run(appCtx); err != nil && appCtx.Err() == nil {
			errCh <- fmt.Errorf("event stream: %w", err)
		}
	}()

	go func() {
		if err := dl.Run(appCtx); err != nil && appCtx.Err() == nil {
			errCh <- fmt.Errorf("dialer: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("fatal component error", "error", err)
	}

	// Stop originating and consuming events, then drain the ops server.
	appCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("ops http server shutdown error", "error", err)
	}

	logger.Info("dialflow stopped")
}

// registerWithPanel announces the loaded scenarios and configured lines
// so the panel can reference them by id. Failures are logged only; the
// engine runs without registration.
func registerWithPanel(ctx context.Context, client *panel.Client, scenarios *scenario.Registry, cfg *config.Config, logger *slog.Logger) {
	regCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var refs []panel.ScenarioRefWithDisplay
	for _, sc := range scenarios.All() {
		refs = append(refs, panel.ScenarioRefWithDisplay{Name: sc.Name, DisplayName: sc.DisplayName})
	}
	if err := client.RegisterScenarios(regCtx, refs); err != nil {
		logger.Warn("scenario registration failed", "error", err)
	}

	var lines []panel.Line
	for _, number := range cfg.Dialer.OutboundNumbers {
		lines = append(lines, panel.Line{PhoneNumber: number, DisplayName: number})
	}
	if err := client.RegisterOutboundLines(regCtx, lines); err != nil {
		logger.Warn("line registration failed", "error", err)
	}
}
