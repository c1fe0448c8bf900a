package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mthli/better-youtube-summary-go/internal/config"
	"github.com/mthli/better-youtube-summary-go/internal/identity"
	"github.com/mthli/better-youtube-summary-go/internal/logging"
	"github.com/mthli/better-youtube-summary-go/internal/payment"
	"github.com/mthli/better-youtube-summary-go/internal/router"
	"github.com/mthli/better-youtube-summary-go/internal/settings"
	"github.com/mthli/better-youtube-summary-go/internal/sse"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "bys",
	Short:   "Better YouTube Summary background worker",
	Long:    `bys is the local background worker for Better YouTube Summary: it gates, signs and relays summarization requests between the browser and the backend.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("bys %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup; re-initialized once config loads.
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "bys"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "bys",
	})

	log.Info().Str("version", Version).Msg("starting bys worker")

	store, err := settings.New(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open settings store")
	}
	defer store.Close()

	id := identity.NewProvider(cfg.BaseURL, cfg.Platform, Version, store)

	processor := payment.NewStripeProcessor(
		cfg.StripeKey, cfg.TrialURL, cfg.PaymentURL, id.InstallID, openTab)
	trial := payment.NewTrialClient(cfg.BaseURL)
	oracle := payment.NewOracle(processor, trial, store)
	gate := payment.NewGate(oracle, store)

	rt := router.New(router.Config{
		RuntimeID: cfg.RuntimeID,
		BaseURL:   cfg.BaseURL,
		Platform:  cfg.Platform,
		Version:   Version,
	}, id, gate, oracle, sse.NewClient(0), openTab)

	if watcher, err := config.NewWatcher(cfg); err != nil {
		log.Warn().Err(err).Msg("config watcher unavailable")
	} else if err := watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("config watcher failed to start")
	} else {
		defer watcher.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Refresh the payment cache once at startup so the first request can be
	// admitted without hitting the network.
	go func() {
		refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		oracle.Refresh(refreshCtx, nil)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/message", rt.HandleMessage)
	mux.HandleFunc("/port/summarize/", rt.HandleSummarize)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
		// No global read/write timeouts: summarize ports are long-lived.
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Info().Msg("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}
	<-done
}

// openTab opens a URL in the user's default browser.
func openTab(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		log.Error().Err(err).Str("url", url).Msg("failed to open browser tab")
		return
	}
	go func() { _ = cmd.Wait() }()
}
