// Command connector replays recorded vehicle traces to an MQTT broker, one
// session per configured device.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/Schera-ole/cloudconnector/internal/agent"
	"github.com/Schera-ole/cloudconnector/internal/broker"
	"github.com/Schera-ole/cloudconnector/internal/config"
	"github.com/Schera-ole/cloudconnector/internal/logger"
)

// Set with -ldflags "-X main.buildVersion=..."
var (
	buildVersion = "N/A"
	buildDate    = "N/A"
	buildCommit  = "N/A"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Getenv, os.Stdout, os.Stderr, nil))
}

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "Build version: %s\n", buildVersion)
	fmt.Fprintf(w, "Build date: %s\n", buildDate)
	fmt.Fprintf(w, "Build commit: %s\n", buildCommit)
}

// run returns the process exit code. factory is nil outside tests.
func run(args []string, getenv func(string) string, stdout, stderr io.Writer, factory broker.Factory) int {
	printBanner(stdout)

	cfg, err := config.Load(args, getenv)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fmt.Fprint(stdout, config.Usage())
			return 0
		}
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return 2
	}
	if cfg.ShowVersion {
		return 0
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(stderr, "failed to create logger: %v\n", err)
		return 2
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []agent.Option
	if factory != nil {
		opts = append(opts, agent.WithBrokerFactory(factory))
	}
	a := agent.New(cfg, log, opts...)
	if err := a.Start(ctx); err != nil {
		log.Errorw("failed to start", "error", err)
		return 1
	}
	log.Infow("connector started", "server", cfg.ServerURI, "devices", len(cfg.Devices), "version", buildVersion)

	select {
	case <-a.Done():
		log.Info("all device runs finished")
	case <-ctx.Done():
		log.Info("shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Stop(shutdownCtx); err != nil {
		log.Errorw("shutdown failed", "error", err)
		if errors.Is(err, context.DeadlineExceeded) {
			return 1
		}
	}
	if err := a.Wait(); err != nil {
		log.Errorw("device runs failed", "error", err)
		return 1
	}
	return 0
}
