// ABOUTME: Development stub backend for parley — replays scripted chat streams.
// ABOUTME: Usage: parley-stub [-addr :8420] [-scenario scenario.yaml] [-token secret]

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
	"time"

	"github.com/arden-labs/parley/internal/stubserver"
)

func main() {
	addr := flag.String("addr", ":8420", "Listen address")
	scenarioPath := flag.String("scenario", "", "Scenario YAML file (default: echo responses)")
	token := flag.String("token", "", "Require this bearer token (default: no auth)")
	flag.Parse()

	if err := run(*addr, *scenarioPath, *token); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(addr, scenarioPath, token string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	scenario, err := stubserver.LoadScenario(scenarioPath)
	if err != nil {
		return err
	}

	stub := stubserver.New(scenario, token, logger)
	defer stub.Close()

	srv := &http.Server{
		Addr:              addr,
		Handler:           stub.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("stub server listening", "addr", addr, "scenario", scenarioPath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
