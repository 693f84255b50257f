package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"erpsync/internal/app"
	"erpsync/internal/config"
	"erpsync/internal/pkg/logger"
	"erpsync/internal/syncer"
)

// main runs one sync synchronously and prints its result as JSON.
//
//	erpsync -type sales -mode full -from 2026-10-01 -to 2026-10-08
//	erpsync -type customers -nightly
//	erpsync -init-config configs/config.json
func main() {
	var (
		typeFlag    = flag.String("type", "", "catalog | stock | sales | customers")
		modeFlag    = flag.String("mode", "incremental", "full | incremental")
		fromFlag    = flag.String("from", "", "window start, YYYY-MM-DD (sales)")
		toFlag      = flag.String("to", "", "window end, exclusive, YYYY-MM-DD (sales)")
		nightlyFlag = flag.Bool("nightly", false, "run the nightly plan of -type instead")
		configFlag  = flag.String("config", "", "config file (default configs/config.json)")
		initFlag    = flag.String("init-config", "", "write the effective config (defaults, file, env) to this path and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *initFlag != "" {
		if err := config.Save(*initFlag, cfg); err != nil {
			log.Fatalf("write config: %v", err)
		}
		return
	}
	// stdout carries the result
	appLogger := logger.New(os.Stderr, cfg.App.LogLevel)

	typ, err := syncer.ParseType(*typeFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}
	p, err := params(typ, *modeFlag, *fromFlag, *toFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	os.Exit(run(cfg, appLogger, typ, p, *nightlyFlag))
}

func run(cfg *config.Config, appLogger *slog.Logger, typ syncer.Type, p syncer.Params, nightly bool) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Error("init app failed", slog.String("error", err.Error()))
		return 1
	}
	defer a.Close()

	var (
		out    any
		runErr error
	)
	if nightly {
		out, runErr = a.Service.RunNightly(ctx, typ)
	} else {
		_, out, runErr = a.Service.Run(ctx, p)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		appLogger.Error("encode result failed", slog.String("error", err.Error()))
	}
	if runErr != nil {
		appLogger.Error("sync failed", slog.String("error", runErr.Error()))
		if errors.Is(runErr, syncer.ErrAlreadyRunning) {
			return 3
		}
		return 1
	}
	return 0
}

func params(typ syncer.Type, mode, from, to string) (syncer.Params, error) {
	m, err := syncer.ParseMode(mode)
	if err != nil {
		return syncer.Params{}, err
	}
	p := syncer.Params{Type: typ, Mode: m}
	if from != "" {
		if p.From, err = time.ParseInLocation("2006-01-02", from, time.Local); err != nil {
			return p, fmt.Errorf("-from: %w", err)
		}
	}
	if to != "" {
		if p.To, err = time.ParseInLocation("2006-01-02", to, time.Local); err != nil {
			return p, fmt.Errorf("-to: %w", err)
		}
	}
	return p, nil
}
