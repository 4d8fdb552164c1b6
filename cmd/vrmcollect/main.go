package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"

	"github.com/vrmcollect/vrmcollect/pkg/collector"
	"github.com/vrmcollect/vrmcollect/pkg/common"
	"github.com/vrmcollect/vrmcollect/pkg/log"
	"github.com/vrmcollect/vrmcollect/pkg/store"
	"github.com/vrmcollect/vrmcollect/pkg/vrm"
)

func main() {
	// a local .env is optional; flags/env cover everything it would set
	_ = godotenv.Load()

	// init packages
	source := vrm.Configured()
	sink := store.Configured()

	col := collector.Configured(source, sink)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	log.SetDefaultLogLevel(level)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Ctx(ctx).InfoContext(ctx, "starting vrmcollect", slog.String("version", common.Version()))

	defer func() {
		if err := sink.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close sink", "error", err)
		}
	}()

	// surface what we're about to monitor before the loop starts
	installations, err := source.Installations(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list installations", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "monitoring installations", slog.Int("count", len(installations)))
	for _, inst := range installations {
		log.Ctx(ctx).InfoContext(ctx, "installation",
			slog.Int64("id", inst.ID),
			slog.String("name", inst.Name),
			slog.String("timezone", inst.Timezone),
		)
	}

	// Run blocks until the context is canceled
	if err := col.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "collector failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "collector exited cleanly")
}
