// Command import-configs copies channel configurations from a channelsConfigs.json
// file into Postgres, so a deployment can move from CONFIG_STORE=file to postgres.
//
// Usage:
//
//	import-configs [--file channelsConfigs.json] [--dry-run] [--channel CHANNEL]
//
// DB_DSN selects the database. Existing rows for imported channels are replaced.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/onnwee/clipcast/channels"
	"github.com/onnwee/clipcast/db"
)

func main() {
	file := flag.String("file", "channelsConfigs.json", "Path of the JSON config file to import")
	dryRun := flag.Bool("dry-run", false, "List what would be imported without writing")
	channel := flag.String("channel", "", "Import one channel only (default: all channels)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}
	ctx := context.Background()
	database, err := db.Connect(ctx, dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close()
	if err := db.RunMigrations(database); err != nil {
		slog.Error("failed to run migrations", slog.Any("error", err))
		os.Exit(1)
	}

	n, err := importConfigs(ctx, channels.NewFileStore(*file), &db.ChannelConfigs{DB: database}, *dryRun, *channel)
	if err != nil {
		slog.Error("import failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("import completed", slog.Int("channels", n), slog.Bool("dry_run", *dryRun))
}

// importConfigs copies every config from src into dst, merged with the defaults.
func importConfigs(ctx context.Context, src, dst channels.Store, dryRun bool, channelFilter string) (int, error) {
	all, err := src.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("read source: %w", err)
	}
	filter := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channelFilter), "#"))

	names := make([]string, 0, len(all))
	for ch := range all {
		if filter == "" || strings.EqualFold(ch, filter) {
			names = append(names, ch)
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		slog.Info("no channel configs found to import")
		return 0, nil
	}

	imported, failed := 0, 0
	for _, ch := range names {
		logger := slog.With(slog.String("channel", ch))
		if dryRun {
			logger.Info("would import config (dry-run)")
			imported++
			continue
		}
		if err := dst.Save(ctx, strings.ToLower(ch), all[ch].Merge()); err != nil {
			logger.Error("failed to import config", slog.Any("error", err))
			failed++
			continue
		}
		logger.Info("imported config")
		imported++
	}
	if failed > 0 {
		return imported, fmt.Errorf("import completed with %d errors", failed)
	}
	return imported, nil
}
