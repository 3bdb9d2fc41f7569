package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/nickcrabtree/tigervnc-sub004/pkg/indexstore"
	"github.com/nickcrabtree/tigervnc-sub004/pkg/shardstore"
)

// gcCommand forces a shard GC pass: it loads the index to determine
// which shards are still live, then deletes any shard file the index no
// longer references (spec §4.3 "GC", property P10). Given --schedule it
// instead runs that pass repeatedly on a cron schedule until
// interrupted, the same shape as the teacher's own LRU cronjob.
func gcCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:  "gc",
		Usage: "delete shard files no longer referenced by the index",
		Flags: []cli.Flag{
			&cli.UintFlag{
				Name:  "shard-max-bytes",
				Usage: "shard rollover size used only to open the store for GC",
				Value: 64 << 20,
			},
			&cli.StringFlag{
				Name:    "schedule",
				Usage:   "cron spec to run gc repeatedly instead of once; refer to https://pkg.go.dev/github.com/robfig/cron/v3#hdr-Usage",
				Sources: flagSources("gc.schedule", "RFBCACHECTL_GC_SCHEDULE"),
				Validator: func(s string) error {
					if s == "" {
						return nil
					}

					_, err := cron.ParseStandard(s)

					return err
				},
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dir := cmd.Root().String("cache-dir")
			if dir == "" {
				return fmt.Errorf("rfbcachectl: --cache-dir is required")
			}

			spec := cmd.String("schedule")
			if spec == "" {
				return runGCPass(ctx, dir, cmd.Uint("shard-max-bytes"))
			}

			return runGCSchedule(ctx, dir, cmd.Uint("shard-max-bytes"), spec)
		},
	}
}

func runGCPass(ctx context.Context, dir string, shardMaxBytes uint64) error {
	logger := zerolog.Ctx(ctx)

	idx := indexstore.New(dir, zerolog.Nop())

	if _, err := idx.Load(); err != nil {
		return fmt.Errorf("rfbcachectl: loading index: %w", err)
	}

	shards, err := shardstore.New(dir, shardMaxBytes, zerolog.Nop())
	if err != nil {
		return fmt.Errorf("rfbcachectl: opening shard store: %w", err)
	}
	defer shards.Close()

	removed, gcErr := shards.GC(idx.LiveShardIDs())

	logger.Info().Int("removed", len(removed)).Msg("gc pass complete")

	for _, id := range removed {
		fmt.Printf("removed shard %d\n", id)
	}

	return gcErr
}

func runGCSchedule(ctx context.Context, dir string, shardMaxBytes uint64, spec string) error {
	logger := zerolog.Ctx(ctx)

	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("rfbcachectl: parsing cron spec %q: %w", spec, err)
	}

	c := cron.New()
	c.Schedule(schedule, cron.FuncJob(func() {
		if err := runGCPass(ctx, dir, shardMaxBytes); err != nil {
			logger.Warn().Err(err).Msg("scheduled gc pass failed")
		}
	}))

	logger.Info().Time("next_run", schedule.Next(time.Now())).Msg("gc scheduler starting")
	c.Start()
	defer c.Stop()

	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	<-sigCtx.Done()

	return nil
}
