package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/nickcrabtree/tigervnc-sub004/pkg/indexstore"
)

// indexCommand dumps the on-disk persistent-cache index: entry count,
// the lossy/persistable split and the highest referenced shard id,
// without touching the shard files themselves.
func indexCommand() *cli.Command {
	return &cli.Command{
		Name:  "index",
		Usage: "print persistent cache index statistics",
		Action: func(_ context.Context, cmd *cli.Command) error {
			dir := cmd.Root().String("cache-dir")
			if dir == "" {
				return fmt.Errorf("rfbcachectl: --cache-dir is required")
			}

			store := indexstore.New(dir, zerolog.Nop())

			entries, err := store.Load()
			if err != nil {
				return fmt.Errorf("rfbcachectl: loading index: %w", err)
			}

			var (
				lossy       int
				persistable int
				maxShard    uint64
			)

			for _, e := range entries {
				if e.Flags&indexstore.FlagLossy != 0 {
					lossy++
				}

				if e.Flags&indexstore.FlagPersistable != 0 {
					persistable++
				}

				if e.ShardID > maxShard {
					maxShard = e.ShardID
				}
			}

			fmt.Printf("entries:       %d\n", len(entries))
			fmt.Printf("lossy:         %d\n", lossy)
			fmt.Printf("persistable:   %d\n", persistable)
			fmt.Printf("highest shard: %d\n", maxShard)

			return nil
		},
	}
}
