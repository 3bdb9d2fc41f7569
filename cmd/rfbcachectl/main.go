// Command rfbcachectl is a small inspector and ops binary for the
// viewer cache on-disk state: it can dump index statistics, force a
// shard GC pass, or run a standalone Prometheus metrics endpoint,
// mirroring the role the teacher's cmd/ncps binary plays for its own
// storage engine.
package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/json"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli-altsrc/v3/yaml"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"
)

// Version defines the version of the binary, meant to be set with
// ldflags at build time.
//
//nolint:gochecknoglobals
var Version = "dev"

// flagSourcesFn builds the value-source chain a flag pulls from, in
// priority order: the config file (whichever of toml/yaml/json it
// turns out to be), then the environment.
type flagSourcesFn func(configFileKey, envVar string) cli.ValueSourceChain

func main() {
	os.Exit(realMain())
}

func realMain() int {
	ctx := newLoggerContext(context.Background())

	var configPath string

	flagSources := func(configFileKey, envVar string) cli.ValueSourceChain {
		return cli.NewValueSourceChain(
			toml.TOML(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			yaml.YAML(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			json.JSON(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			cli.EnvVar(envVar),
		)
	}

	cmd := &cli.Command{
		Name:    "rfbcachectl",
		Usage:   "inspect and operate the RFB viewer cache",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "path to a config file (toml, yaml, json)",
				Sources:     cli.EnvVars("RFBCACHECTL_CONFIG_FILE"),
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:    "cache-dir",
				Usage:   "path to the persistent cache directory (spec §6.4 PersistentCachePath)",
				Sources: flagSources("cache.dir", "RFBCACHECTL_CACHE_DIR"),
				Value:   defaultCacheDir(),
			},
		},
		Commands: []*cli.Command{
			indexCommand(),
			gcCommand(flagSources),
			serveCommand(),
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Printf("error running rfbcachectl: %s", err)

		return 1
	}

	return 0
}

func newLoggerContext(ctx context.Context) context.Context {
	var output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return zerolog.New(os.Stdout).With().Timestamp().Logger().WithContext(ctx)
	}

	output.Out = colorable.NewColorableStdout()

	return zerolog.New(output).With().Timestamp().Logger().WithContext(ctx)
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}

	return filepath.Join(dir, "tigervnc", "persistentcache")
}
