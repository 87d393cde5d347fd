package main

import (
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	_, _ = maxprocs.Set()

	forceFlag := &cli.BoolFlag{
		Name:  "force",
		Usage: "bypass change detection and reprocess the current feed",
	}
	skipMigrationsFlag := &cli.BoolFlag{
		Name:  "skip-migrations",
		Usage: "do not apply pending schema migrations on startup",
	}

	app := &cli.App{
		Name:    "gtfs-sync",
		Usage:   "sync a GTFS schedule feed into Postgres",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file; GTFS_SYNC_* environment variables are used when omitted",
				EnvVars: []string{"GTFS_SYNC_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "worker",
				Usage:  "consume triggers from the configured stream and run the pipeline for each",
				Flags:  []cli.Flag{skipMigrationsFlag},
				Action: runWorker,
			},
			{
				Name:   "run",
				Usage:  "run the pipeline once and print the job status",
				Flags:  []cli.Flag{forceFlag, skipMigrationsFlag},
				Action: runOnce,
			},
			{
				Name:   "trigger",
				Usage:  "publish one trigger to the configured stream",
				Flags:  []cli.Flag{forceFlag},
				Action: publishTrigger,
			},
			{
				Name:  "schedule",
				Usage: "publish a trigger now and then on every interval",
				Flags: []cli.Flag{
					forceFlag,
					&cli.DurationFlag{
						Name:  "interval",
						Usage: "time between triggers",
						Value: defaultScheduleInterval,
					},
				},
				Action: runSchedule,
			},
			{
				Name:   "migrate",
				Usage:  "apply pending schema migrations",
				Action: runMigrate,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
		os.Exit(1)
	}
}
