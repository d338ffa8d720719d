package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/orgoj/trainlog/internal/replay"
	"github.com/orgoj/trainlog/internal/server"
	"github.com/orgoj/trainlog/pkg/trainlog"
	"github.com/spf13/cobra"
)

func newReplayCmd(flags *globalFlags) *cobra.Command {
	var withStatus bool

	cmd := &cobra.Command{
		Use:   "replay [input.jsonl]",
		Short: "Replay recorded metrics (JSON lines or an event file) through both sinks",
		Long: `Reads JSON lines from a file, or stdin when no file is given, and forwards
each entry: {"tag","value","step"} as a scalar, {"metrics","step"} as a batch,
{"hparams","metrics"} as a hyperparameter set. Event files written by the
local sink are accepted as well.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, fromFile, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if withStatus {
				cfg.Status.Enabled = true
			}

			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open replay input: %w", err)
				}
				defer f.Close()
				in = f
			}

			if err := prepareRunDir(cfg); err != nil {
				return err
			}
			appLogger := setupAppLogger(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var res replay.Result
			err = trainlog.WithLogger(cfg.Experiment.LogDir, func(l *trainlog.Logger) error {
				if cfg.Status.Enabled {
					srv, err := server.NewServer(server.Dependencies{Config: cfg, Status: l, AppLogger: appLogger})
					if err != nil {
						return err
					}
					srvCtx, cancel := context.WithCancel(ctx)
					srvDone := make(chan error, 1)
					go func() { srvDone <- srv.Start(srvCtx) }()
					defer func() {
						cancel()
						if err := <-srvDone; err != nil {
							appLogger.Error("Status server: %v", err)
						}
					}()
				}

				var err error
				res, err = replay.Replay(ctx, in, l, appLogger)
				return err
			}, loggerOptions(cfg, fromFile, appLogger)...)

			fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d entries, skipped %d\n", res.Applied, res.Skipped)
			return err
		},
	}
	cmd.Flags().BoolVar(&withStatus, "status", false, "Serve the status endpoints while replaying")
	return cmd
}
