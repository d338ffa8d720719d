package main

import (
	"fmt"
	"io"

	"github.com/orgoj/trainlog/pkg/trainlog"
	"github.com/spf13/cobra"
)

func newDemoCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Log a short synthetic run through both sinks",
		Long: `Logs scalars, add_scalar calls, a metric batch and a hyperparameter set,
then closes the logger. Useful to check that both sinks receive data.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, fromFile, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if cfg.Experiment.LogDir == "" {
				cfg.Experiment.LogDir = "./trainlog_demo"
			}
			if cfg.Experiment.Config == nil {
				cfg.Experiment.Config = map[string]any{
					"learning_rate": 0.001,
					"batch_size":    32,
					"model_name":    "DemoModel",
				}
			}
			if err := prepareRunDir(cfg); err != nil {
				return err
			}
			appLogger := setupAppLogger(cfg)

			out := cmd.OutOrStdout()
			return trainlog.WithLogger(cfg.Experiment.LogDir, func(l *trainlog.Logger) error {
				runDemo(l, out)
				return nil
			}, loggerOptions(cfg, fromFile, appLogger)...)
		},
	}
}

// runDemo is the smoke sequence: scalars, add_scalar, batches, hparams.
func runDemo(l *trainlog.Logger, out io.Writer) {
	fmt.Fprintf(out, "Experiment %s (local: %t, remote: %t)\n", l.ExperimentName(), l.LocalActive(), l.RemoteActive())

	for step := int64(1); step <= 5; step++ {
		loss := 1.0 / float64(step)
		accuracy := 0.5 + float64(step)*0.1
		l.LogScalar("loss", loss, trainlog.At(step))
		l.LogScalar("accuracy", accuracy, trainlog.At(step))
		fmt.Fprintf(out, "Step %d: loss=%.4f, accuracy=%.4f\n", step, loss, accuracy)
	}

	for step := int64(6); step <= 10; step++ {
		reward := float64(step) * 2.5
		l.AddScalar("reward", reward, trainlog.At(step))
		fmt.Fprintf(out, "Step %d: reward=%.2f\n", step, reward)
	}

	for step := int64(11); step <= 15; step++ {
		s := float64(step)
		l.LogDict(map[string]float64{
			"train_loss": 0.5 / s,
			"val_loss":   0.8 / s,
			"train_acc":  0.7 + s*0.02,
			"val_acc":    0.6 + s*0.015,
		}, trainlog.At(step))
		fmt.Fprintf(out, "Step %d: batch logged\n", step)
	}

	l.LogHParams(
		map[string]any{"optimizer": "Adam", "epochs": 100, "dropout_rate": 0.3},
		map[string]float64{"best_train_loss": 0.05, "best_val_acc": 0.92},
	)
	fmt.Fprintln(out, "Hyperparameters logged")
}
