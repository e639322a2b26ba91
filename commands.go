package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/humblenginr/ephys_pipeline/dag"
	"github.com/humblenginr/ephys_pipeline/notify"
	"github.com/humblenginr/ephys_pipeline/pipeline"
)

var errRunFailed = errors.New("pipeline did not succeed")

type rootOptions struct {
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "ephys-pipeline",
		Short:         "Run per-recording spike-sorting pipelines as dependency graphs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "text or json")

	cmd.AddCommand(newRunCmd(opts), newValidateCmd(opts), newPlanCmd(opts))
	return cmd
}

func (o *rootOptions) logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	hopts := &slog.HandlerOptions{Level: level}
	switch o.logFormat {
	case "text":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	}
	return nil, fmt.Errorf("--log-format: unknown format %q", o.logFormat)
}

func loadGraph(path string, log *slog.Logger) (*pipeline.Spec, *dag.Graph, error) {
	spec, err := pipeline.Load(path)
	if err != nil {
		return nil, nil, err
	}
	g, err := spec.Graph(log)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return spec, g, nil
}

func newRunCmd(root *rootOptions) *cobra.Command {
	var (
		workers     int
		timeout     time.Duration
		metricsFile string
		summary     bool
	)
	cmd := &cobra.Command{
		Use:   "run <pipeline.yaml>",
		Short: "Run every task of a pipeline once",
		Long: `Runs the pipeline's tasks in dependency order. Independent tasks run in
parallel; a failed task marks everything downstream upstream_failed while
other branches keep going. Interrupting the run lets running tasks finish
and skips the rest.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := root.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			spec, g, err := loadGraph(args[0], log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			reg := prometheus.NewRegistry()
			opts := append(spec.EngineOptions(),
				dag.WithLogger(log),
				dag.WithMetrics(dag.NewMetrics(reg)),
				dag.WithNotifier(spec.Notifier(log)),
			)
			if cmd.Flags().Changed("workers") {
				opts = append(opts, dag.WithWorkers(workers))
			}

			rep, err := dag.NewEngine(opts...).Run(ctx, g)
			if metricsFile != "" {
				if merr := prometheus.WriteToTextfile(metricsFile, reg); merr != nil {
					log.Error("write metrics", "path", metricsFile, "error", merr)
				}
			}
			if err != nil {
				return err
			}
			if summary {
				fmt.Fprint(cmd.OutOrStdout(), notify.Summary(rep))
			}
			if !rep.Succeeded() {
				return errRunFailed
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "max tasks running at once, overrides the file (0 = unlimited)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "cancel the run after this long")
	cmd.Flags().StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile after the run")
	cmd.Flags().BoolVar(&summary, "summary", true, "print a summary table when the run ends")
	return cmd
}

func newValidateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <pipeline.yaml>...",
		Short: "Check pipeline files for unknown tasks and dependency cycles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := root.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			var errs []error
			for _, path := range args {
				_, g, err := loadGraph(path, log)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d tasks)\n", path, g.Len())
			}
			return errors.Join(errs...)
		},
	}
}

func newPlanCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <pipeline.yaml>",
		Short: "Print tasks in the order they become runnable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := root.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			_, g, err := loadGraph(args[0], log)
			if err != nil {
				return err
			}
			order, err := g.Order()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, id := range order {
				t, _ := g.Task(id)
				line := id
				if len(t.Upstream) > 0 {
					line += " <- " + strings.Join(t.Upstream, ", ")
				}
				if t.Pool != "" {
					line += " [pool " + t.Pool + "]"
				}
				fmt.Fprintln(w, line)
			}
			return nil
		},
	}
}
