package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/multifrost/offload"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "offload",
		Usage: "run functions in a supervised worker process",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "TOML config file. Environment variables override it.",
				EnvVars: []string{"OFFLOAD_CONFIG_FILE"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error]. Defaults to OFFLOAD_LOG_LEVEL.",
			},
		},
		Commands: []*cli.Command{
			workerCommand,
			callCommand,
			statusCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// setup loads configuration and builds the logger shared by all commands.
func setup(ctx *cli.Context) (*offload.Config, *zap.Logger, error) {
	if path := ctx.String("config"); path != "" {
		if err := os.Setenv("OFFLOAD_CONFIG_FILE", path); err != nil {
			return nil, nil, err
		}
	}
	cfg, err := offload.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if lvl := ctx.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := offload.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

var workerCommand = &cli.Command{
	Name:  "worker",
	Usage: "serve the demo functions (add, echo, fail, analyze); must be launched by a supervisor",
	Action: func(ctx *cli.Context) error {
		cfg, logger, err := setup(ctx)
		if err != nil {
			return err
		}
		defer logger.Sync()

		w, err := offload.NewChildWorker(cfg, logger.Sugar().Named("worker"))
		if err != nil {
			return fmt.Errorf("building worker: %w", err)
		}
		registerDemo(w.Engine())
		return w.Run()
	},
}

var callCommand = &cli.Command{
	Name:      "call",
	Usage:     "spawn a worker, call one function and print the result",
	ArgsUsage: "NAME [JSON]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "worker",
			Usage:    "Path to the worker program.",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "runtime",
			Usage: "Program that runs the worker path, e.g. go. Defaults to OFFLOAD_RUNTIME.",
		},
		&cli.StringSliceFlag{
			Name:  "runtime-arg",
			Usage: "Argument passed to the runtime before the worker path. Repeatable.",
		},
		&cli.StringSliceFlag{
			Name:  "worker-arg",
			Usage: "Argument passed to the worker after its path. Repeatable.",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "How long to wait for the reply.",
			Value: 30 * time.Second,
		},
		&cli.BoolFlag{
			Name:  "metrics",
			Usage: "Print call metrics after the result.",
		},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() < 1 {
			return fmt.Errorf("missing function name")
		}
		name := ctx.Args().Get(0)
		var payload any
		if raw := ctx.Args().Get(1); raw != "" {
			if err := json.Unmarshal([]byte(raw), &payload); err != nil {
				return fmt.Errorf("parsing payload: %w", err)
			}
		}

		cfg, logger, err := setup(ctx)
		if err != nil {
			return err
		}
		defer logger.Sync()
		sugar := logger.Sugar()

		pc := offload.ParentWorkerConfigFrom(cfg)
		pc.Log = sugar.Named("host")
		pc.EnableMetrics = ctx.Bool("metrics")
		pc.Registry = offload.NewWorkerRegistry(cfg.RegistryFile)
		if rt := ctx.String("runtime"); rt != "" {
			pc.Runtime = rt
		}
		if args := ctx.StringSlice("runtime-arg"); len(args) > 0 {
			pc.RuntimeArgs = args
		}
		pc.WorkerArgs = ctx.StringSlice("worker-arg")
		pc.Handlers = []offload.Registration{{
			Name: "progress",
			Handler: func(_ context.Context, update any) (any, error) {
				sugar.Infow("progress", "update", update)
				return true, nil
			},
		}}

		pw, err := offload.NewParentWorker(pc)
		if err != nil {
			return err
		}
		defer pw.Close()

		if err := pw.Start(ctx.String("worker")); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx.Context, ctx.Duration("timeout"))
		defer cancel()

		var result any
		select {
		case err := <-pw.TerminalErrors():
			return err
		case res := <-await(callCtx, pw.Call(name, payload)):
			if res.err != nil {
				return res.err
			}
			result = res.value
		}

		out := json.NewEncoder(os.Stdout)
		out.SetIndent("", "  ")
		if err := out.Encode(result); err != nil {
			return fmt.Errorf("printing result: %w", err)
		}
		if m := pw.Metrics(); m != nil {
			return out.Encode(m.Snapshot())
		}
		return nil
	},
}

type outcome struct {
	value any
	err   error
}

func await(ctx context.Context, f *offload.Future) <-chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		v, err := f.Await(ctx)
		ch <- outcome{value: v, err: err}
	}()
	return ch
}

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "list workers recorded in the registry",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "prune",
			Usage: "Drop entries whose supervisor is gone.",
		},
		&cli.BoolFlag{
			Name:  "json",
			Usage: "Print JSON instead of a table.",
		},
	},
	Action: func(ctx *cli.Context) error {
		cfg, logger, err := setup(ctx)
		if err != nil {
			return err
		}
		defer logger.Sync()

		registry := offload.NewWorkerRegistry(cfg.RegistryFile)
		if ctx.Bool("prune") {
			pruned, err := registry.Prune()
			if err != nil {
				return fmt.Errorf("pruning registry: %w", err)
			}
			for _, name := range pruned {
				logger.Sugar().Infow("pruned stale worker", "name", name)
			}
		}

		workers, err := registry.List()
		if err != nil {
			return fmt.Errorf("reading registry %s: %w", registry.Path(), err)
		}

		if ctx.Bool("json") {
			out := json.NewEncoder(os.Stdout)
			out.SetIndent("", "  ")
			return out.Encode(workers)
		}

		names := make([]string, 0, len(workers))
		for name := range workers {
			names = append(names, name)
		}
		sort.Strings(names)

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tPID\tSUPERVISOR\tPORT\tCODEC\tRESTARTS\tSTARTED\tPATH")
		for _, name := range names {
			w := workers[name]
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%d\t%s\t%s\n",
				name, w.PID, w.SupervisorPID, w.Port, w.Codec, w.Restarts,
				w.StartTime.Format(time.RFC3339), w.Path)
		}
		return tw.Flush()
	},
}
