package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sokinpui/patchloop/cli"
	"github.com/sokinpui/patchloop/internal/orchestrator"
	"github.com/sokinpui/patchloop/internal/tui"
	"github.com/sokinpui/patchloop/internal/ui"
	"github.com/sokinpui/patchloop/model"
	"github.com/sokinpui/patchloop/patchloop"
)

func main() {
	cfg, err := cli.ParseFlags()
	if err != nil {
		// pflag already prints the error message.
		os.Exit(1)
	}

	app, err := patchloop.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, app, cfg)
	stop()
	_ = app.Close()
	os.Exit(code)
}

func run(ctx context.Context, app *patchloop.App, cfg *cli.Config) int {
	input, err := app.Input()
	if err != nil {
		ui.Error("Error: %v", err)
		return 1
	}

	switch {
	case cfg.DryPlan:
		fmt.Println(app.Plan(ctx, input).Context())
		return 0
	case cfg.ApplyOnly:
		res := app.ApplyDiff(ctx, input)
		ui.PrintApplySummary(res)
		if cfg.PrintDiff && res.OK {
			fmt.Print(res.RefinedDiff)
		}
		if !res.OK {
			return 1
		}
		return 0
	}

	loop := func(ctx context.Context, obs orchestrator.Observer) (model.RunResult, error) {
		app.SetObserver(obs)
		return app.Run(ctx, input)
	}

	var res model.RunResult
	if cfg.NoAnimation {
		res, err = loop(ctx, ui.PrintEvent)
	} else {
		res, err = tui.Run(ctx, loop)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			ui.Warning("Interrupted.")
		} else {
			ui.Error("Error: %v", err)
		}
		return 1
	}

	ui.PrintRunSummary(res)
	if res.Status != model.StatusPass {
		return 1
	}
	if cfg.PrintDiff {
		fmt.Print(res.Diff)
	}
	return 0
}
