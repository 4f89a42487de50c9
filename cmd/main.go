package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/xhad/handbookqa/internal/logging"
	cfgPkg "github.com/xhad/handbookqa/pkg/config"
)

const usageText = `Usage: handbookqa [-config path] [-env file] <command> [flags]

Commands:
  ingest   parse handbooks in the data directory and index them
  clear    drop and recreate the vector collection
  fetch    download course handbooks into the data directory
  courses  list the configured courses
  chat     interactive chat in the terminal
  tui      full-screen chat
  serve    HTTP and WebSocket API
  eval     run the evaluation benchmark
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("handbookqa", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	envFile := fs.String("env", ".env", "Path to .env file")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("no command given")
	}
	command, rest := fs.Arg(0), fs.Args()[1:]

	if err := cfgPkg.LoadEnvFiles(*envFile); err != nil {
		return err
	}
	config, err := cfgPkg.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	// listing courses needs no credentials
	if command != "courses" {
		if errs := config.Validate(); len(errs) > 0 {
			for _, e := range errs {
				color.Red("  %s", e.Error())
			}
			return fmt.Errorf("invalid configuration (%d problems)", len(errs))
		}
	}

	logger, err := logging.New(config.Log.Level, config.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{config: config, logger: logger}
	logger.Debug("starting command", zap.String("command", command))

	switch command {
	case "ingest":
		return a.ingest(ctx, rest)
	case "clear":
		return a.clear(ctx, rest)
	case "fetch":
		return a.fetch(ctx, rest)
	case "courses":
		return a.courses(rest)
	case "chat":
		return a.chat(ctx, rest)
	case "tui":
		return a.tui(ctx, rest)
	case "serve":
		return a.serve(ctx, rest)
	case "eval":
		return a.eval(ctx, rest)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}
