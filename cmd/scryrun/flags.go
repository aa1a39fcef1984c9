package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/copyleftdev/scryrun/internal/config"
	"github.com/copyleftdev/scryrun/internal/logging"
)

// commonFlags are shared by every command that loads configuration.
type commonFlags struct {
	configPath string
	baseURL    string
	filter     string
	tags       []string
	parallel   int
	timeout    time.Duration
	scenarios  []string
	noBuiltins bool
	backend    string
	logLevel   string
}

func newFlagSet(name string, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SortFlags = false
	return fs
}

func (c *commonFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&c.configPath, "config", "c", "", "config file (default: search ., $HOME/.scryrun, /etc/scryrun)")
	fs.StringVar(&c.baseURL, "base-url", "", "base URL relative scenario URLs resolve against")
	fs.StringVarP(&c.filter, "filter", "f", "", "scenario name substring or glob")
	fs.StringSliceVarP(&c.tags, "tag", "t", nil, "only scenarios carrying one of these tags")
	fs.IntVarP(&c.parallel, "parallel", "p", 0, "scenarios run concurrently")
	fs.DurationVar(&c.timeout, "timeout", 0, "default step timeout")
	fs.StringSliceVar(&c.scenarios, "scenarios", nil, "scenario files or directories")
	fs.BoolVar(&c.noBuiltins, "no-builtins", false, "skip the built-in catalog")
	fs.StringVar(&c.backend, "backend", "", "browser backend: chromedp, rod or playwright")
	fs.StringVar(&c.logLevel, "log-level", "", "debug, info, warn or error")
}

// load reads the config file and applies the flags that were set.
func (c *commonFlags) load(fs *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if fs.Changed("base-url") {
		cfg.Suite.BaseURL = c.baseURL
	}
	if fs.Changed("filter") {
		cfg.Suite.Filter = c.filter
	}
	if fs.Changed("tag") {
		cfg.Suite.Tags = c.tags
	}
	if fs.Changed("parallel") {
		cfg.Suite.Parallelism = c.parallel
	}
	if fs.Changed("timeout") {
		cfg.Suite.StepTimeout = c.timeout
	}
	if fs.Changed("scenarios") {
		cfg.Suite.ScenarioDirs = c.scenarios
	}
	if c.noBuiltins {
		cfg.Suite.Builtins = false
	}
	if fs.Changed("backend") {
		cfg.Browser.Backend = c.backend
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = c.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// parse handles --help and reports usage errors in one place.
func parse(fs *pflag.FlagSet, args []string) (ok bool, code int) {
	err := fs.Parse(args)
	if errors.Is(err, pflag.ErrHelp) {
		return false, exitPassed
	}
	if err != nil {
		return false, exitUsage
	}
	return true, 0
}

func newLogger(cfg *config.Config, stderr io.Writer) *zap.Logger {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(stderr, "invalid log level %q, using info: %v\n", cfg.Log.Level, err)
		logger, _ = logging.New("info", cfg.Log.Development)
	}
	return logger
}
