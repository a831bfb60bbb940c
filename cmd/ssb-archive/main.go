package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"ssb-archive/pkg/config"
	"ssb-archive/pkg/crawler"
	"ssb-archive/pkg/metrics"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := NewMain()
	if err := m.Run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// Main represents the program.
type Main struct{}

// NewMain returns a new instance of Main with defaults.
func NewMain() *Main {
	return &Main{}
}

// CLI defines the command-line interface structure for Kong.
// Flags left at their zero value keep the config file's setting.
type CLI struct {
	Config        string   `short:"c" type:"path" help:"Path to YAML config file"`
	OutDir        string   `short:"o" name:"out-dir" help:"Directory the archive is written to"`
	Host          string   `help:"Origin base URL (default http://localhost:3000)"`
	Seed          []string `help:"Identity whose profile seeds the crawl (repeatable)"`
	MaxDepth      int      `name:"max-depth" help:"Link depth limit; seed pagination is exempt"`
	Workers       int      `help:"Number of crawl workers"`
	StateDir      string   `name:"state-dir" type:"path" help:"Keep the visited store on disk below this directory"`
	RespectRobots bool     `name:"respect-robots" help:"Honour the origin's robots.txt"`
	NoIndex       bool     `name:"no-index" help:"Do not write index.html and the fallback page"`
	LogLevel      string   `name:"loglevel" default:"info" help:"Log level (trace, debug, info, warn, error)"`
	LogFile       string   `name:"log-file" help:"Also write logs to this file, rotated"`
	MetricsAddr   string   `name:"metrics-addr" help:"Serve Prometheus metrics on this address (e.g. ':9090')"`
	Check         bool     `help:"Validate the configuration and exit"`
}

// Run executes the CLI with the given arguments.
func (m *Main) Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cli := &CLI{}
	parser, err := kong.New(cli,
		kong.Name("ssb-archive"),
		kong.Description("Mirror an Oasis instance into a static, browsable archive"),
		kong.Writers(stdout, stderr),
		kong.Exit(func(int) {}),
	)
	if err != nil {
		return fmt.Errorf("failed to create parser: %w", err)
	}

	if len(args) == 0 {
		_, _ = parser.Parse([]string{"--help"})
		return fmt.Errorf("no arguments provided")
	}
	if len(args) == 1 && (args[0] == "--help" || args[0] == "-h" || args[0] == "help") {
		_, _ = parser.Parse([]string{"--help"})
		return nil
	}
	if _, err := parser.Parse(args); err != nil {
		return err
	}

	appCfg := &config.AppConfig{}
	if cli.Config != "" {
		if appCfg, err = loadConfig(cli.Config); err != nil {
			return err
		}
	}
	applyFlags(appCfg, cli)

	warnings, err := appCfg.Validate()
	if err != nil {
		return err
	}

	log, err := newLogger(cli.LogLevel, appCfg.LogFile, stderr)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		log.Warn(w)
	}

	if cli.Check {
		fmt.Fprintf(stdout, "Configuration valid: %d seed(s), origin %s, output %s\n", len(appCfg.Seeds), appCfg.Host, appCfg.OutDir)
		return nil
	}
	logAppConfig(appCfg, log)

	reg := metrics.New()
	if cli.MetricsAddr != "" {
		go func() {
			if err := reg.Serve(ctx, cli.MetricsAddr, logrus.NewEntry(log)); err != nil {
				log.Errorf("Metrics server failed on %s: %v", cli.MetricsAddr, err)
			}
		}()
	}

	c, err := crawler.New(ctx, appCfg, logrus.NewEntry(log), reg)
	if err != nil {
		return fmt.Errorf("failed to initialize crawler: %w", err)
	}
	defer c.Close()

	err = c.Run(ctx)
	switch {
	case err == nil:
		log.Info("Archive completed successfully.")
		return nil
	case errors.Is(err, context.Canceled):
		log.Warn("Archive cancelled gracefully.")
		return nil
	default:
		return fmt.Errorf("archive finished with error: %w", err)
	}
}

// loadConfig reads and parses a YAML config file
func loadConfig(path string) (*config.AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config '%s': %w", path, err)
	}
	var appCfg config.AppConfig
	if err := yaml.Unmarshal(data, &appCfg); err != nil {
		return nil, fmt.Errorf("parse config '%s': %w", path, err)
	}
	return &appCfg, nil
}

// applyFlags overrides config file values with the flags that were set
func applyFlags(appCfg *config.AppConfig, cli *CLI) {
	if cli.OutDir != "" {
		appCfg.OutDir = cli.OutDir
	}
	if cli.Host != "" {
		appCfg.Host = cli.Host
	}
	if len(cli.Seed) > 0 {
		appCfg.Seeds = cli.Seed
	}
	if cli.MaxDepth > 0 {
		appCfg.MaxDepth = cli.MaxDepth
	}
	if cli.Workers > 0 {
		appCfg.NumWorkers = cli.Workers
	}
	if cli.StateDir != "" {
		appCfg.StateDir = cli.StateDir
	}
	if cli.RespectRobots {
		appCfg.RespectRobots = true
	}
	if cli.NoIndex {
		writeIndex := false
		appCfg.WriteIndex = &writeIndex
	}
	if cli.LogFile != "" {
		appCfg.LogFile = cli.LogFile
	}
}

// newLogger builds the run logger; logFile adds a rotated file next to stderr
func newLogger(level, logFile string, stderr io.Writer) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level '%s': %w", level, err)
	}
	log.SetLevel(lvl)

	if logFile != "" {
		log.SetOutput(io.MultiWriter(stderr, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    5,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		}))
	} else {
		log.SetOutput(stderr)
	}
	return log, nil
}

// logAppConfig logs the effective configuration
func logAppConfig(appCfg *config.AppConfig, log *logrus.Logger) {
	log.Infof("Config: Origin:%s, OutDir:%s, StateDir:'%s', Seeds:%v",
		appCfg.Host, appCfg.OutDir, appCfg.StateDir, appCfg.Seeds)
	log.Infof("Config: MaxDepth:%d, Workers:%d, MaxReqs:%d, RPS:%g, CacheSize:%d",
		appCfg.MaxDepth, appCfg.NumWorkers, appCfg.MaxRequests, appCfg.RequestsPerSecond, appCfg.CacheSize)
	log.Infof("Config Retries: Max:%d, InitialDelay:%v, MaxDelay:%v, SemaphoreAcquire:%v",
		appCfg.MaxRetries, appCfg.InitialRetryDelay, appCfg.MaxRetryDelay, appCfg.SemaphoreTimeout)
	log.Infof("Config Routes: Fallback:%s, ProfileAlias:%s, Denylist:%v, PrefixRules:%d",
		appCfg.FallbackRoute, appCfg.DefaultProfilePrefix, appCfg.Denylist, len(appCfg.PrefixRules))
	log.Infof("Config HTTP Client: Timeout:%v, MaxIdle:%d, MaxIdlePerHost:%d, IdleTimeout:%v, TLSTimeout:%v, DialerTimeout:%v",
		appCfg.HTTPClientSettings.Timeout, appCfg.HTTPClientSettings.MaxIdleConns, appCfg.HTTPClientSettings.MaxIdleConnsPerHost,
		appCfg.HTTPClientSettings.IdleConnTimeout, appCfg.HTTPClientSettings.TLSHandshakeTimeout, appCfg.HTTPClientSettings.DialerTimeout)
	log.Infof("Config Output: WriteIndex:%t, Manifest:'%s', VisitedLog:'%s', RespectRobots:%t",
		config.GetEffectiveWriteIndex(*appCfg), appCfg.ManifestFilename, appCfg.VisitedLogFilename, appCfg.RespectRobots)
}
