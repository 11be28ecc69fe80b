package main

import (
	"fmt"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	"github.com/mitchellh/go-homedir"
	"github.com/urfave/cli/v2"

	"dcemri/pkg/config"
	"dcemri/pkg/store"
)

var log = logging.Logger("cli")

const (
	FlagConfig  = "config"
	FlagVerbose = "verbose"
	FlagDB      = "db"
)

var subsystems = []string{"cli", "seriesio", "denoise", "aif", "kinetics", "pipeline", "store"}

func flagConfig() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    FlagConfig,
		Usage:   "configuration file (.yaml, .yml or .toml)",
		EnvVars: []string{"DCEMRI_CONFIG"},
		Value:   config.DefaultPath,
	}
}

func flagVerbose() *cli.BoolFlag {
	return &cli.BoolFlag{
		Name:    FlagVerbose,
		Aliases: []string{"v"},
		Usage:   "enable debug logging",
	}
}

func flagDB() *cli.StringFlag {
	return &cli.StringFlag{
		Name:  FlagDB,
		Usage: "run database, overrides store.path",
	}
}

func before(cctx *cli.Context) error {
	level := "INFO"
	if cctx.Bool(FlagVerbose) {
		level = "DEBUG"
	}
	for _, name := range subsystems {
		_ = logging.SetLogLevel(name, level)
	}
	return nil
}

func newApp() *cli.App {
	return &cli.App{
		Name:                 "dcemri",
		Usage:                "DCE-MRI pharmacokinetic analysis with the Extended Tofts Model",
		EnableBashCompletion: true,
		Before:               before,
		Flags: []cli.Flag{
			flagConfig(),
			flagVerbose(),
			flagDB(),
		},
		Commands: []*cli.Command{
			runCmd(),
			aifCmd(),
			fitCmd(),
			phantomCmd(),
			runsCmd(),
			configCmd(),
		},
	}
}

func main() {
	app := newApp()
	app.Setup()

	if err := app.Run(os.Args); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		os.Exit(1)
	}
}

// loadConfig reads the configuration named by the global flags
func loadConfig(cctx *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(cctx.String(FlagConfig))
	if err != nil {
		return nil, err
	}
	if cctx.IsSet(FlagDB) {
		path, err := homedir.Expand(cctx.String(FlagDB))
		if err != nil {
			return nil, err
		}
		cfg.Store.Path = path
		cfg.Store.Enabled = true
	}
	if cctx.Bool(FlagVerbose) {
		cfg.Output.Verbose = true
	}
	return cfg, nil
}

// openStore opens the run database, creating its directory
func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return store.Open(cfg.Store.Path)
}
