package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"dcemri/pkg/config"
	"dcemri/pkg/kinetics"
	"dcemri/pkg/phantom"
	"dcemri/pkg/seriesio"
)

func phantomCmd() *cli.Command {
	return &cli.Command{
		Name:  "phantom",
		Usage: "write a synthetic DCE series with a known AIF and tumor kinetics",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "out",
				Usage:    "output directory",
				Required: true,
			},
			&cli.Float64Flag{
				Name:  "noise",
				Usage: "standard deviation of Gaussian signal noise",
			},
			&cli.Int64Flag{
				Name:  "seed",
				Usage: "noise seed",
				Value: 1,
			},
		},
		Action: func(cctx *cli.Context) error {
			spec := phantom.DefaultSpec()
			spec.Noise = cctx.Float64("noise")
			spec.Seed = cctx.Int64("seed")

			p, err := phantom.Generate(spec)
			if err != nil {
				return err
			}

			out := cctx.String("out")
			if err := seriesio.SaveRawSeries(p.Series, filepath.Join(out, "series")); err != nil {
				return err
			}
			if err := seriesio.SaveMaskSlices(p.TumorMask, filepath.Join(out, "mask")); err != nil {
				return err
			}
			if err := seriesio.SaveMaskSlices(p.ArteryMask, filepath.Join(out, "artery")); err != nil {
				return err
			}
			if err := seriesio.WriteCurveCSV(filepath.Join(out, "aif.csv"), p.Series.Timeline, p.AIF); err != nil {
				return err
			}

			truth := struct {
				Tumor     kinetics.ETMParams `yaml:"tumor"`
				Kep       float64            `yaml:"kep"`
				TumorSize int                `yaml:"tumorVoxels"`
				AIFSize   int                `yaml:"arteryVoxels"`
				Spec      phantom.Spec       `yaml:"spec"`
			}{p.Truth, p.Truth.Kep(), p.TumorMask.Count(), p.ArteryMask.Count(), spec}
			data, err := yaml.Marshal(&truth)
			if err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(out, "truth.yaml"), data, 0644); err != nil {
				return err
			}

			// The artery is far smaller than the estimator's default region threshold
			cfg, err := loadConfig(cctx)
			if err != nil {
				return err
			}
			cfg.AIF.MinRegionVoxels = phantom.RegionThreshold
			cfgPath := filepath.Join(out, "config.yaml")
			if err := config.SaveConfig(cfg, cfgPath); err != nil {
				return err
			}

			fmt.Fprintf(cctx.App.Writer, "Phantom written to %s: %d frames of %dx%dx%d, %d tumor voxels\n",
				out, spec.Frames, spec.Depth, spec.Height, spec.Width, p.TumorMask.Count())
			fmt.Fprintf(cctx.App.Writer, "Analyse it with: dcemri --config %s run --raw %s --mask %s --out DIR\n",
				cfgPath, filepath.Join(out, "series"), filepath.Join(out, "mask"))
			return nil
		},
	}
}

func runsCmd() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "inspect stored analysis runs",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list runs, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "patient",
						Usage: "only runs of this patient",
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "maximum number of runs",
						Value: 20,
					},
				},
				Action: func(cctx *cli.Context) error {
					cfg, err := loadConfig(cctx)
					if err != nil {
						return err
					}
					db, err := openStore(cfg)
					if err != nil {
						return err
					}
					defer db.Close()

					runs, err := db.ListRuns(cctx.Context, cctx.String("patient"), cctx.Int("limit"))
					if err != nil {
						return err
					}
					if len(runs) == 0 {
						fmt.Fprintln(cctx.App.Writer, "no runs")
						return nil
					}
					printRuns(cctx.App.Writer, runs)
					return nil
				},
			},
			{
				Name:      "show",
				Usage:     "show one run",
				ArgsUsage: "ID",
				Action: func(cctx *cli.Context) error {
					if cctx.NArg() != 1 {
						return xerrors.Errorf("expected one run ID, got %d arguments", cctx.NArg())
					}
					cfg, err := loadConfig(cctx)
					if err != nil {
						return err
					}
					db, err := openStore(cfg)
					if err != nil {
						return err
					}
					defer db.Close()

					run, err := db.GetRun(cctx.Context, cctx.Args().First())
					if err != nil {
						return err
					}
					printRun(cctx.App.Writer, run)
					return nil
				},
			},
			{
				Name:      "delete",
				Usage:     "delete one run",
				ArgsUsage: "ID",
				Action: func(cctx *cli.Context) error {
					if cctx.NArg() != 1 {
						return xerrors.Errorf("expected one run ID, got %d arguments", cctx.NArg())
					}
					cfg, err := loadConfig(cctx)
					if err != nil {
						return err
					}
					db, err := openStore(cfg)
					if err != nil {
						return err
					}
					defer db.Close()
					return db.DeleteRun(cctx.Context, cctx.Args().First())
				},
			},
		},
	}
}

func configCmd() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "manage the configuration file",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "write the default configuration to --config",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "format",
						Usage: "yaml or toml; changes the file extension accordingly",
						Value: "yaml",
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "overwrite an existing file",
					},
				},
				Action: func(cctx *cli.Context) error {
					path, err := homedir.Expand(cctx.String(FlagConfig))
					if err != nil {
						return err
					}
					ext := filepath.Ext(path)
					switch strings.ToLower(cctx.String("format")) {
					case "yaml", "yml":
						if ext == ".toml" {
							path = strings.TrimSuffix(path, ext) + ".yaml"
						}
					case "toml":
						if ext != ".toml" {
							path = strings.TrimSuffix(path, ext) + ".toml"
						}
					default:
						return xerrors.Errorf("unknown format %q (must be yaml or toml)", cctx.String("format"))
					}

					if _, err := os.Stat(path); err == nil && !cctx.Bool("force") {
						return xerrors.Errorf("%s already exists, use --force to overwrite", path)
					}
					if err := config.CreateDefaultConfigFile(path); err != nil {
						return err
					}
					fmt.Fprintf(cctx.App.Writer, "Default configuration written to %s\n", path)
					return nil
				},
			},
		},
	}
}
