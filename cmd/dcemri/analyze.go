package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"dcemri/pkg/config"
	"dcemri/pkg/metrics"
	"dcemri/pkg/pipeline"
	"dcemri/pkg/seriesio"
	"dcemri/pkg/visualization"
)

func seriesFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "series",
			Usage: "directory of DICOM files",
		},
		&cli.StringFlag{
			Name:  "raw",
			Usage: "directory of a raw series (series.yaml and series.bin)",
		},
	}
}

func seriesInputs(cctx *cli.Context) (pipeline.Inputs, error) {
	in := pipeline.Inputs{
		SeriesDir: cctx.String("series"),
		RawDir:    cctx.String("raw"),
	}
	if (in.SeriesDir == "") == (in.RawDir == "") {
		return in, fmt.Errorf("exactly one of --series and --raw is required")
	}
	return in, nil
}

func runCmd() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run the complete analysis of one patient",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:     "mask",
				Usage:    "directory of tumor mask slices (PNG or JPEG)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "out",
				Usage:    "output directory",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "aif-method",
				Usage: "deterministic, population or file",
			},
			&cli.StringFlag{
				Name:  "aif-file",
				Usage: "AIF curve CSV for the file method",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "goroutines used for voxelwise fitting",
			},
			&cli.BoolFlag{
				Name:  "denoise",
				Usage: "smooth the frames with an edge-preserving filter first",
			},
		}, seriesFlags()...),
		Action: func(cctx *cli.Context) error {
			cfg, err := loadConfig(cctx)
			if err != nil {
				return err
			}
			if cctx.IsSet("aif-method") {
				cfg.AIF.Method = cctx.String("aif-method")
			}
			if cctx.IsSet("aif-file") {
				cfg.AIF.File = cctx.String("aif-file")
				if !cctx.IsSet("aif-method") {
					cfg.AIF.Method = config.AIFFile
				}
			}
			if cctx.IsSet("workers") {
				cfg.Processing.Workers = cctx.Int("workers")
			}
			if cctx.IsSet("denoise") {
				cfg.Processing.Denoise = cctx.Bool("denoise")
			}

			in, err := seriesInputs(cctx)
			if err != nil {
				return err
			}
			in.MaskDir = cctx.String("mask")
			in.OutputDir = cctx.String("out")
			return analyze(cctx, cfg, in)
		},
	}
}

func fitCmd() *cli.Command {
	return &cli.Command{
		Name:  "fit",
		Usage: "fit the Extended Tofts Model with a given AIF",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:     "mask",
				Usage:    "directory of tumor mask slices (PNG or JPEG)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "aif",
				Usage:    "blood AIF curve CSV (time_s,value)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "out",
				Usage:    "output directory",
				Required: true,
			},
		}, seriesFlags()...),
		Action: func(cctx *cli.Context) error {
			cfg, err := loadConfig(cctx)
			if err != nil {
				return err
			}
			cfg.AIF.Method = config.AIFFile
			cfg.AIF.File = cctx.String("aif")

			in, err := seriesInputs(cctx)
			if err != nil {
				return err
			}
			in.MaskDir = cctx.String("mask")
			in.OutputDir = cctx.String("out")
			return analyze(cctx, cfg, in)
		},
	}
}

// analyze runs the pipeline with the store and metrics the configuration asks for
func analyze(cctx *cli.Context, cfg *config.Config, in pipeline.Inputs) error {
	reg := prometheus.NewRegistry()
	opts := []pipeline.Option{pipeline.WithMetrics(metrics.New(reg))}

	if cfg.Store.Enabled {
		db, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		opts = append(opts, pipeline.WithStore(db))
	}

	start := time.Now()
	report, err := pipeline.NewAnalyzer(cfg, opts...).Process(cctx.Context, in)

	if cfg.Output.MetricsFile != "" {
		if merr := metrics.WriteTextfile(reg, cfg.Output.MetricsFile); merr != nil {
			log.Warnw("failed to write metrics", "path", cfg.Output.MetricsFile, "error", merr)
		}
	}
	if err != nil {
		return err
	}

	w := cctx.App.Writer
	console := color.New(color.FgGreen, color.Bold)
	console.Fprintf(w, "Analysis completed in %.2f seconds\n", time.Since(start).Seconds())
	printReport(w, report)
	if in.OutputDir != "" {
		fmt.Fprintf(w, "\nOutputs written to %s (%d files)\n", in.OutputDir, len(report.Outputs))
	}
	return nil
}

func aifCmd() *cli.Command {
	return &cli.Command{
		Name:  "aif",
		Usage: "estimate the arterial input function only",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:     "out",
				Usage:    "AIF curve CSV to write",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "plot",
				Usage: "figure of the AIF and its Parker fit (png, svg or pdf)",
			},
		}, seriesFlags()...),
		Action: func(cctx *cli.Context) error {
			cfg, err := loadConfig(cctx)
			if err != nil {
				return err
			}
			cfg.AIF.Method = config.AIFDeterministic
			if err := cfg.Validate(); err != nil {
				return err
			}

			in, err := seriesInputs(cctx)
			if err != nil {
				return err
			}
			a := pipeline.NewAnalyzer(cfg)
			signal, conc, err := a.Prepare(cctx.Context, in)
			if err != nil {
				return err
			}
			res, err := a.EstimateAIF(cctx.Context, conc)
			if err != nil {
				return err
			}

			out := cctx.String("out")
			if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
				return err
			}
			if err := seriesio.WriteCurveCSV(out, conc.Timeline, res.Blood); err != nil {
				return err
			}

			if plotPath := cctx.String("plot"); plotPath != "" {
				curves := []visualization.Curve{{Name: "AIF", Values: res.Blood}}
				if res.Estimate.Fit != nil {
					curves = append(curves, visualization.Curve{
						Name:   "Parker fit",
						Values: res.Estimate.Fit.Curve(conc.TimelineMinutes()),
						Dashed: true,
					})
				}
				if err := visualization.PlotCurves(plotPath, "AIF "+signal.PatientID, conc.Timeline, curves...); err != nil {
					return err
				}
			}

			printAIF(cctx.App.Writer, res)
			fmt.Fprintf(cctx.App.Writer, "AIF written to %s\n", out)
			return nil
		},
	}
}
