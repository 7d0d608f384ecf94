package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andresmejia3/faceverify/internal/config"
	"github.com/andresmejia3/faceverify/internal/pipeline"
	"github.com/andresmejia3/faceverify/internal/utils"
)

// Options holds the per-run overrides accepted by verify. Only flags the
// user actually set are applied on top of the config file.
type Options struct {
	Threshold     float64
	ZoomOutFactor float64
	FaceQuality   float64
	OutputDir     string
	InputDir      string
	Detector      string
	Engines       int
	Timeout       string
}

var verifyOpts Options

var verifyCmd = &cobra.Command{
	Use:   "verify <reference> <query>",
	Short: "Decide whether two images show the same person",
	Long: "Detects the primary face in the reference and query images, compares their descriptors,\n" +
		"and writes face crops, detection overlays and a JSON report into a fresh run directory.\n" +
		"Relative file names are resolved against the input directory.",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 2 {
			cmd.Usage()
			return fmt.Errorf("expected 2 arguments (reference and query image), got %d", len(args))
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := applyOptions(cmd, Cfg, verifyOpts)
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := runVerify(cmd, cfg, args[0], args[1]); err != nil {
			utils.ShowError(cmd.ErrOrStderr(), err, verbose)
			return errSilent
		}
		return nil
	},
}

func init() {
	bindVerifyFlags(verifyCmd, &verifyOpts)
	rootCmd.AddCommand(verifyCmd)
}

func bindVerifyFlags(cmd *cobra.Command, opts *Options) {
	cmd.Flags().Float64VarP(&opts.Threshold, "threshold", "t", 0.6, "Distance threshold (a match needs a strictly smaller distance)")
	cmd.Flags().Float64VarP(&opts.ZoomOutFactor, "zoom", "z", 0.2, "Fraction of the face box added around each crop")
	cmd.Flags().Float64Var(&opts.FaceQuality, "min-score", 0.8, "Minimum detection score for both faces")
	cmd.Flags().StringVarP(&opts.OutputDir, "output", "o", "output", "Base directory for run directories")
	cmd.Flags().StringVarP(&opts.InputDir, "input-dir", "i", "input", "Directory that image names are resolved against")
	cmd.Flags().StringVarP(&opts.Detector, "detector", "d", "python", "Detector backend")
	cmd.Flags().IntVarP(&opts.Engines, "engines", "e", 2, "Number of Python worker engines")
	cmd.Flags().StringVar(&opts.Timeout, "timeout", "2m", "Deadline for the whole verification (0 disables it)")
}

// applyOptions returns cfg with every explicitly set flag applied.
func applyOptions(cmd *cobra.Command, cfg config.Config, opts Options) config.Config {
	flags := cmd.Flags()
	if flags.Changed("threshold") {
		cfg.DistanceThreshold = opts.Threshold
	}
	if flags.Changed("zoom") {
		cfg.ZoomOutFactor = opts.ZoomOutFactor
	}
	if flags.Changed("min-score") {
		cfg.FaceQuality = opts.FaceQuality
	}
	if flags.Changed("output") {
		cfg.BaseOutputDir = opts.OutputDir
	}
	if flags.Changed("input-dir") {
		cfg.InputDir = opts.InputDir
	}
	if flags.Changed("detector") {
		cfg.Detector = opts.Detector
	}
	if flags.Changed("engines") {
		cfg.Engines = opts.Engines
	}
	if flags.Changed("timeout") {
		cfg.RunTimeout = opts.Timeout
	}
	return cfg
}

func runVerify(cmd *cobra.Command, cfg config.Config, reference, query string) error {
	detector, err := newDetector(cfg, Logger)
	if err != nil {
		return err
	}
	defer detector.Close()

	opts := []pipeline.Option{}
	if DB != nil {
		opts = append(opts, pipeline.WithLedger(DB))
	}
	if !quiet {
		bar := progressbar.NewOptions(int(pipeline.StateDone),
			progressbar.OptionSetDescription("🔍 Verifying"),
			progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Close()
		opts = append(opts, pipeline.WithObserver(progressObserver(bar)))
	}

	Logger.Debug("starting verification",
		zap.String("detector", cfg.Detector),
		zap.Float64("threshold", cfg.DistanceThreshold),
		zap.String("output", cfg.BaseOutputDir),
	)

	orch := pipeline.New(cfg, detector, Logger, opts...)
	out, err := orch.Verify(cmd.Context(),
		utils.ResolveInput(cfg.InputDir, reference),
		utils.ResolveInput(cfg.InputDir, query),
	)
	if err != nil {
		return err
	}

	printOutcome(cmd.OutOrStdout(), out)
	return nil
}

// progressObserver advances bar with the pipeline state. A failed run leaves
// the bar where it stopped.
func progressObserver(bar *progressbar.ProgressBar) func(pipeline.State) {
	return func(s pipeline.State) {
		if s.Terminal() {
			if s == pipeline.StateFailed {
				bar.Exit()
				return
			}
			bar.Finish()
			return
		}
		bar.Describe("🔍 " + s.String())
		bar.Set(int(s))
	}
}

// printOutcome writes the human summary of a finished run. The last line is
// always the bare status so scripts can `tail -n1`.
func printOutcome(w io.Writer, out *pipeline.Outcome) {
	r := out.Report
	fmt.Fprintf(w, "Face distance: %.4f\n", r.Result.FaceDistance)
	fmt.Fprintf(w, "Threshold: %g\n", r.Result.Threshold)
	fmt.Fprintf(w, "Confidence: %.1f%%\n", r.Result.Confidence*100)
	fmt.Fprintf(w, "Reference detection score: %.3f\n", r.ReferenceImage.DetectionScore)
	fmt.Fprintf(w, "Query detection score: %.3f\n", r.QueryImage.DetectionScore)
	fmt.Fprintf(w, "Reference face: %s\n", r.ReferenceImage.FaceFile)
	fmt.Fprintf(w, "Query face: %s\n", r.QueryImage.FaceFile)
	fmt.Fprintf(w, "Processing time: %.2fs\n", out.Elapsed.Seconds())
	fmt.Fprintf(w, "Output directory: %s\n", r.OutputDirectory)
	fmt.Fprintf(w, "Report: %s\n", filepath.ToSlash(out.ReportPath))
	fmt.Fprintln(w, r.Result.Status)
}
