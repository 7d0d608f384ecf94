// Package pipeline runs one face verification end to end: load both images,
// detect, gate on quality, decide, write crops and overlays, and persist the
// report. Any failure is terminal and leaves no report behind.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/faceverify/internal/config"
	"github.com/andresmejia3/faceverify/internal/decision"
	"github.com/andresmejia3/faceverify/internal/geometry"
	"github.com/andresmejia3/faceverify/internal/imaging"
	"github.com/andresmejia3/faceverify/internal/logging"
	"github.com/andresmejia3/faceverify/internal/report"
	"github.com/andresmejia3/faceverify/internal/types"
	"github.com/andresmejia3/faceverify/internal/utils"
)

const (
	LabelReference = "reference"
	LabelQuery     = "query"
)

var labels = [2]string{LabelReference, LabelQuery}

// Detector is the face model. It returns the primary face of img, or nil
// when there is none. Implementations must be safe for concurrent use and
// must not retain img.
type Detector interface {
	DetectPrimaryFace(ctx context.Context, img *imaging.Image) (*types.Detection, error)
}

// ReportWriter persists an assembled report inside a run directory.
type ReportWriter interface {
	Write(dir string, r *types.VerificationReport) (string, error)
}

// Ledger is an optional secondary record of finished verifications.
type Ledger interface {
	SaveVerification(ctx context.Context, r *types.VerificationReport) error
}

// Outcome is what a successful run hands back to the caller.
type Outcome struct {
	Report     *types.VerificationReport
	ReportPath string
	OutputDir  string
	Reference  types.FaceCropArtifact
	Query      types.FaceCropArtifact
	Overlays   []string // only the overlays that were written
	Elapsed    time.Duration
}

// Orchestrator holds the read-only collaborators shared by every run.
type Orchestrator struct {
	cfg       config.Config
	detector  Detector
	writer    ReportWriter
	assembler *report.Assembler
	ledger    Ledger
	logger    *zap.Logger
	observer  func(State)
	load      func(path string) (*imaging.Image, error)
	overlay   func(img *imaging.Image, det *types.Detection, path string, quality int) error
	now       func() time.Time
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLedger also records each persisted report in l.
func WithLedger(l Ledger) Option {
	return func(o *Orchestrator) { o.ledger = l }
}

// WithObserver calls fn on every state entered, including Failed.
func WithObserver(fn func(State)) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

// WithReportWriter replaces the JSON file writer.
func WithReportWriter(w ReportWriter) Option {
	return func(o *Orchestrator) { o.writer = w }
}

// WithAssembler replaces the report assembler.
func WithAssembler(a *report.Assembler) Option {
	return func(o *Orchestrator) { o.assembler = a }
}

// WithLoader replaces the image decoder.
func WithLoader(fn func(path string) (*imaging.Image, error)) Option {
	return func(o *Orchestrator) { o.load = fn }
}

// WithOverlayRenderer replaces the overlay renderer.
func WithOverlayRenderer(fn func(img *imaging.Image, det *types.Detection, path string, quality int) error) Option {
	return func(o *Orchestrator) { o.overlay = fn }
}

// New builds an Orchestrator. cfg is copied and never modified.
func New(cfg config.Config, detector Detector, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		detector:  detector,
		writer:    report.FileWriter{},
		assembler: report.NewAssembler(),
		logger:    logger.Named("pipeline"),
		observer:  func(State) {},
		load:      imaging.Load,
		overlay:   imaging.RenderOverlay,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run is the mutable state of a single verification. Nothing in it is
// shared with other runs.
type run struct {
	state  State
	paths  [2]string
	images [2]*imaging.Image
	dets   [2]*types.Detection
	result types.VerificationResult
	dir    string
	crops  [2]types.FaceCropArtifact
	start  time.Time
}

// Verify compares the face in queryPath against the face in referencePath.
func (o *Orchestrator) Verify(ctx context.Context, referencePath, queryPath string) (*Outcome, error) {
	if d := o.cfg.Timeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	r := &run{paths: [2]string{referencePath, queryPath}, start: o.now()}
	o.enter(r, StateInit)

	steps := []struct {
		next State
		fn   func(context.Context, *run) error
	}{
		{StateImagesLoaded, o.loadImages},
		{StateFacesDetected, o.detectFaces},
		{StateQualityChecked, o.checkQuality},
		{StateDistanceComputed, o.computeDistance},
		{StateArtifactsExtracted, o.extractFaces},
		{StateOverlaysRendered, o.renderOverlays},
	}
	for _, step := range steps {
		if err := o.advance(ctx, r, step.next, step.fn); err != nil {
			return nil, err
		}
	}

	var rep types.VerificationReport
	if err := o.advance(ctx, r, StateReportAssembled, func(ctx context.Context, r *run) error {
		rep = o.assemble(r)
		return nil
	}); err != nil {
		return nil, err
	}

	var reportPath string
	if err := o.advance(ctx, r, StatePersisted, func(ctx context.Context, r *run) error {
		p, err := o.writer.Write(r.dir, &rep)
		if err != nil {
			return &Error{Kind: ErrArtifactIO, Path: report.Filename(&rep), Err: err}
		}
		reportPath = p
		return nil
	}); err != nil {
		return nil, err
	}

	if o.ledger != nil {
		if err := o.ledger.SaveVerification(ctx, &rep); err != nil {
			wrapped := logging.NewOperationError("pipeline.ledger", rep.VerificationID, err)
			o.logger.Warn("failed to record verification in ledger", zap.Error(wrapped))
		}
	}

	o.enter(r, StateDone)
	logging.WithOperation(o.logger, "pipeline.done", rep.VerificationID).Info("verification complete",
		zap.String("status", string(rep.Result.Status)),
		zap.Float64("distance", rep.Result.FaceDistance),
		zap.String("output_dir", r.dir),
	)

	var overlays []string
	for _, label := range labels {
		p := filepath.Join(r.dir, imaging.OverlayFilename(label))
		if _, err := os.Stat(p); err == nil {
			overlays = append(overlays, p)
		}
	}

	return &Outcome{
		Report:     &rep,
		ReportPath: reportPath,
		OutputDir:  r.dir,
		Reference:  r.crops[0],
		Query:      r.crops[1],
		Overlays:   overlays,
		Elapsed:    o.now().Sub(r.start),
	}, nil
}

// advance runs fn and moves to next on success. Failures, including an
// expired deadline, move the run to Failed.
func (o *Orchestrator) advance(ctx context.Context, r *run, next State, fn func(context.Context, *run) error) error {
	if ctx.Err() != nil {
		return o.fail(ctx, r, ctx.Err())
	}
	if err := fn(ctx, r); err != nil {
		return o.fail(ctx, r, err)
	}
	o.enter(r, next)
	return nil
}

func (o *Orchestrator) enter(r *run, s State) {
	r.state = s
	o.logger.Debug("state", zap.Stringer("state", s))
	o.observer(s)
}

func (o *Orchestrator) fail(ctx context.Context, r *run, err error) error {
	var perr *Error
	if cerr := ctx.Err(); cerr != nil {
		kind := ErrCanceled
		if errors.Is(cerr, context.DeadlineExceeded) {
			kind = ErrTimeout
		}
		perr = &Error{Kind: kind, Err: cerr}
	} else if !errors.As(err, &perr) {
		perr = &Error{Kind: ErrArtifactIO, Err: err}
	}
	perr.State = r.state

	wrapped := logging.NewOperationError("pipeline."+r.state.String(), "", perr)
	o.logger.Info("verification failed", zap.Error(wrapped), zap.Stringer("state", r.state))

	o.enter(r, StateFailed)
	return perr
}

// bothImages runs fn for the reference (0) and the query (1) concurrently.
// The first failure cancels the sibling. The reported error is the root
// cause, preferring the reference image when both fail on their own.
func bothImages(ctx context.Context, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	var errs [2]error
	for i := range errs {
		i := i // per-iteration copy; go directive is 1.21 (pre-loopvar semantics)
		g.Go(func() error {
			errs[i] = fn(gctx, i)
			return errs[i]
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		if err != nil && !(ctx.Err() == nil && errors.Is(err, context.Canceled)) {
			return err
		}
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) loadImages(ctx context.Context, r *run) error {
	// Both inputs must exist before anything is decoded.
	for i, p := range r.paths {
		if _, err := os.Stat(p); err != nil {
			kind := ErrInputUnreadable
			if errors.Is(err, os.ErrNotExist) {
				kind = ErrInputNotFound
			}
			return &Error{Kind: kind, Image: labels[i], Path: p, Err: err}
		}
	}

	return bothImages(ctx, func(ctx context.Context, i int) error {
		img, err := o.load(r.paths[i])
		if err != nil {
			return &Error{Kind: ErrInputUnreadable, Image: labels[i], Path: r.paths[i], Err: err}
		}
		r.images[i] = img
		return nil
	})
}

func (o *Orchestrator) detectFaces(ctx context.Context, r *run) error {
	err := bothImages(ctx, func(ctx context.Context, i int) error {
		img := r.images[i]
		det, err := o.detector.DetectPrimaryFace(ctx, img)
		if err != nil {
			return &Error{Kind: ErrDetectionFailed, Image: labels[i], Path: img.Path, Err: err}
		}
		if det == nil {
			return &Error{Kind: ErrNoFaceDetected, Image: labels[i], Path: img.Path}
		}

		d := *det
		d.Box = geometry.Clamp(det.Box, img.Width, img.Height)
		if d.Box.Empty() {
			return &Error{Kind: ErrNoFaceDetected, Image: labels[i], Path: img.Path}
		}
		if len(d.Descriptor) == 0 {
			return &Error{Kind: ErrDetectionFailed, Image: labels[i], Path: img.Path, Err: fmt.Errorf("model returned no descriptor")}
		}
		r.dets[i] = &d

		o.logger.Debug("face detected",
			zap.String("image", labels[i]),
			zap.Float64("score", d.Score),
			zap.Int("landmarks", len(d.Landmarks)),
		)
		return nil
	})
	if err != nil {
		return err
	}

	if a, b := len(r.dets[0].Descriptor), len(r.dets[1].Descriptor); a != b {
		return &Error{Kind: ErrDetectionFailed, Image: LabelQuery, Path: r.paths[1],
			Err: fmt.Errorf("descriptor has %d dimensions, reference has %d", b, a)}
	}
	return nil
}

func (o *Orchestrator) checkQuality(_ context.Context, r *run) error {
	for i, det := range r.dets {
		if det.Score < o.cfg.FaceQuality {
			return &Error{
				Kind:     ErrLowDetectionQuality,
				Image:    labels[i],
				Path:     r.paths[i],
				Score:    det.Score,
				MinScore: o.cfg.FaceQuality,
			}
		}
	}
	return nil
}

func (o *Orchestrator) computeDistance(_ context.Context, r *run) error {
	r.result = decision.Decide(r.dets[0].Descriptor, r.dets[1].Descriptor, o.cfg.DistanceThreshold)
	return nil
}

func (o *Orchestrator) extractFaces(ctx context.Context, r *run) error {
	dir, err := utils.CreateRunDir(o.cfg.BaseOutputDir, o.now())
	if err != nil {
		return &Error{Kind: ErrArtifactIO, Path: o.cfg.BaseOutputDir, Err: err}
	}
	r.dir = dir

	ex := imaging.Extractor{ZoomOutFactor: o.cfg.ZoomOutFactor, JPEGQuality: o.cfg.JPEGQuality}
	return bothImages(ctx, func(ctx context.Context, i int) error {
		art, err := ex.Extract(r.images[i], r.dets[i], labels[i], dir)
		if err != nil {
			return &Error{Kind: ErrArtifactIO, Image: labels[i], Path: imaging.CropFilename(labels[i]), Err: err}
		}
		r.crops[i] = art
		return nil
	})
}

// renderOverlays never fails the run: overlays are diagnostics only.
func (o *Orchestrator) renderOverlays(ctx context.Context, r *run) error {
	_ = bothImages(ctx, func(ctx context.Context, i int) error {
		name := imaging.OverlayFilename(labels[i])
		if err := o.overlay(r.images[i], r.dets[i], filepath.Join(r.dir, name), o.cfg.JPEGQuality); err != nil {
			wrapped := logging.NewOperationError("pipeline.overlay", "", err)
			o.logger.Warn("failed to render detection overlay", zap.String("file", name), zap.Error(wrapped))
			os.Remove(filepath.Join(r.dir, name))
		}
		return nil
	})
	return nil
}

func (o *Orchestrator) assemble(r *run) types.VerificationReport {
	meta := func(i int) report.ImageMeta {
		return report.ImageMeta{
			Filename:   r.images[i].Name,
			Detection:  r.dets[i],
			Crop:       r.crops[i],
			Dimensions: types.Dimensions{Width: r.images[i].Width, Height: r.images[i].Height},
		}
	}
	return o.assembler.Assemble(meta(0), meta(1), r.result, filepath.Base(r.dir))
}
