package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/andresmejia3/faceverify/internal/config"
	"github.com/andresmejia3/faceverify/internal/imaging"
	"github.com/andresmejia3/faceverify/internal/report"
	"github.com/andresmejia3/faceverify/internal/types"
)

// stubDetector answers by image base name.
type stubDetector struct {
	mu    sync.Mutex
	faces map[string]*types.Detection
	errs  map[string]error
	calls []string
	delay map[string]time.Duration
}

func (s *stubDetector) DetectPrimaryFace(ctx context.Context, img *imaging.Image) (*types.Detection, error) {
	s.mu.Lock()
	s.calls = append(s.calls, img.Name)
	s.mu.Unlock()

	if d := s.delay[img.Name]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := s.errs[img.Name]; err != nil {
		return nil, err
	}
	det, ok := s.faces[img.Name]
	if !ok {
		return nil, nil
	}
	cp := *det
	return &cp, nil
}

type stubLedger struct {
	saved []*types.VerificationReport
	err   error
}

func (s *stubLedger) SaveVerification(ctx context.Context, r *types.VerificationReport) error {
	s.saved = append(s.saved, r)
	return s.err
}

func descriptor(seed float64) []float64 {
	v := make([]float64, 128)
	for i := range v {
		v[i] = seed * float64(i%7) / 10
	}
	return v
}

func face(score float64, desc []float64) *types.Detection {
	return &types.Detection{
		Box:        types.BoundingBox{X: 40, Y: 30, Width: 60, Height: 70},
		Score:      score,
		Landmarks:  []types.Point{{X: 55, Y: 50}, {X: 85, Y: 50}, {X: 70, Y: 65}},
		Descriptor: desc,
	}
}

func writePNG(t *testing.T, dir, name string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 160, 140))
	for y := 0; y < 140; y++ {
		for x := 0; x < 160; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 90, 255})
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

type fixture struct {
	cfg    config.Config
	input  string
	ref    string
	query  string
	det    *stubDetector
	states []State
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	input := filepath.Join(root, "input")
	if err := os.Mkdir(input, 0755); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.BaseOutputDir = filepath.Join(root, "output")

	return &fixture{
		cfg:   cfg,
		input: input,
		ref:   writePNG(t, input, "id_card.png"),
		query: writePNG(t, input, "selfie.png"),
		det: &stubDetector{
			faces: map[string]*types.Detection{
				"id_card.png": face(0.99, descriptor(1)),
				"selfie.png":  face(0.97, descriptor(1.05)),
			},
			errs: map[string]error{},
		},
	}
}

func (f *fixture) orchestrator(opts ...Option) *Orchestrator {
	opts = append([]Option{WithObserver(func(s State) { f.states = append(f.states, s) })}, opts...)
	return New(f.cfg, f.det, zap.NewNop(), opts...)
}

func reportFiles(t *testing.T, root string) []string {
	t.Helper()
	var found []string
	filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasSuffix(p, ".json") {
			found = append(found, p)
		}
		return nil
	})
	return found
}

func TestVerifySuccess(t *testing.T) {
	f := newFixture(t)
	ledger := &stubLedger{}

	out, err := f.orchestrator(WithLedger(ledger)).Verify(context.Background(), f.ref, f.query)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	want := []State{
		StateInit, StateImagesLoaded, StateFacesDetected, StateQualityChecked, StateDistanceComputed,
		StateArtifactsExtracted, StateOverlaysRendered, StateReportAssembled, StatePersisted, StateDone,
	}
	if len(f.states) != len(want) {
		t.Fatalf("states = %v, want %v", f.states, want)
	}
	for i := range want {
		if f.states[i] != want[i] {
			t.Fatalf("states = %v, want %v", f.states, want)
		}
	}

	rep := out.Report
	if !rep.ReferenceImage.FaceDetected || !rep.QueryImage.FaceDetected {
		t.Error("expected both faceDetected true")
	}
	if rep.ReferenceImage.FaceFile != "face_reference.jpg" || rep.QueryImage.FaceFile != "face_query.jpg" {
		t.Errorf("unexpected crop names: %q %q", rep.ReferenceImage.FaceFile, rep.QueryImage.FaceFile)
	}
	if rep.ReferenceImage.Filename != "id_card.png" {
		t.Errorf("report leaked a path: %q", rep.ReferenceImage.Filename)
	}
	if rep.QueryImage.ImageDimensions != (types.Dimensions{Width: 160, Height: 140}) {
		t.Errorf("ImageDimensions = %+v", rep.QueryImage.ImageDimensions)
	}
	if rep.OutputDirectory != filepath.Base(out.OutputDir) {
		t.Errorf("OutputDirectory = %q, dir = %q", rep.OutputDirectory, out.OutputDir)
	}
	if !rep.Result.IsMatch || rep.Result.Status != types.StatusVerified {
		t.Errorf("expected a match, got %+v", rep.Result)
	}
	if rep.Result.Threshold != 0.6 {
		t.Errorf("threshold = %v", rep.Result.Threshold)
	}

	for _, name := range []string{"face_reference.jpg", "face_query.jpg", "reference_detection.jpg", "query_detection.jpg", rep.VerificationID + ".json"} {
		if _, err := os.Stat(filepath.Join(out.OutputDir, name)); err != nil {
			t.Errorf("expected artifact %s: %v", name, err)
		}
	}
	if len(out.Overlays) != 2 {
		t.Errorf("expected 2 overlays, got %v", out.Overlays)
	}

	data, err := os.ReadFile(out.ReportPath)
	if err != nil {
		t.Fatal(err)
	}
	var persisted types.VerificationReport
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatal(err)
	}
	if persisted.VerificationID != rep.VerificationID || persisted.Result != rep.Result {
		t.Errorf("persisted report differs from returned one")
	}
	if len(ledger.saved) != 1 || ledger.saved[0].VerificationID != rep.VerificationID {
		t.Errorf("expected report recorded in ledger once, got %d", len(ledger.saved))
	}
}

func TestVerifyIdenticalImages(t *testing.T) {
	f := newFixture(t)
	out, err := f.orchestrator().Verify(context.Background(), f.ref, f.ref)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	res := out.Report.Result
	if res.FaceDistance != 0 || !res.IsMatch || res.Status != types.StatusVerified || res.Confidence != 1.0 {
		t.Errorf("identical images should verify with confidence 1, got %+v", res)
	}
}

func TestVerifyRejectsDifferentFaces(t *testing.T) {
	f := newFixture(t)
	f.det.faces["selfie.png"] = face(0.97, descriptor(3))

	out, err := f.orchestrator().Verify(context.Background(), f.ref, f.query)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	res := out.Report.Result
	if res.IsMatch || res.Status != types.StatusRejected || res.Confidence != 0 {
		t.Errorf("expected rejection, got %+v", res)
	}
	// A rejection is still a complete run with a report.
	if len(reportFiles(t, f.cfg.BaseOutputDir)) != 1 {
		t.Error("expected a report for a rejected verification")
	}
}

func TestVerifyLowQualityReference(t *testing.T) {
	f := newFixture(t)
	// Python worker scores arrive as float32.
	score := float64(float32(0.65))
	f.det.faces["id_card.png"] = face(score, descriptor(1))

	_, err := f.orchestrator().Verify(context.Background(), f.ref, f.query)
	if !errors.Is(err, ErrLowDetectionQuality) {
		t.Fatalf("expected ErrLowDetectionQuality, got %v", err)
	}
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if perr.Image != LabelReference || perr.Score != score {
		t.Errorf("unexpected failure details: %+v", perr)
	}
	if !strings.Contains(err.Error(), "reference") || !strings.Contains(err.Error(), "0.650 (minimum 0.800)") {
		t.Errorf("message should name the image and score: %q", err.Error())
	}
	if perr.State != StateFacesDetected {
		t.Errorf("failed in state %s, want faces_detected", perr.State)
	}
	if got := f.states[len(f.states)-1]; got != StateFailed {
		t.Errorf("last state = %s, want failed", got)
	}
	if files := reportFiles(t, f.cfg.BaseOutputDir); len(files) != 0 {
		t.Errorf("failed run left reports: %v", files)
	}
}

func TestVerifyMissingQueryNeverDecodes(t *testing.T) {
	f := newFixture(t)
	decoded := 0
	loader := func(p string) (*imaging.Image, error) {
		decoded++
		return imaging.Load(p)
	}

	missing := filepath.Join(f.input, "nope.jpg")
	_, err := f.orchestrator(WithLoader(loader)).Verify(context.Background(), f.ref, missing)
	if !errors.Is(err, ErrInputNotFound) {
		t.Fatalf("expected ErrInputNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), missing) {
		t.Errorf("message should carry the path: %q", err.Error())
	}
	if decoded != 0 {
		t.Errorf("expected no decode, got %d", decoded)
	}
	if len(f.det.calls) != 0 {
		t.Errorf("expected no detection, got %v", f.det.calls)
	}
	if _, err := os.Stat(f.cfg.BaseOutputDir); !os.IsNotExist(err) {
		t.Error("output directory should not exist after an input failure")
	}
}

func TestVerifyNoFace(t *testing.T) {
	f := newFixture(t)
	delete(f.det.faces, "selfie.png")

	_, err := f.orchestrator().Verify(context.Background(), f.ref, f.query)
	if !errors.Is(err, ErrNoFaceDetected) {
		t.Fatalf("expected ErrNoFaceDetected, got %v", err)
	}
	if !strings.Contains(err.Error(), "query") {
		t.Errorf("message should name the query image: %q", err.Error())
	}
	if files := reportFiles(t, f.cfg.BaseOutputDir); len(files) != 0 {
		t.Errorf("failed run left reports: %v", files)
	}
}

func TestVerifyBoxOutsideImageCountsAsNoFace(t *testing.T) {
	f := newFixture(t)
	off := face(0.99, descriptor(1))
	off.Box = types.BoundingBox{X: 500, Y: 500, Width: 20, Height: 20}
	f.det.faces["id_card.png"] = off

	_, err := f.orchestrator().Verify(context.Background(), f.ref, f.query)
	if !errors.Is(err, ErrNoFaceDetected) {
		t.Fatalf("expected ErrNoFaceDetected, got %v", err)
	}
}

func TestVerifyDetectorErrorPrefersRootCause(t *testing.T) {
	f := newFixture(t)
	f.det.errs["selfie.png"] = errors.New("worker crashed")
	f.det.delay = map[string]time.Duration{"id_card.png": time.Second}

	_, err := f.orchestrator().Verify(context.Background(), f.ref, f.query)
	if !errors.Is(err, ErrDetectionFailed) {
		t.Fatalf("expected ErrDetectionFailed, got %v", err)
	}
	var perr *Error
	errors.As(err, &perr)
	if perr.Image != LabelQuery {
		t.Errorf("expected the query failure to be reported, got %s (%v)", perr.Image, err)
	}
}

func TestVerifyDescriptorMismatch(t *testing.T) {
	f := newFixture(t)
	f.det.faces["selfie.png"] = face(0.97, make([]float64, 64))

	_, err := f.orchestrator().Verify(context.Background(), f.ref, f.query)
	if !errors.Is(err, ErrDetectionFailed) {
		t.Fatalf("expected ErrDetectionFailed, got %v", err)
	}
}

func TestVerifyTimeout(t *testing.T) {
	f := newFixture(t)
	f.cfg.RunTimeout = "10ms"
	f.det.delay = map[string]time.Duration{"id_card.png": time.Second, "selfie.png": time.Second}

	_, err := f.orchestrator().Verify(context.Background(), f.ref, f.query)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline cause, got %v", err)
	}
	if files := reportFiles(t, f.cfg.BaseOutputDir); len(files) != 0 {
		t.Errorf("timed out run left reports: %v", files)
	}
}

func TestVerifyCanceled(t *testing.T) {
	f := newFixture(t)
	f.det.delay = map[string]time.Duration{"id_card.png": time.Second, "selfie.png": time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := f.orchestrator().Verify(ctx, f.ref, f.query)
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Errorf("an interrupted run is not a timeout: %v", err)
	}
	if !strings.Contains(err.Error(), "canceled") {
		t.Errorf("unexpected message %q", err.Error())
	}
	if files := reportFiles(t, f.cfg.BaseOutputDir); len(files) != 0 {
		t.Errorf("canceled run left reports: %v", files)
	}
}

func TestVerifyOverlayFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	failing := func(img *imaging.Image, det *types.Detection, path string, quality int) error {
		if strings.Contains(path, "query") {
			return errors.New("disk full")
		}
		return imaging.RenderOverlay(img, det, path, quality)
	}

	out, err := f.orchestrator(WithOverlayRenderer(failing)).Verify(context.Background(), f.ref, f.query)
	if err != nil {
		t.Fatalf("overlay failure should not abort: %v", err)
	}
	if len(out.Overlays) != 1 || filepath.Base(out.Overlays[0]) != "reference_detection.jpg" {
		t.Errorf("Overlays = %v", out.Overlays)
	}
	if _, err := os.Stat(out.ReportPath); err != nil {
		t.Errorf("expected report: %v", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write(dir string, r *types.VerificationReport) (string, error) {
	return "", errors.New("permission denied")
}

func TestVerifyReportWriteFailure(t *testing.T) {
	f := newFixture(t)
	ledger := &stubLedger{}

	_, err := f.orchestrator(WithReportWriter(failingWriter{}), WithLedger(ledger)).Verify(context.Background(), f.ref, f.query)
	if !errors.Is(err, ErrArtifactIO) {
		t.Fatalf("expected ErrArtifactIO, got %v", err)
	}
	if len(ledger.saved) != 0 {
		t.Error("ledger must not record a report that was not persisted")
	}
}

func TestVerifyLedgerFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	ledger := &stubLedger{err: errors.New("connection refused")}

	if _, err := f.orchestrator(WithLedger(ledger)).Verify(context.Background(), f.ref, f.query); err != nil {
		t.Fatalf("ledger failure should not fail the run: %v", err)
	}
}

func TestConcurrentRunsUseSeparateDirectories(t *testing.T) {
	f := newFixture(t)
	o := New(f.cfg, f.det, zap.NewNop())

	const n = 4
	dirs := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := o.Verify(context.Background(), f.ref, f.query)
			errs[i] = err
			if err == nil {
				dirs[i] = out.OutputDir
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("run %d failed: %v", i, errs[i])
		}
		if seen[dirs[i]] {
			t.Fatalf("runs shared output directory %s", dirs[i])
		}
		seen[dirs[i]] = true
	}
	if got := len(reportFiles(t, f.cfg.BaseOutputDir)); got != n {
		t.Errorf("expected %d reports, got %d", n, got)
	}
}

func TestStateString(t *testing.T) {
	if StateQualityChecked.String() != "quality_checked" {
		t.Errorf("unexpected name %q", StateQualityChecked.String())
	}
	if State(99).String() != "unknown" {
		t.Error("out of range state should be unknown")
	}
	if !StateDone.Terminal() || !StateFailed.Terminal() || StateInit.Terminal() {
		t.Error("Terminal() wrong")
	}
}

func TestVerifyUsesInjectedAssembler(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2024, 5, 1, 9, 30, 15, 42e6, time.UTC)
	asm := &report.Assembler{
		Clock: func() time.Time { return at },
		NewID: func() string { return "fixed-id" },
	}

	out, err := f.orchestrator(WithAssembler(asm)).Verify(context.Background(), f.ref, f.query)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if out.Report.Timestamp != "2024-05-01T09:30:15.042Z" {
		t.Errorf("Timestamp = %q", out.Report.Timestamp)
	}
	if filepath.Base(out.ReportPath) != "fixed-id.json" {
		t.Errorf("ReportPath = %q", out.ReportPath)
	}
}
