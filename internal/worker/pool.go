package worker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/andresmejia3/faceverify/internal/imaging"
	"github.com/andresmejia3/faceverify/internal/types"
)

// Pool hands images to a fixed number of Python engines. Engines start on
// first use. An engine that crashes or stops answering is thrown away and
// its slot respawns on the next request.
type Pool struct {
	slots  chan *PythonWorker // nil entries are free slots with no process yet
	start  func(id int) (*PythonWorker, error)
	logger *zap.Logger

	mu     sync.Mutex
	nextID int
}

// NewPool sizes the pool to engines slots running `bin -u script`.
func NewPool(bin, script string, engines int, logger *zap.Logger) *Pool {
	return newPool(engines, func(id int) (*PythonWorker, error) {
		return NewPythonWorker(id, bin, script)
	}, logger)
}

func newPool(engines int, start func(id int) (*PythonWorker, error), logger *zap.Logger) *Pool {
	if engines < 1 {
		engines = 1
	}
	p := &Pool{
		slots:  make(chan *PythonWorker, engines),
		start:  start,
		logger: logger.Named("worker"),
	}
	for i := 0; i < engines; i++ {
		p.slots <- nil
	}
	return p
}

type frameResult struct {
	faces []types.Detection
	err   error
}

// DetectPrimaryFace returns the first face the engine reports for img, or
// nil when there is none.
func (p *Pool) DetectPrimaryFace(ctx context.Context, img *imaging.Image) (*types.Detection, error) {
	var w *PythonWorker
	select {
	case w = <-p.slots:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if w == nil {
		var err error
		if w, err = p.spawn(); err != nil {
			p.slots <- nil
			return nil, err
		}
	}

	done := make(chan frameResult, 1)
	go func() {
		faces, err := w.ProcessFrame(img.Data)
		done <- frameResult{faces, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if isRemote(res.err) {
				p.slots <- w
				return nil, res.err
			}
			p.discard(w)
			if logs := w.Logs(); logs != "" {
				return nil, fmt.Errorf("worker %d crashed: %w\n%s", w.ID, res.err, logs)
			}
			return nil, fmt.Errorf("worker %d crashed: %w", w.ID, res.err)
		}
		p.slots <- w

		p.logger.Debug("frame processed",
			zap.Int("worker", w.ID),
			zap.String("image", img.Name),
			zap.Int("faces", len(res.faces)),
		)
		if len(res.faces) == 0 {
			return nil, nil
		}
		det := res.faces[0]
		return &det, nil

	case <-ctx.Done():
		// The engine is mid-frame and its pipes are out of sync; kill it.
		w.Kill()
		go func() {
			<-done
			p.discard(w)
		}()
		return nil, ctx.Err()
	}
}

func (p *Pool) spawn() (*PythonWorker, error) {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	w, err := p.start(id)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("worker started", zap.Int("worker", id))
	return w, nil
}

// discard closes w and frees its slot.
func (p *Pool) discard(w *PythonWorker) {
	w.Kill()
	w.Close()
	p.logger.Warn("worker discarded", zap.Int("worker", w.ID), zap.String("stderr", w.Logs()))
	p.slots <- nil
}

// Close stops every engine. It waits for in-flight frames to come back.
func (p *Pool) Close() error {
	for i := 0; i < cap(p.slots); i++ {
		if w := <-p.slots; w != nil {
			w.Close()
		}
	}
	return nil
}
