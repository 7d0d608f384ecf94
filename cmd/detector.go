package cmd

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/andresmejia3/faceverify/internal/config"
	"github.com/andresmejia3/faceverify/internal/pipeline"
	"github.com/andresmejia3/faceverify/internal/worker"
)

// backend is a detector that owns resources until Close.
type backend interface {
	pipeline.Detector
	Close() error
}

type backendFactory func(cfg config.Config, logger *zap.Logger) (backend, error)

// backends maps the `detector` config value to a constructor. Optional
// backends register themselves from build-tagged files.
var backends = map[string]backendFactory{
	"python": func(cfg config.Config, logger *zap.Logger) (backend, error) {
		return worker.NewPool(cfg.PythonBin, cfg.WorkerScript, cfg.Engines, logger), nil
	},
}

func newDetector(cfg config.Config, logger *zap.Logger) (backend, error) {
	factory, ok := backends[cfg.Detector]
	if !ok {
		return nil, fmt.Errorf("unknown detector %q (available: %s)", cfg.Detector, strings.Join(backendNames(), ", "))
	}
	return factory(cfg, logger)
}

func backendNames() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
