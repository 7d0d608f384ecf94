//go:build dlib

package cmd

import (
	"go.uber.org/zap"

	"github.com/andresmejia3/faceverify/internal/config"
	"github.com/andresmejia3/faceverify/internal/facedlib"
)

func init() {
	backends["dlib"] = func(cfg config.Config, logger *zap.Logger) (backend, error) {
		d, err := facedlib.New(cfg.ModelsDir)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}
