package main

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/catalog"
	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/engine"
	"github.com/23skdu/longbow-quiver/internal/flightengine"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/model"
)

// openEngine builds the engine selected by cfg for the model in dir. The
// caller closes it.
func openEngine(ctx context.Context, cfg config.Config, dir string, names model.TensorNames) (engine.Engine, error) {
	switch cfg.Engine.Kind {
	case config.EngineMock:
		cat, err := catalog.Load(dir)
		if err != nil {
			return nil, err
		}
		logger.Log.Info("using mock engine", "dir", dir)
		return engine.NewMock(cat, names), nil
	case config.EngineFlight:
		c := flightengine.New(cfg.Engine.Addr, cfg.Engine.Timeout)
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		logger.Log.Info("using flight engine", "addr", cfg.Engine.Addr)
		return c, nil
	}
	return nil, fmt.Errorf("unknown engine kind %q", cfg.Engine.Kind)
}
