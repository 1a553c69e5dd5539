package application

import (
	"context"
	"errors"

	"github.com/mudler/sdxl-worker/core/backend"
	"github.com/mudler/sdxl-worker/core/config"
	"github.com/mudler/sdxl-worker/core/handler"
	"github.com/mudler/sdxl-worker/metrics"
	"github.com/mudler/sdxl-worker/pkg/model"
)

type Application struct {
	applicationConfig *config.ApplicationConfig
	metrics           *metrics.Metrics
	runtime           model.Runtime
	resolver          *model.Resolver
	generator         *backend.ImageGenerator
	handler           *handler.Handler
}

func (a *Application) ApplicationConfig() *config.ApplicationConfig {
	return a.applicationConfig
}

func (a *Application) Metrics() *metrics.Metrics {
	return a.metrics
}

func (a *Application) Resolver() *model.Resolver {
	return a.resolver
}

func (a *Application) Generator() *backend.ImageGenerator {
	return a.generator
}

func (a *Application) Handler() *handler.Handler {
	return a.handler
}

// Ready tells whether a model is resident.
func (a *Application) Ready() bool {
	return a.generator.Loaded()
}

// Shutdown releases the model, stops the runtime and flushes metrics.
func (a *Application) Shutdown(ctx context.Context) error {
	return errors.Join(
		a.generator.Close(),
		a.runtime.Close(),
		a.metrics.Shutdown(ctx),
	)
}
