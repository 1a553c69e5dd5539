package backend

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/mudler/sdxl-worker/core/config"
	"github.com/mudler/sdxl-worker/metrics"
	"github.com/mudler/sdxl-worker/pkg/model"
	"github.com/mudler/sdxl-worker/pkg/xsysinfo"
	"github.com/mudler/xlog"
	"golang.org/x/sync/singleflight"
)

var (
	ErrMissingParameter  = errors.New("missing required parameter")
	ErrResourceExhausted = errors.New("CUDA OOM and retry failed")
	ErrGenerationFailed  = errors.New("generation failed")
)

// MissingParameterError names the absent parameter. The message is returned to callers verbatim.
type MissingParameterError struct {
	Param string
}

func (e *MissingParameterError) Error() string {
	return "Missing required parameter: " + e.Param
}

func (e *MissingParameterError) Is(target error) bool {
	return target == ErrMissingParameter
}

// Resolver produces the resident model. *model.Resolver satisfies it.
type Resolver interface {
	Resolve(ctx context.Context) (*model.LoadedModel, error)
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeOOM
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeOK:
		return "ok"
	case outcomeOOM:
		return "oom"
	}
	return "failed"
}

func classify(err error) outcome {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, model.ErrOutOfMemory):
		return outcomeOOM
	}
	return outcomeFailed
}

// ImageGenerator owns the single resident pipeline. The model is loaded on first
// use, concurrent first callers share one load, and generations run one at a time.
type ImageGenerator struct {
	resolver Resolver
	bounds   config.Bounds
	degraded config.DegradedPolicy
	metrics  *metrics.Metrics

	loadGroup singleflight.Group

	mu     sync.RWMutex
	loaded *model.LoadedModel

	// generation and its cleanup never overlap
	genMu sync.Mutex
}

func NewImageGenerator(resolver Resolver, appConfig *config.ApplicationConfig, m *metrics.Metrics) *ImageGenerator {
	return &ImageGenerator{
		resolver: resolver,
		bounds:   appConfig.Bounds,
		degraded: appConfig.Degraded,
		metrics:  m,
	}
}

// Loaded reports whether a pipeline is resident.
func (g *ImageGenerator) Loaded() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.loaded != nil
}

func (g *ImageGenerator) current() *model.LoadedModel {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.loaded
}

// Model returns the resident model, loading it when needed. A failed load is not
// cached: the next call tries the sources again.
func (g *ImageGenerator) Model(ctx context.Context) (*model.LoadedModel, error) {
	if m := g.current(); m != nil {
		return m, nil
	}

	v, err, shared := g.loadGroup.Do("model", func() (any, error) {
		if m := g.current(); m != nil {
			return m, nil
		}

		start := time.Now()
		// one caller going away must not abort the load for the others
		m, err := g.resolver.Resolve(context.WithoutCancel(ctx))
		g.metrics.ObserveModelLoad(err == nil, time.Since(start))
		if err != nil {
			return nil, err
		}

		g.mu.Lock()
		g.loaded = m
		g.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		xlog.Debug("model load shared between concurrent callers")
	}
	return v.(*model.LoadedModel), nil
}

func (g *ImageGenerator) Preload(ctx context.Context) error {
	_, err := g.Model(ctx)
	return err
}

// Generate validates and clamps req, then runs it on the resident pipeline. Running out
// of device memory is retried once with reduced parameters; any other failure is final.
func (g *ImageGenerator) Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &MissingParameterError{Param: "prompt"}
	}
	req = req.Clamp(g.bounds)

	m, err := g.Model(ctx)
	if err != nil {
		return nil, err
	}

	g.genMu.Lock()
	defer g.genMu.Unlock()
	defer g.cleanup(m)

	start := time.Now()
	images, used, degraded, err := g.run(ctx, m, req)
	if err != nil {
		g.metrics.ObserveGeneration(classify(err).String(), degraded, 0, time.Since(start))
		return nil, err
	}

	encoded, err := EncodeImages(images)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	g.metrics.ObserveGeneration(outcomeOK.String(), degraded, len(encoded), time.Since(start))

	result := &GenerationResult{
		Images:   encoded,
		Request:  used,
		Degraded: degraded,
		Source:   m.Source.Location(),
	}
	if degraded {
		result.Note = g.degraded.Note
	}
	xlog.Info("generated images", "count", len(encoded), "width", used.Width, "height", used.Height, "steps", used.Steps, "degraded", degraded, "took", time.Since(start))
	return result, nil
}

// run is not cancellable: a generation in flight always completes so the next one never overlaps it.
func (g *ImageGenerator) run(ctx context.Context, m *model.LoadedModel, req GenerationRequest) ([]image.Image, GenerationRequest, bool, error) {
	ctx = context.WithoutCancel(ctx)
	images, err := m.Pipeline.Generate(ctx, req.params())
	switch classify(err) {
	case outcomeOK:
		return images, req, false, nil
	case outcomeFailed:
		return nil, req, false, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	degraded := req.Degrade(g.degraded)
	xlog.Warn("device out of memory, retrying once with reduced quality",
		"error", err,
		"width", degraded.Width, "height", degraded.Height, "steps", degraded.Steps)
	g.metrics.IncOOMRetry()

	m.EmptyCache()
	runtime.GC()
	if derr := degradePipeline(m.Pipeline, m.Device); derr != nil {
		xlog.Warn("could not apply all memory saving toggles", "error", derr)
	}

	images, err = m.Pipeline.Generate(ctx, degraded.params())
	switch classify(err) {
	case outcomeOK:
		return images, degraded, true, nil
	case outcomeOOM:
		return nil, degraded, true, fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}
	return nil, degraded, true, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
}

// degradePipeline forces CPU offload and reapplies the memory toggles.
func degradePipeline(p model.Pipeline, device model.Device) error {
	err := p.EnableModelCPUOffload()
	if e := p.EnableAttentionSlicing(); e != nil {
		err = errors.Join(err, e)
	}
	if device.Accelerated() {
		if e := p.EnableMemoryEfficientAttention(); e != nil {
			err = errors.Join(err, e)
		}
	}
	return err
}

// cleanup releases device and host memory after every request, successful or not.
func (g *ImageGenerator) cleanup(m *model.LoadedModel) {
	m.EmptyCache()
	runtime.GC()
	debug.FreeOSMemory()
	xsysinfo.LogRAM("memory after generation")
}

// Close releases the resident pipeline. A later Generate loads it again.
func (g *ImageGenerator) Close() error {
	g.genMu.Lock()
	defer g.genMu.Unlock()

	g.mu.Lock()
	m := g.loaded
	g.loaded = nil
	g.mu.Unlock()

	if m == nil {
		return nil
	}
	xlog.Info("releasing model", "source", m.Source.Location())
	return m.Release()
}
