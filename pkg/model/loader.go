package model

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mudler/sdxl-worker/pkg/sdxl"
	"github.com/mudler/xlog"
)

var ErrAllSourcesExhausted = errors.New("all model sources exhausted")

// Attempt records why a source was passed over.
type Attempt struct {
	Source Source
	Err    error
}

// ExhaustedError is returned when no source could be loaded. It unwraps to the last failure.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Last() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return ErrAllSourcesExhausted.Error() + ": no sources configured"
	}
	tried := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		tried = append(tried, a.Source.String())
	}
	return fmt.Sprintf("%s (tried %s): %v", ErrAllSourcesExhausted, strings.Join(tried, ", "), e.Last())
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last()
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllSourcesExhausted
}

// Resolver walks the configured sources in priority order and loads the first usable one.
type Resolver struct {
	runtime  Runtime
	sources  []Source
	device   Device
	repairer *sdxl.Repairer
	fetcher  Fetcher
	observer func(Source, error)
}

func NewResolver(runtime Runtime, opts ...Option) *Resolver {
	r := &Resolver{
		runtime: runtime,
		device:  DeviceCPU,
	}
	for _, o := range opts {
		o(r)
	}
	sort.SliceStable(r.sources, func(i, j int) bool {
		return r.sources[i].Priority() < r.sources[j].Priority()
	})
	return r
}

func (r *Resolver) Sources() []Source {
	return r.sources
}

func (r *Resolver) Device() Device {
	return r.device
}

func (r *Resolver) Runtime() Runtime {
	return r.runtime
}

// Resolve tries each source once, strictly in order, and stops at the first success.
func (r *Resolver) Resolve(ctx context.Context) (*LoadedModel, error) {
	exhausted := &ExhaustedError{}

	for _, src := range r.sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		xlog.Info("trying model source", "source", src.Location(), "kind", src.Kind(), "priority", src.Priority())
		start := time.Now()
		m, err := r.try(ctx, src)
		if r.observer != nil {
			r.observer(src, err)
		}
		if err == nil {
			xlog.Info("model loaded", "source", src.Location(), "device", m.Device, "dtype", m.DType, "variant", m.Variant, "took", time.Since(start))
			return m, nil
		}

		xlog.Warn("model source failed", "source", src.Location(), "kind", src.Kind(), "error", err)
		exhausted.Attempts = append(exhausted.Attempts, Attempt{Source: src, Err: err})
	}

	xlog.Error("no model source could be loaded", "attempts", len(exhausted.Attempts))
	return nil, exhausted
}

func (r *Resolver) try(ctx context.Context, src Source) (*LoadedModel, error) {
	prep, err := src.prepare(ctx, r)
	if err != nil {
		return nil, err
	}

	opts := LoadOptions{
		DType:          r.dtype(),
		Variant:        r.preferredVariant(prep.report),
		UseSafetensors: true,
		LocalFilesOnly: prep.localFilesOnly,
	}

	pipe, opts, err := r.load(ctx, prep.location, opts)
	if err != nil {
		r.runtime.EmptyCache()
		return nil, err
	}

	if err := r.configure(pipe); err != nil {
		if rerr := pipe.Release(); rerr != nil {
			xlog.Debug("failed releasing pipeline", "error", rerr)
		}
		r.runtime.EmptyCache()
		return nil, err
	}

	return &LoadedModel{
		Pipeline: pipe,
		Source:   src,
		Location: prep.location,
		Device:   r.device,
		DType:    opts.DType,
		Variant:  opts.Variant,
		Report:   prep.report,
		LoadedAt: time.Now(),
		runtime:  r.runtime,
	}, nil
}

// load asks the runtime for the pipeline, falling back to the standard weights once
// when the requested variant is not available.
func (r *Resolver) load(ctx context.Context, location string, opts LoadOptions) (Pipeline, LoadOptions, error) {
	pipe, err := r.runtime.Load(ctx, location, opts)
	if err == nil {
		return pipe, opts, nil
	}
	if opts.Variant == "" || !errors.Is(err, ErrVariantUnavailable) {
		return nil, opts, err
	}

	xlog.Info("weight variant not available, loading standard weights", "source", location, "variant", opts.Variant)
	r.runtime.EmptyCache()
	opts.Variant = ""
	pipe, err = r.runtime.Load(ctx, location, opts)
	return pipe, opts, err
}

func (r *Resolver) configure(p Pipeline) error {
	if err := p.UseScheduler(DefaultScheduler); err != nil {
		return fmt.Errorf("failed to set scheduler: %w", err)
	}
	if err := p.To(r.device); err != nil {
		return fmt.Errorf("failed to move pipeline to %s: %w", r.device, err)
	}
	logOptimize(p, r.device)
	return nil
}

func (r *Resolver) dtype() DType {
	if r.device.Accelerated() {
		return DTypeFloat16
	}
	return DTypeFloat32
}

// preferredVariant picks the reduced precision files on accelerators, or when they are all there is.
func (r *Resolver) preferredVariant(report *sdxl.ValidationReport) string {
	if r.device.Accelerated() || (report != nil && report.ReducedPrecisionOnly()) {
		return sdxl.ReducedVariant
	}
	return ""
}
