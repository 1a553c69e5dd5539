package model

import (
	"context"

	"github.com/mudler/sdxl-worker/pkg/sdxl"
)

// Fetcher materialises a remote repository on local disk and returns the snapshot path.
type Fetcher interface {
	Snapshot(ctx context.Context, repository, revision, variant string) (string, error)
}

type Option func(*Resolver)

func WithSources(sources ...Source) Option {
	return func(r *Resolver) {
		r.sources = append(r.sources, sources...)
	}
}

func WithDevice(d Device) Option {
	return func(r *Resolver) {
		r.device = d
	}
}

// WithRepairer enables config repair of local sources before they are validated a second time.
func WithRepairer(repairer *sdxl.Repairer) Option {
	return func(r *Resolver) {
		r.repairer = repairer
	}
}

func WithFetcher(f Fetcher) Option {
	return func(r *Resolver) {
		r.fetcher = f
	}
}

// WithAttemptObserver is called after every source attempt with its outcome.
func WithAttemptObserver(fn func(Source, error)) Option {
	return func(r *Resolver) {
		r.observer = fn
	}
}
