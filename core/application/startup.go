package application

import (
	"fmt"

	"github.com/mudler/sdxl-worker/core/backend"
	"github.com/mudler/sdxl-worker/core/config"
	"github.com/mudler/sdxl-worker/core/handler"
	"github.com/mudler/sdxl-worker/metrics"
	"github.com/mudler/sdxl-worker/pkg/downloader"
	"github.com/mudler/sdxl-worker/pkg/model"
	"github.com/mudler/sdxl-worker/pkg/runtime/mock"
	"github.com/mudler/sdxl-worker/pkg/runtime/native"
	"github.com/mudler/sdxl-worker/pkg/runtime/sidecar"
	"github.com/mudler/sdxl-worker/pkg/sdxl"
	"github.com/mudler/sdxl-worker/pkg/xsysinfo"
	"github.com/mudler/xlog"
)

// New wires the runtime, resolver, generator and handler. It does not load the model;
// call Start for that.
func New(opts ...config.AppOption) (*Application, error) {
	options := config.NewApplicationConfig(opts...)

	xlog.Info("Starting sdxl-worker", "sources", options.Sources, "runtime", options.Runtime.Backend)

	gpus, err := xsysinfo.GPUs()
	if err == nil {
		xlog.Debug("GPU count", "count", len(gpus))
		for _, gpu := range gpus {
			xlog.Debug("GPU", "gpu", gpu.String())
		}
	}

	device := model.Device(options.Device)
	if device == "" {
		device = model.Device(xsysinfo.DetectDevice())
	}
	xlog.Info("Using device", "device", device)

	sources, err := model.ParseSources(options.Sources...)
	if err != nil {
		return nil, err
	}

	m, err := metrics.SetupMetrics()
	if err != nil {
		return nil, fmt.Errorf("unable to set up metrics: %w", err)
	}

	rt, err := newRuntime(options)
	if err != nil {
		return nil, err
	}

	resolverOpts := []model.Option{
		model.WithSources(sources...),
		model.WithDevice(device),
		model.WithAttemptObserver(func(src model.Source, err error) {
			m.IncSourceAttempt(string(src.Kind()), err == nil)
		}),
	}
	if options.Repair {
		resolverOpts = append(resolverOpts, model.WithRepairer(sdxl.NewRepairer(sdxl.WithManifestRules(options.Manifest))))
	}
	if options.Hub.Fetch {
		resolverOpts = append(resolverOpts, model.WithFetcher(newHubClient(options.Hub)))
	}

	resolver := model.NewResolver(rt, resolverOpts...)
	generator := backend.NewImageGenerator(resolver, options, m)

	return &Application{
		applicationConfig: options,
		metrics:           m,
		runtime:           rt,
		resolver:          resolver,
		generator:         generator,
		handler:           handler.New(generator, options),
	}, nil
}

// Start preloads the model when configured. A failed preload is logged and
// the next request retries the load.
func (a *Application) Start() {
	if !a.applicationConfig.Preload {
		return
	}
	if err := a.generator.Preload(a.applicationConfig.Context); err != nil {
		xlog.Error("Model preload failed, will retry on the first request", "error", err)
		return
	}
	xlog.Info("Model preloaded")
}

func newRuntime(options *config.ApplicationConfig) (model.Runtime, error) {
	rc := options.Runtime
	switch rc.Backend {
	case "native":
		return native.New(rc.Library, rc.ScratchDir)
	case "sidecar":
		if rc.Address != "" {
			return sidecar.Connect(options.Context, rc.Address, rc.StartupTimeout)
		}
		return sidecar.Start(options.Context, rc.Command, rc.Args, rc.StartupTimeout)
	case "mock":
		xlog.Warn("Using the mock runtime, images are placeholders")
		return mock.New(), nil
	default:
		return nil, fmt.Errorf("unknown runtime backend %q", rc.Backend)
	}
}

func newHubClient(hub config.HubConfig) *downloader.HubClient {
	opts := []downloader.HubOption{
		downloader.WithEndpoint(hub.Endpoint),
		downloader.WithToken(hub.Token),
		downloader.WithCacheDir(hub.CacheDir),
	}
	if hub.Offline {
		opts = append(opts, downloader.WithLocalFilesOnly(true))
	}
	if hub.Progress != nil {
		opts = append(opts, downloader.WithProgress(hub.Progress))
	}
	return downloader.NewHubClient(opts...)
}
