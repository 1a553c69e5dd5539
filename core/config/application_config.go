package config

import (
	"context"
	"time"

	"github.com/mudler/sdxl-worker/pkg/sdxl"
)

var DefaultSources = []string{
	"/runpod-volume/photonicfusion-sdxl",
	"Baileyy/photonicfusion-sdxl",
	"stabilityai/stable-diffusion-xl-base-1.0",
}

type RuntimeConfig struct {
	// Backend is one of "native", "sidecar" or "mock".
	Backend string
	Library string
	Command string
	Args    []string
	// Address of a sidecar managed elsewhere. When set, Command is ignored.
	Address        string
	StartupTimeout time.Duration
	ScratchDir     string
}

type HubConfig struct {
	Fetch    bool
	Endpoint string
	Token    string
	CacheDir string
	Offline  bool
	// Progress receives file name, bytes so far, total bytes and overall percentage.
	Progress func(fileName, current, total string, percentage float64)
}

type ApplicationConfig struct {
	Context context.Context

	Sources []string
	// Device is "cuda" or "cpu". Empty means autodetect.
	Device  string
	Repair  bool
	Preload bool

	Address        string
	UploadLimitMB  int
	DisableMetrics bool

	Runtime RuntimeConfig
	Hub     HubConfig

	Bounds   Bounds
	Defaults RequestDefaults
	Degraded DegradedPolicy
	Manifest sdxl.ManifestRules
}

type AppOption func(*ApplicationConfig)

func NewApplicationConfig(o ...AppOption) *ApplicationConfig {
	opt := &ApplicationConfig{
		Context:       context.Background(),
		Sources:       append([]string(nil), DefaultSources...),
		Repair:        true,
		Preload:       true,
		Address:       ":8080",
		UploadLimitMB: 15,
		Runtime: RuntimeConfig{
			Backend:        "native",
			StartupTimeout: 10 * time.Minute,
		},
		Bounds:   DefaultBounds(),
		Defaults: DefaultRequestDefaults(),
		Degraded: DefaultDegradedPolicy(),
		Manifest: sdxl.DefaultManifestRules(),
	}
	for _, oo := range o {
		oo(opt)
	}
	return opt
}

func WithContext(ctx context.Context) AppOption {
	return func(o *ApplicationConfig) {
		o.Context = ctx
	}
}

// WithSources replaces the source list. Order is priority.
func WithSources(sources ...string) AppOption {
	return func(o *ApplicationConfig) {
		if len(sources) > 0 {
			o.Sources = sources
		}
	}
}

func WithDevice(device string) AppOption {
	return func(o *ApplicationConfig) {
		o.Device = device
	}
}

func WithRepair(b bool) AppOption {
	return func(o *ApplicationConfig) {
		o.Repair = b
	}
}

func WithPreload(b bool) AppOption {
	return func(o *ApplicationConfig) {
		o.Preload = b
	}
}

func WithAddress(addr string) AppOption {
	return func(o *ApplicationConfig) {
		o.Address = addr
	}
}

func WithUploadLimitMB(limit int) AppOption {
	return func(o *ApplicationConfig) {
		o.UploadLimitMB = limit
	}
}

var DisableMetricsEndpoint AppOption = func(o *ApplicationConfig) {
	o.DisableMetrics = true
}

func WithRuntimeBackend(backend string) AppOption {
	return func(o *ApplicationConfig) {
		if backend != "" {
			o.Runtime.Backend = backend
		}
	}
}

func WithRuntimeLibrary(path string) AppOption {
	return func(o *ApplicationConfig) {
		o.Runtime.Library = path
	}
}

func WithRuntimeCommand(command string, args ...string) AppOption {
	return func(o *ApplicationConfig) {
		o.Runtime.Command = command
		o.Runtime.Args = args
	}
}

func WithRuntimeAddress(address string) AppOption {
	return func(o *ApplicationConfig) {
		o.Runtime.Address = address
	}
}

func WithRuntimeStartupTimeout(d time.Duration) AppOption {
	return func(o *ApplicationConfig) {
		if d > 0 {
			o.Runtime.StartupTimeout = d
		}
	}
}

func WithScratchDir(dir string) AppOption {
	return func(o *ApplicationConfig) {
		o.Runtime.ScratchDir = dir
	}
}

func WithHub(hub HubConfig) AppOption {
	return func(o *ApplicationConfig) {
		o.Hub = hub
	}
}

func WithDownloadProgress(fn func(fileName, current, total string, percentage float64)) AppOption {
	return func(o *ApplicationConfig) {
		o.Hub.Progress = fn
	}
}

func WithBounds(b Bounds) AppOption {
	return func(o *ApplicationConfig) {
		o.Bounds = b
	}
}

func WithRequestDefaults(d RequestDefaults) AppOption {
	return func(o *ApplicationConfig) {
		o.Defaults = d
	}
}

func WithDegradedPolicy(p DegradedPolicy) AppOption {
	return func(o *ApplicationConfig) {
		o.Degraded = p
	}
}

func WithManifestRules(m sdxl.ManifestRules) AppOption {
	return func(o *ApplicationConfig) {
		o.Manifest = m
	}
}
