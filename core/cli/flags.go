package cli

import (
	"time"

	"github.com/mudler/sdxl-worker/core/config"
	"github.com/mudler/xlog"
)

// WorkerFlags are shared by every command that loads a model.
type WorkerFlags struct {
	Sources    []string `env:"SDXL_MODEL_SOURCES,MODEL_SOURCES" help:"Model sources in priority order: local paths or owner/repo[@revision] identifiers" group:"model"`
	ConfigFile string   `env:"SDXL_CONFIG_FILE,CONFIG_FILE" type:"path" help:"YAML deployment file with sources, bounds, request defaults, degraded mode policy and manifest classes" group:"model"`
	Device     string   `env:"SDXL_DEVICE" enum:"auto,cpu,cuda" default:"auto" help:"Compute device [${enum}]" group:"model"`
	Repair     bool     `env:"SDXL_REPAIR" default:"true" negatable:"" help:"Repair local bundle configuration documents before loading" group:"model"`

	Runtime               string        `env:"SDXL_RUNTIME" enum:"native,sidecar,mock" default:"native" help:"Inference runtime [${enum}]" group:"runtime"`
	RuntimeLibrary        string        `env:"SDXL_RUNTIME_LIBRARY" type:"path" help:"Shared library for the native runtime" group:"runtime"`
	RuntimeCommand        string        `env:"SDXL_RUNTIME_COMMAND" help:"Executable for the sidecar runtime" group:"runtime"`
	RuntimeArgs           []string      `env:"SDXL_RUNTIME_ARGS" help:"Extra arguments for the sidecar runtime" group:"runtime"`
	RuntimeAddress        string        `env:"SDXL_RUNTIME_ADDRESS" help:"URL of an already running sidecar runtime, used instead of starting one" group:"runtime"`
	RuntimeStartupTimeout time.Duration `env:"SDXL_RUNTIME_STARTUP_TIMEOUT" default:"10m" help:"Time to wait for the sidecar runtime to become healthy" group:"runtime"`
	ScratchDir            string        `env:"SDXL_SCRATCH_DIR" type:"path" help:"Directory for temporary runtime output" group:"runtime"`

	HubFetch    bool   `env:"SDXL_HUB_FETCH" default:"false" help:"Download remote repositories into the local cache before loading them" group:"hub"`
	HubEndpoint string `env:"SDXL_HUB_ENDPOINT" help:"HuggingFace endpoint (defaults to HF_ENDPOINT or https://huggingface.co)" group:"hub"`
	HubToken    string `env:"SDXL_HUB_TOKEN" help:"HuggingFace access token (defaults to HF_TOKEN)" group:"hub"`
	HubCacheDir string `env:"SDXL_HUB_CACHE" type:"path" help:"HuggingFace cache directory (defaults to HF_HUB_CACHE)" group:"hub"`
	HubOffline  bool   `env:"SDXL_HUB_OFFLINE" default:"false" help:"Only use snapshots already in the cache" group:"hub"`
}

// appOptions turns the flags into application options. The deployment file is
// applied first so that explicit flags win.
func (f *WorkerFlags) appOptions() ([]config.AppOption, error) {
	var opts []config.AppOption

	if f.ConfigFile != "" {
		d, err := config.LoadDeployment(f.ConfigFile)
		if err != nil {
			return nil, err
		}
		xlog.Info("Loaded deployment file", "file", f.ConfigFile, "sources", d.Sources)
		opts = append(opts, d.Options()...)
	}

	device := f.Device
	if device == "auto" {
		device = ""
	}

	opts = append(opts,
		config.WithSources(f.Sources...),
		config.WithDevice(device),
		config.WithRepair(f.Repair),
		config.WithRuntimeBackend(f.Runtime),
		config.WithRuntimeLibrary(f.RuntimeLibrary),
		config.WithRuntimeCommand(f.RuntimeCommand, f.RuntimeArgs...),
		config.WithRuntimeAddress(f.RuntimeAddress),
		config.WithRuntimeStartupTimeout(f.RuntimeStartupTimeout),
		config.WithScratchDir(f.ScratchDir),
		config.WithHub(config.HubConfig{
			Fetch:    f.HubFetch,
			Endpoint: f.HubEndpoint,
			Token:    f.HubToken,
			CacheDir: f.HubCacheDir,
			Offline:  f.HubOffline,
		}),
	)
	return opts, nil
}
