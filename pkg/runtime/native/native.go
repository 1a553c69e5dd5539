// Package native drives an SDXL engine exported by a shared library.
// The library is opened with purego, no cgo toolchain is needed at build time.
package native

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/mudler/sdxl-worker/pkg/model"
	"github.com/mudler/xlog"
)

// Feature names understood by sdxl_enable.
const (
	FeatureAttentionSlicing = "attention_slicing"
	FeatureCPUOffload       = "model_cpu_offload"
	FeatureEfficientAttn    = "memory_efficient_attention"
)

// Runtime calls into the library under a single lock so that
// sdxl_last_error always describes the call that just failed.
type Runtime struct {
	mu         sync.Mutex
	lib        *library
	scratchDir string
}

// New opens the library at path. Generated images are staged under scratchDir.
func New(path, scratchDir string) (*Runtime, error) {
	lib, err := openLibrary(path)
	if err != nil {
		return nil, err
	}
	xlog.Info("native runtime loaded", "library", path)
	return newRuntime(lib, scratchDir), nil
}

func newRuntime(lib *library, scratchDir string) *Runtime {
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	return &Runtime{lib: lib, scratchDir: scratchDir}
}

// call maps a return code to an error, reading the library's last error message.
func (r *Runtime) call(op string, fn func() int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	code := fn()
	if code == codeOK {
		return nil
	}
	msg := r.lib.LastError()
	switch code {
	case codeOutOfMemory:
		return fmt.Errorf("%s: %w: %s", op, model.ErrOutOfMemory, msg)
	case codeVariantUnavailable:
		return fmt.Errorf("%s: %w: %s", op, model.ErrVariantUnavailable, msg)
	default:
		return fmt.Errorf("%s failed (code %d): %s", op, code, msg)
	}
}

func (r *Runtime) Load(ctx context.Context, location string, opts model.LoadOptions) (model.Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var handle int64
	err := r.call("sdxl_load", func() int32 {
		return r.lib.Load(location, string(opts.DType), opts.Variant, opts.UseSafetensors, opts.LocalFilesOnly, &handle)
	})
	if err != nil {
		return nil, err
	}
	return &Pipeline{runtime: r, handle: handle}, nil
}

func (r *Runtime) EmptyCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lib.EmptyCache()
}

func (r *Runtime) Close() error {
	return nil
}

type Pipeline struct {
	runtime *Runtime
	handle  int64
}

func (p *Pipeline) UseScheduler(name string) error {
	return p.runtime.call("sdxl_set_scheduler", func() int32 { return p.runtime.lib.SetScheduler(p.handle, name) })
}

func (p *Pipeline) To(device model.Device) error {
	return p.runtime.call("sdxl_to", func() int32 { return p.runtime.lib.To(p.handle, string(device)) })
}

func (p *Pipeline) enable(feature string) error {
	return p.runtime.call("sdxl_enable", func() int32 { return p.runtime.lib.Enable(p.handle, feature) })
}

func (p *Pipeline) EnableAttentionSlicing() error { return p.enable(FeatureAttentionSlicing) }

func (p *Pipeline) EnableModelCPUOffload() error { return p.enable(FeatureCPUOffload) }

func (p *Pipeline) EnableMemoryEfficientAttention() error { return p.enable(FeatureEfficientAttn) }

// Generate blocks until the library returns; ctx is only checked up front.
func (p *Pipeline) Generate(ctx context.Context, params model.GenerateParams) ([]image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outDir := filepath.Join(p.runtime.scratchDir, "sdxl-"+uuid.NewString())
	if err := os.MkdirAll(outDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	var seed int64
	if params.Seed != nil {
		seed = *params.Seed
	}
	err := p.runtime.call("sdxl_generate", func() int32 {
		return p.runtime.lib.Generate(p.handle, params.Prompt, params.NegativePrompt,
			int32(params.Width), int32(params.Height), int32(params.Steps),
			float32(params.GuidanceScale), int32(params.Images), seed, params.Seed != nil, outDir)
	})
	if err != nil {
		return nil, err
	}
	return readImages(outDir)
}

func (p *Pipeline) Release() error {
	return p.runtime.call("sdxl_release", func() int32 { return p.runtime.lib.Release(p.handle) })
}

// readImages decodes every PNG in dir in file name order.
func readImages(dir string) ([]image.Image, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.png"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.New("runtime produced no images")
	}
	sort.Strings(files)

	images := make([]image.Image, 0, len(files))
	for _, f := range files {
		img, err := decodePNG(f)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(f), err)
		}
		images = append(images, img)
	}
	return images, nil
}

func decodePNG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return png.Decode(f)
}
