// Package mock is an in-process runtime that paints solid colour images.
// It is used to smoke test deployments and by the test suites.
package mock

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mudler/sdxl-worker/pkg/model"
)

const (
	ToggleAttentionSlicing = "attention_slicing"
	ToggleCPUOffload       = "model_cpu_offload"
	ToggleEfficientAttn    = "memory_efficient_attention"
)

type Load struct {
	Location string
	Options  model.LoadOptions
}

type Runtime struct {
	mu sync.Mutex

	loadErrors     map[string][]error
	toggleErrors   map[string]error
	generateErrors []error
	generateDelay  time.Duration
	checkWeights   bool

	loads      []Load
	pipelines  []*Pipeline
	emptyCache int
	closed     bool
}

type Option func(*Runtime)

// WithLoadErrors queues errors returned by successive loads of location.
func WithLoadErrors(location string, errs ...error) Option {
	return func(r *Runtime) {
		r.loadErrors[location] = append(r.loadErrors[location], errs...)
	}
}

func WithToggleError(toggle string, err error) Option {
	return func(r *Runtime) {
		r.toggleErrors[toggle] = err
	}
}

// WithGenerateErrors queues errors returned by successive Generate calls. A nil entry succeeds.
func WithGenerateErrors(errs ...error) Option {
	return func(r *Runtime) {
		r.generateErrors = append(r.generateErrors, errs...)
	}
}

func WithGenerateDelay(d time.Duration) Option {
	return func(r *Runtime) {
		r.generateDelay = d
	}
}

// WithWeightCheck makes loads of local bundles fail with model.ErrVariantUnavailable
// when the requested variant's unet weights are not on disk.
func WithWeightCheck() Option {
	return func(r *Runtime) {
		r.checkWeights = true
	}
}

func New(opts ...Option) *Runtime {
	r := &Runtime{
		loadErrors:   map[string][]error{},
		toggleErrors: map[string]error{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Runtime) Load(ctx context.Context, location string, opts model.LoadOptions) (model.Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.loads = append(r.loads, Load{Location: location, Options: opts})

	if q := r.loadErrors[location]; len(q) > 0 {
		err := q[0]
		r.loadErrors[location] = q[1:]
		if err != nil {
			return nil, err
		}
	}

	if r.checkWeights {
		if err := checkVariant(location, opts.Variant); err != nil {
			return nil, err
		}
	}

	p := &Pipeline{runtime: r, Location: location, Options: opts, Device: model.DeviceCPU}
	r.pipelines = append(r.pipelines, p)
	return p, nil
}

func checkVariant(location, variant string) error {
	st, err := os.Stat(location)
	if err != nil || !st.IsDir() {
		return nil
	}
	name := "diffusion_pytorch_model.safetensors"
	if variant != "" {
		name = "diffusion_pytorch_model." + variant + ".safetensors"
	}
	if _, err := os.Stat(filepath.Join(location, "unet", name)); err != nil {
		return fmt.Errorf("%w: %s", model.ErrVariantUnavailable, name)
	}
	return nil
}

func (r *Runtime) EmptyCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emptyCache++
}

func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *Runtime) Loads() []Load {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Load(nil), r.loads...)
}

func (r *Runtime) Pipelines() []*Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Pipeline(nil), r.pipelines...)
}

func (r *Runtime) EmptyCacheCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emptyCache
}

func (r *Runtime) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Runtime) nextGenerateError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.generateErrors) == 0 {
		return nil
	}
	err := r.generateErrors[0]
	r.generateErrors = r.generateErrors[1:]
	return err
}

type Pipeline struct {
	runtime *Runtime
	mu      sync.Mutex

	Location  string
	Options   model.LoadOptions
	Scheduler string
	Device    model.Device
	Toggles   []string
	Calls     []model.GenerateParams
	Released  bool
	active    int
	maxActive int
}

func (p *Pipeline) toggle(name string) error {
	p.runtime.mu.Lock()
	err := p.runtime.toggleErrors[name]
	p.runtime.mu.Unlock()
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Toggles = append(p.Toggles, name)
	return nil
}

func (p *Pipeline) UseScheduler(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Scheduler = name
	return nil
}

func (p *Pipeline) To(device model.Device) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Device = device
	return nil
}

func (p *Pipeline) EnableAttentionSlicing() error { return p.toggle(ToggleAttentionSlicing) }

func (p *Pipeline) EnableModelCPUOffload() error { return p.toggle(ToggleCPUOffload) }

func (p *Pipeline) EnableMemoryEfficientAttention() error { return p.toggle(ToggleEfficientAttn) }

func (p *Pipeline) Generate(ctx context.Context, params model.GenerateParams) ([]image.Image, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, params)
	p.active++
	if p.active > p.maxActive {
		p.maxActive = p.active
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()

	if p.runtime.generateDelay > 0 {
		select {
		case <-time.After(p.runtime.generateDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := p.runtime.nextGenerateError(); err != nil {
		return nil, err
	}

	seed := time.Now().UnixNano()
	if params.Seed != nil {
		seed = *params.Seed
	}
	rnd := rand.New(rand.NewSource(seed))

	images := make([]image.Image, 0, params.Images)
	for i := 0; i < params.Images; i++ {
		img := image.NewRGBA(image.Rect(0, 0, params.Width, params.Height))
		c := color.RGBA{R: uint8(rnd.Intn(256)), G: uint8(rnd.Intn(256)), B: uint8(rnd.Intn(256)), A: 255}
		draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
		images = append(images, img)
	}
	return images, nil
}

func (p *Pipeline) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Released = true
	return nil
}

// GenerateCalls returns a copy of the parameters passed to Generate.
func (p *Pipeline) GenerateCalls() []model.GenerateParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.GenerateParams(nil), p.Calls...)
}

func (p *Pipeline) EnabledToggles() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Toggles...)
}

func (p *Pipeline) IsReleased() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Released
}

// MaxConcurrent is the highest number of overlapping Generate calls observed.
func (p *Pipeline) MaxConcurrent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxActive
}

var _ model.Runtime = &Runtime{}
var _ model.Pipeline = &Pipeline{}
