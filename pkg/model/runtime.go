package model

import (
	"context"
	"errors"
	"image"
)

var (
	// ErrOutOfMemory is returned by runtimes when the device ran out of memory.
	ErrOutOfMemory = errors.New("device out of memory")
	// ErrVariantUnavailable is returned by Runtime.Load when the requested weight variant is not on disk.
	ErrVariantUnavailable = errors.New("weight variant unavailable")
)

type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// Accelerated tells whether the device is a GPU.
func (d Device) Accelerated() bool {
	return d != DeviceCPU && d != ""
}

type DType string

const (
	DTypeFloat32 DType = "float32"
	DTypeFloat16 DType = "float16"
)

// DefaultScheduler is installed on every loaded pipeline.
const DefaultScheduler = "EulerDiscreteScheduler"

// LoadOptions is what the resolver asks a Runtime to load.
type LoadOptions struct {
	DType DType `json:"dtype"`
	// Variant is the weight file variant ("fp16"), empty for the standard files.
	Variant        string `json:"variant,omitempty"`
	UseSafetensors bool   `json:"use_safetensors"`
	LocalFilesOnly bool   `json:"local_files_only"`
}

// GenerateParams are passed verbatim to the pipeline.
type GenerateParams struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"num_inference_steps"`
	GuidanceScale  float64 `json:"guidance_scale"`
	Images         int     `json:"num_images_per_prompt"`
	// Seed makes generation deterministic when set.
	Seed *int64 `json:"seed,omitempty"`
}

// Runtime loads diffusion pipelines. Implementations wrap the tensor engine.
type Runtime interface {
	Load(ctx context.Context, location string, opts LoadOptions) (Pipeline, error)
	// EmptyCache releases cached device memory.
	EmptyCache()
	Close() error
}

// Pipeline is a loaded SDXL pipeline. It is not safe for concurrent use.
type Pipeline interface {
	UseScheduler(name string) error
	To(device Device) error
	EnableAttentionSlicing() error
	EnableModelCPUOffload() error
	EnableMemoryEfficientAttention() error
	Generate(ctx context.Context, params GenerateParams) ([]image.Image, error)
	Release() error
}
