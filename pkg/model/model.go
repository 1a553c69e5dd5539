package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/mudler/sdxl-worker/pkg/sdxl"
	"github.com/mudler/xlog"
)

// LoadedModel is the single resident pipeline of the process.
type LoadedModel struct {
	Pipeline Pipeline
	Source   Source
	Location string
	Device   Device
	DType    DType
	Variant  string
	Report   *sdxl.ValidationReport
	LoadedAt time.Time

	runtime Runtime
}

// EmptyCache releases cached device memory.
func (m *LoadedModel) EmptyCache() {
	if m.runtime != nil {
		m.runtime.EmptyCache()
	}
}

// Release frees the pipeline and the device memory it held.
func (m *LoadedModel) Release() error {
	err := m.Pipeline.Release()
	m.EmptyCache()
	return err
}

// Optimize applies the memory toggles for device. Failures are returned joined, callers only log them.
func Optimize(p Pipeline, device Device) error {
	var err error
	if e := p.EnableAttentionSlicing(); e != nil {
		err = errors.Join(err, fmt.Errorf("attention slicing: %w", e))
	}
	if !device.Accelerated() {
		return err
	}
	if e := p.EnableModelCPUOffload(); e != nil {
		err = errors.Join(err, fmt.Errorf("model cpu offload: %w", e))
	}
	if e := p.EnableMemoryEfficientAttention(); e != nil {
		err = errors.Join(err, fmt.Errorf("memory efficient attention: %w", e))
	}
	return err
}

func logOptimize(p Pipeline, device Device) {
	if err := Optimize(p, device); err != nil {
		xlog.Warn("some pipeline optimizations are unavailable", "device", device, "error", err)
	}
}
