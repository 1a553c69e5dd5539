package xsysinfo

import (
	"os"
	"strings"
	"sync"

	"github.com/jaypipes/ghw"
	"github.com/jaypipes/ghw/pkg/gpu"
	"github.com/mudler/xlog"
)

const (
	VendorNVIDIA = "nvidia"
	VendorAMD    = "amd"
)

// forceDeviceEnv overrides detection, e.g. SDXL_FORCE_DEVICE=cpu.
const forceDeviceEnv = "SDXL_FORCE_DEVICE"

var (
	gpuCache     []*gpu.GraphicsCard
	gpuCacheOnce sync.Once
	gpuCacheErr  error
)

func GPUs() ([]*gpu.GraphicsCard, error) {
	gpuCacheOnce.Do(func() {
		info, err := ghw.GPU()
		if err != nil {
			gpuCacheErr = err
			return
		}
		gpuCache = info.GraphicsCards
	})

	return gpuCache, gpuCacheErr
}

// HasGPU reports whether a card of vendor is present. An empty vendor matches any card.
func HasGPU(vendor string) bool {
	gpus, err := GPUs()
	if err != nil {
		return false
	}
	for _, card := range gpus {
		if card.DeviceInfo == nil {
			continue
		}
		if vendor == "" || strings.Contains(strings.ToLower(card.String()), vendor) {
			return true
		}
	}
	return false
}

// DetectDevice returns "cuda" when a CUDA capable card is present, "cpu" otherwise.
func DetectDevice() string {
	if forced := os.Getenv(forceDeviceEnv); forced != "" {
		xlog.Info("device forced from environment", "device", forced)
		return forced
	}
	if HasGPU(VendorNVIDIA) {
		return "cuda"
	}
	xlog.Debug("no NVIDIA GPU detected, running on cpu")
	return "cpu"
}
