package native

import (
	"fmt"
	"runtime"

	"github.com/ebitengine/purego"
)

// Return codes of the shared library.
const (
	codeOK                 int32 = 0
	codeFailure            int32 = 1
	codeOutOfMemory        int32 = 2
	codeVariantUnavailable int32 = 3
)

// library is the C ABI exported by libsdxl. sdxl_generate writes zero padded
// NNN.png files into outDir.
type library struct {
	Load         func(path, dtype, variant string, safetensors, localOnly bool, handle *int64) int32
	SetScheduler func(handle int64, name string) int32
	To           func(handle int64, device string) int32
	Enable       func(handle int64, feature string) int32
	Generate     func(handle int64, prompt, negative string, width, height, steps int32, guidance float32, images int32, seed int64, hasSeed bool, outDir string) int32
	EmptyCache   func()
	Release      func(handle int64) int32
	LastError    func() string
}

type libFunc struct {
	FuncPtr any
	Name    string
}

func DefaultLibrary() string {
	switch runtime.GOOS {
	case "darwin":
		return "./libsdxl.dylib"
	default:
		return "./libsdxl.so"
	}
}

func openLibrary(path string) (*library, error) {
	if path == "" {
		path = DefaultLibrary()
	}
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	lib := &library{}
	libFuncs := []libFunc{
		{&lib.Load, "sdxl_load"},
		{&lib.SetScheduler, "sdxl_set_scheduler"},
		{&lib.To, "sdxl_to"},
		{&lib.Enable, "sdxl_enable"},
		{&lib.Generate, "sdxl_generate"},
		{&lib.EmptyCache, "sdxl_empty_cache"},
		{&lib.Release, "sdxl_release"},
		{&lib.LastError, "sdxl_last_error"},
	}
	for _, lf := range libFuncs {
		purego.RegisterLibFunc(lf.FuncPtr, handle, lf.Name)
	}
	return lib, nil
}
