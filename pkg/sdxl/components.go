package sdxl

import (
	"path/filepath"
	"strings"
)

// Precision of a weight file.
type Precision string

const (
	PrecisionStandard Precision = "standard"
	PrecisionReduced  Precision = "reduced"
)

// ReducedVariant is the file-name variant tag used for half-precision weights.
const ReducedVariant = "fp16"

const ModelIndexFile = "model_index.json"

// WeightFile is one acceptable file name for a component's weights.
type WeightFile struct {
	Name      string
	Precision Precision
}

// ComponentManifest describes what must be on disk for a bundle component.
type ComponentManifest struct {
	Name        string
	ConfigFile  string
	WeightFiles []WeightFile
	Optional    bool
}

// HasWeights reports whether the component ships weight files at all.
func (c ComponentManifest) HasWeights() bool {
	return len(c.WeightFiles) > 0
}

func weightsFor(base string, extensions ...string) []WeightFile {
	var files []WeightFile
	for _, ext := range extensions {
		files = append(files, WeightFile{Name: base + ext, Precision: PrecisionStandard})
	}
	for _, ext := range extensions {
		files = append(files, WeightFile{Name: base + "." + ReducedVariant + ext, Precision: PrecisionReduced})
	}
	return files
}

// Components lists the SDXL bundle layout. Order is the order reports are written in.
var Components = []ComponentManifest{
	{
		Name:        "text_encoder",
		ConfigFile:  "config.json",
		WeightFiles: weightsFor("model", ".safetensors", ".bin"),
	},
	{
		Name:        "text_encoder_2",
		ConfigFile:  "config.json",
		WeightFiles: weightsFor("model", ".safetensors", ".bin"),
	},
	{
		Name:        "unet",
		ConfigFile:  "config.json",
		WeightFiles: weightsFor("diffusion_pytorch_model", ".safetensors", ".bin"),
	},
	{
		Name:        "vae",
		ConfigFile:  "config.json",
		WeightFiles: weightsFor("diffusion_pytorch_model", ".safetensors", ".bin"),
	},
	{
		Name:       "scheduler",
		ConfigFile: "scheduler_config.json",
	},
	{
		Name:       "tokenizer",
		ConfigFile: "tokenizer_config.json",
		Optional:   true,
	},
	{
		Name:       "tokenizer_2",
		ConfigFile: "tokenizer_config.json",
		Optional:   true,
	},
}

// Component returns the manifest with the given name.
func Component(name string) (ComponentManifest, bool) {
	for _, c := range Components {
		if c.Name == name {
			return c, true
		}
	}
	return ComponentManifest{}, false
}

// ConfigPath is the config document of a component relative to the bundle root.
func (c ComponentManifest) ConfigPath() string {
	return filepath.Join(c.Name, c.ConfigFile)
}

// IsReducedPrecisionFile tells whether a relative bundle file name is a reduced precision weight.
func IsReducedPrecisionFile(name string) bool {
	base := filepath.Base(name)
	return strings.Contains(base, "."+ReducedVariant+".")
}
