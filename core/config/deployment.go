package config

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"github.com/mudler/sdxl-worker/pkg/sdxl"
	"gopkg.in/yaml.v3"
)

// Deployment is the optional YAML file describing a worker. Fields left
// out (or zero) fall back to the built-in defaults.
type Deployment struct {
	Sources  []string           `yaml:"sources"`
	Bounds   Bounds             `yaml:"bounds"`
	Defaults RequestDefaults    `yaml:"defaults"`
	Degraded DegradedPolicy     `yaml:"degraded"`
	Manifest sdxl.ManifestRules `yaml:"manifest"`
}

func DefaultDeployment() Deployment {
	return Deployment{
		Sources:  append([]string(nil), DefaultSources...),
		Bounds:   DefaultBounds(),
		Defaults: DefaultRequestDefaults(),
		Degraded: DefaultDegradedPolicy(),
		Manifest: sdxl.DefaultManifestRules(),
	}
}

func LoadDeployment(path string) (*Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDeployment(data)
}

func ParseDeployment(data []byte) (*Deployment, error) {
	d := &Deployment{}
	if err := yaml.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("cannot parse deployment file: %w", err)
	}
	if err := mergo.Merge(d, DefaultDeployment()); err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Deployment) Validate() error {
	b := d.Bounds
	if b.MinSide > b.MaxSide || b.MinSteps > b.MaxSteps || b.MinGuidance > b.MaxGuidance || b.MinImages > b.MaxImages {
		return fmt.Errorf("invalid bounds: lower limits must not exceed upper limits")
	}
	if d.Degraded.StepDivisor < 1 {
		return fmt.Errorf("invalid degraded policy: step_divisor must be at least 1")
	}
	return nil
}

// Options turns the deployment into application options.
func (d *Deployment) Options() []AppOption {
	return []AppOption{
		WithSources(d.Sources...),
		WithBounds(d.Bounds),
		WithRequestDefaults(d.Defaults),
		WithDegradedPolicy(d.Degraded),
		WithManifestRules(d.Manifest),
	}
}
