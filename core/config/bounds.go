package config

// Bounds clamp caller supplied values.
type Bounds struct {
	MinSide     int     `yaml:"min_side"`
	MaxSide     int     `yaml:"max_side"`
	MinSteps    int     `yaml:"min_steps"`
	MaxSteps    int     `yaml:"max_steps"`
	MinGuidance float64 `yaml:"min_guidance"`
	MaxGuidance float64 `yaml:"max_guidance"`
	MinImages   int     `yaml:"min_images"`
	MaxImages   int     `yaml:"max_images"`
}

func DefaultBounds() Bounds {
	return Bounds{
		MinSide:     512,
		MaxSide:     1536,
		MinSteps:    10,
		MaxSteps:    100,
		MinGuidance: 1.0,
		MaxGuidance: 20.0,
		MinImages:   1,
		MaxImages:   4,
	}
}

// RequestDefaults fill in parameters the caller left out.
type RequestDefaults struct {
	NegativePrompt string  `yaml:"negative_prompt"`
	Width          int     `yaml:"width"`
	Height         int     `yaml:"height"`
	Steps          int     `yaml:"num_inference_steps"`
	GuidanceScale  float64 `yaml:"guidance_scale"`
	Images         int     `yaml:"num_images_per_prompt"`
}

func DefaultRequestDefaults() RequestDefaults {
	return RequestDefaults{
		NegativePrompt: "blurry, low quality, distorted, ugly",
		Width:          1024,
		Height:         1024,
		Steps:          30,
		GuidanceScale:  7.5,
		Images:         1,
	}
}

// DegradedPolicy shapes the single retry after the device runs out of memory.
type DegradedPolicy struct {
	MaxSide     int    `yaml:"max_side"`
	MinSteps    int    `yaml:"min_steps"`
	StepDivisor int    `yaml:"step_divisor"`
	Note        string `yaml:"note"`
}

func DefaultDegradedPolicy() DegradedPolicy {
	return DegradedPolicy{
		MaxSide:     768,
		MinSteps:    10,
		StepDivisor: 2,
		Note:        "Reduced quality due to memory constraints",
	}
}

func ClampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func ClampFloat(v, lo, hi float64) float64 {
	return max(lo, min(v, hi))
}
