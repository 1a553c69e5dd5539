package backend

import (
	"github.com/mudler/sdxl-worker/core/config"
	"github.com/mudler/sdxl-worker/pkg/model"
)

type GenerationRequest struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Steps          int
	GuidanceScale  float64
	Images         int
	Seed           *int64
}

// Clamp forces every numeric parameter into b.
func (r GenerationRequest) Clamp(b config.Bounds) GenerationRequest {
	r.Width = config.ClampInt(r.Width, b.MinSide, b.MaxSide)
	r.Height = config.ClampInt(r.Height, b.MinSide, b.MaxSide)
	r.Steps = config.ClampInt(r.Steps, b.MinSteps, b.MaxSteps)
	r.GuidanceScale = config.ClampFloat(r.GuidanceScale, b.MinGuidance, b.MaxGuidance)
	r.Images = config.ClampInt(r.Images, b.MinImages, b.MaxImages)
	return r
}

// Degrade lowers the resolution and step count for the out-of-memory retry.
// The result never exceeds the original request.
func (r GenerationRequest) Degrade(p config.DegradedPolicy) GenerationRequest {
	r.Width = min(r.Width, p.MaxSide)
	r.Height = min(r.Height, p.MaxSide)
	r.Steps = min(r.Steps, max(p.MinSteps, r.Steps/max(p.StepDivisor, 1)))
	return r
}

func (r GenerationRequest) params() model.GenerateParams {
	return model.GenerateParams{
		Prompt:         r.Prompt,
		NegativePrompt: r.NegativePrompt,
		Width:          r.Width,
		Height:         r.Height,
		Steps:          r.Steps,
		GuidanceScale:  r.GuidanceScale,
		Images:         r.Images,
		Seed:           r.Seed,
	}
}

type GenerationResult struct {
	// Images are base64 encoded PNGs.
	Images []string
	// Request holds the parameters the images were generated with.
	Request  GenerationRequest
	Degraded bool
	Note     string
	Source   string
}
