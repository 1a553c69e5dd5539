package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mudler/sdxl-worker/core/backend"
	"github.com/mudler/sdxl-worker/core/config"
	"github.com/mudler/sdxl-worker/core/schema"
	"github.com/mudler/xlog"
)

var ErrInvalidParameter = errors.New("invalid parameter")

// Generator is the inference side of a job. *backend.ImageGenerator satisfies it.
type Generator interface {
	Generate(ctx context.Context, req backend.GenerationRequest) (*backend.GenerationResult, error)
}

// Handler turns jobs into responses. Failures become error responses, never Go errors.
type Handler struct {
	generator Generator
	defaults  config.RequestDefaults
}

func New(generator Generator, appConfig *config.ApplicationConfig) *Handler {
	return &Handler{
		generator: generator,
		defaults:  appConfig.Defaults,
	}
}

func (h *Handler) Handle(ctx context.Context, job schema.Job) schema.Response {
	req, err := h.request(job.Input)
	if err != nil {
		return errorResponse(job, err)
	}

	res, err := h.generator.Generate(ctx, req)
	if err != nil {
		return errorResponse(job, err)
	}

	return schema.Response{
		Status: schema.StatusSuccess,
		Images: res.Images,
		Prompt: req.Prompt,
		Parameters: &schema.Parameters{
			Width:              res.Request.Width,
			Height:             res.Request.Height,
			NumInferenceSteps:  res.Request.Steps,
			GuidanceScale:      res.Request.GuidanceScale,
			NumImagesPerPrompt: res.Request.Images,
			Seed:               res.Request.Seed,
		},
		Note: res.Note,
	}
}

func errorResponse(job schema.Job, err error) schema.Response {
	xlog.Error("job failed", "id", job.ID, "error", err)
	return schema.Response{
		Status: schema.StatusError,
		Error:  err.Error(),
	}
}

// request applies the defaults. Prompt presence is checked before anything else.
func (h *Handler) request(in schema.JobInput) (backend.GenerationRequest, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return backend.GenerationRequest{}, &backend.MissingParameterError{Param: "prompt"}
	}

	req := backend.GenerationRequest{
		Prompt:         in.Prompt,
		NegativePrompt: h.defaults.NegativePrompt,
	}
	if in.NegativePrompt != nil {
		req.NegativePrompt = *in.NegativePrompt
	}

	var err error
	if req.Width, err = intParam("width", in.Width, h.defaults.Width); err != nil {
		return req, err
	}
	if req.Height, err = intParam("height", in.Height, h.defaults.Height); err != nil {
		return req, err
	}
	if req.Steps, err = intParam("num_inference_steps", in.NumInferenceSteps, h.defaults.Steps); err != nil {
		return req, err
	}
	if req.Images, err = intParam("num_images_per_prompt", in.NumImagesPerPrompt, h.defaults.Images); err != nil {
		return req, err
	}
	if req.GuidanceScale, err = floatParam("guidance_scale", in.GuidanceScale, h.defaults.GuidanceScale); err != nil {
		return req, err
	}
	if in.Seed != "" {
		seed, err := seedParam(in.Seed)
		if err != nil {
			return req, err
		}
		req.Seed = &seed
	}
	return req, nil
}

// intParam truncates fractional values the way integer conversion does.
func intParam(name string, n json.Number, def int) (int, error) {
	if n == "" {
		return def, nil
	}
	if i, err := n.Int64(); err == nil {
		return int(i), nil
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidParameter, name, n.String())
	}
	return int(math.Max(math.Min(f, math.MaxInt32), math.MinInt32)), nil
}

// seedParam accepts whole numbers only. A seed is never rounded or clamped, since the
// response echoes it back as the one used.
func seedParam(n json.Number) (int64, error) {
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: seed=%q", ErrInvalidParameter, n.String())
	}
	return int64(f), nil
}

func floatParam(name string, n json.Number, def float64) (float64, error) {
	if n == "" {
		return def, nil
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidParameter, name, n.String())
	}
	return f, nil
}
