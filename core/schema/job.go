package schema

import "encoding/json"

const (
	StatusSuccess = "success"
	StatusError   = "error"

	JobCompleted = "COMPLETED"
	JobFailed    = "FAILED"
)

// Job is the payload a caller submits. Only Input is interpreted.
type Job struct {
	ID    string   `json:"id,omitempty"`
	Input JobInput `json:"input"`
}

// JobInput holds the generation parameters. Numbers are kept loose so that
// 1024, 1024.0 and "1024" are all accepted.
type JobInput struct {
	Prompt             string      `json:"prompt"`
	NegativePrompt     *string     `json:"negative_prompt,omitempty"`
	Width              json.Number `json:"width,omitempty"`
	Height             json.Number `json:"height,omitempty"`
	NumInferenceSteps  json.Number `json:"num_inference_steps,omitempty"`
	GuidanceScale      json.Number `json:"guidance_scale,omitempty"`
	NumImagesPerPrompt json.Number `json:"num_images_per_prompt,omitempty"`
	Seed               json.Number `json:"seed,omitempty"`
}

// Parameters are the values a generation actually ran with.
type Parameters struct {
	Width              int     `json:"width"`
	Height             int     `json:"height"`
	NumInferenceSteps  int     `json:"num_inference_steps"`
	GuidanceScale      float64 `json:"guidance_scale"`
	NumImagesPerPrompt int     `json:"num_images_per_prompt"`
	Seed               *int64  `json:"seed"`
}

// Response is either a success (Images set) or an error (Error set).
type Response struct {
	Status     string      `json:"status"`
	Images     []string    `json:"images,omitempty"`
	Prompt     string      `json:"prompt,omitempty"`
	Parameters *Parameters `json:"parameters,omitempty"`
	Note       string      `json:"note,omitempty"`
	Error      string      `json:"error,omitempty"`
}

func (r Response) Failed() bool {
	return r.Status == StatusError
}

// JobResult wraps a Response for the HTTP job API.
type JobResult struct {
	ID     string    `json:"id"`
	Status string    `json:"status"`
	Output *Response `json:"output,omitempty"`
}
