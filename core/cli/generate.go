package cli

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/mudler/sdxl-worker/core/application"
	cliContext "github.com/mudler/sdxl-worker/core/cli/context"
	"github.com/mudler/sdxl-worker/core/config"
	"github.com/mudler/sdxl-worker/core/schema"
	"github.com/mudler/xlog"
	"github.com/schollz/progressbar/v3"
)

type GenerateCMD struct {
	Prompt string `arg:"" help:"Text prompt"`

	NegativePrompt *string  `short:"n" help:"Negative prompt (defaults to the worker's negative prompt)"`
	Width          *int     `help:"Image width"`
	Height         *int     `help:"Image height"`
	Steps          *int     `help:"Number of inference steps"`
	GuidanceScale  *float64 `help:"Classifier free guidance scale"`
	Images         *int     `short:"i" help:"Number of images to generate"`
	Seed           *int64   `short:"s" help:"Seed for deterministic output"`
	OutputDir      string   `short:"o" type:"path" default:"." help:"Directory the PNG files are written to"`

	WorkerFlags `embed:""`
}

func (g *GenerateCMD) Run(ctx *cliContext.Context) error {
	opts, err := g.appOptions()
	if err != nil {
		return err
	}

	progressBar := progressbar.NewOptions(
		1000,
		progressbar.OptionSetDescription("downloading model"),
		progressbar.OptionShowBytes(false),
		progressbar.OptionClearOnFinish(),
	)
	progressCallback := func(fileName string, current string, total string, percentage float64) {
		v := int(percentage * 10)
		if err := progressBar.Set(v); err != nil {
			xlog.Error("error while updating progress bar", "filename", fileName, "value", v, "error", err)
		}
	}

	opts = append(opts,
		config.WithPreload(false),
		config.DisableMetricsEndpoint,
		config.WithDownloadProgress(progressCallback),
	)

	app, err := application.New(opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Shutdown(context.Background()); err != nil {
			xlog.Error("error while releasing the model", "error", err)
		}
	}()

	job := schema.Job{ID: uuid.NewString(), Input: g.input()}
	res := app.Handler().Handle(context.Background(), job)
	if res.Failed() {
		return errors.New(res.Error)
	}
	if res.Note != "" {
		xlog.Warn(res.Note, "parameters", res.Parameters)
	}

	files, err := writeImages(g.OutputDir, job.ID, res.Images)
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Println(f)
	}
	return nil
}

func (g *GenerateCMD) input() schema.JobInput {
	in := schema.JobInput{
		Prompt:         g.Prompt,
		NegativePrompt: g.NegativePrompt,
	}
	if g.Width != nil {
		in.Width = json.Number(strconv.Itoa(*g.Width))
	}
	if g.Height != nil {
		in.Height = json.Number(strconv.Itoa(*g.Height))
	}
	if g.Steps != nil {
		in.NumInferenceSteps = json.Number(strconv.Itoa(*g.Steps))
	}
	if g.GuidanceScale != nil {
		in.GuidanceScale = json.Number(strconv.FormatFloat(*g.GuidanceScale, 'f', -1, 64))
	}
	if g.Images != nil {
		in.NumImagesPerPrompt = json.Number(strconv.Itoa(*g.Images))
	}
	if g.Seed != nil {
		in.Seed = json.Number(strconv.FormatInt(*g.Seed, 10))
	}
	return in
}

// writeImages decodes the base64 PNGs and writes them as <id>-<n>.png.
func writeImages(dir, id string, images []string) ([]string, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}
	var files []string
	for i, encoded := range images {
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return files, fmt.Errorf("image %d: %w", i, err)
		}
		name := filepath.Join(dir, fmt.Sprintf("%s-%d.png", id, i))
		if err := os.WriteFile(name, data, 0644); err != nil {
			return files, err
		}
		files = append(files, name)
	}
	return files, nil
}
