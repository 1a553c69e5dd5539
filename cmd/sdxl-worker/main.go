package main

import (
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/mudler/sdxl-worker/core/cli"
	"github.com/mudler/xlog"
)

func main() {
	var err error

	// Initialize xlog at a level of INFO, we will set the desired level after we parse the CLI options
	xlog.SetLogger(xlog.NewLogger(xlog.LogLevel("info"), "text"))

	// handle loading environment variables from .env files
	envFiles := []string{".env", "sdxl-worker.env"}
	homeDir, err := os.UserHomeDir()
	if err == nil {
		envFiles = append(envFiles, filepath.Join(homeDir, ".config/sdxl-worker.env"))
	}
	envFiles = append(envFiles, "/etc/sdxl-worker.env")

	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); err == nil {
			xlog.Debug("env file found, loading environment variables from file", "envFile", envFile)
			err = godotenv.Load(envFile)
			if err != nil {
				xlog.Error("failed to load environment variables from file", "error", err, "envFile", envFile)
				continue
			}
		}
	}

	ctx := kong.Parse(&cli.CLI,
		kong.Description(
			`  sdxl-worker serves Stable Diffusion XL image generation jobs.

It resolves a model from an ordered list of sources, repairs broken bundle
configuration on the way, and retries in a degraded mode when the device runs
out of memory.
`,
		),
		kong.UsageOnError(),
	)

	// --debug is kept for compatibility with older deployments
	logLevel := "info"
	if cli.CLI.Debug && cli.CLI.LogLevel == nil {
		logLevel = "debug"
		cli.CLI.LogLevel = &logLevel
	}

	if cli.CLI.LogLevel == nil {
		cli.CLI.LogLevel = &logLevel
	}

	xlog.SetLogger(xlog.NewLogger(xlog.LogLevel(*cli.CLI.LogLevel), *cli.CLI.LogFormat))

	err = ctx.Run(&cli.CLI.Context)
	if err != nil {
		xlog.Fatal("Error running the application", "error", err)
	}
}
