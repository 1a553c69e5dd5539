package cli

import (
	cliContext "github.com/mudler/sdxl-worker/core/cli/context"
)

var CLI struct {
	cliContext.Context `embed:""`

	Run      RunCMD      `cmd:"" help:"Run the worker, this is the default command if no other command is specified. Run 'sdxl-worker run --help' for more information" default:"withargs"`
	Generate GenerateCMD `cmd:"" help:"Generate images from a prompt and write them as PNG files"`
	Repair   RepairCMD   `cmd:"" help:"Repair the configuration documents of a model bundle on disk"`
	Inspect  InspectCMD  `cmd:"" help:"Validate a model bundle on disk and print the report"`
}
