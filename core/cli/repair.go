package cli

import (
	"encoding/json"
	"os"

	cliContext "github.com/mudler/sdxl-worker/core/cli/context"
	"github.com/mudler/sdxl-worker/core/config"
	"github.com/mudler/sdxl-worker/pkg/sdxl"
	"github.com/mudler/xlog"
)

type RepairCMD struct {
	Path       string `arg:"" type:"path" help:"Model bundle directory"`
	ConfigFile string `env:"SDXL_CONFIG_FILE,CONFIG_FILE" type:"path" help:"YAML deployment file providing the manifest class table"`
}

func (r *RepairCMD) Run(ctx *cliContext.Context) error {
	manifest := sdxl.DefaultManifestRules()
	if r.ConfigFile != "" {
		d, err := config.LoadDeployment(r.ConfigFile)
		if err != nil {
			return err
		}
		manifest = d.Manifest
	}

	report, err := sdxl.NewRepairer(sdxl.WithManifestRules(manifest)).Repair(r.Path)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}

	if !report.Changed() {
		xlog.Info("Nothing to repair", "path", r.Path)
	}
	return report.Err()
}
