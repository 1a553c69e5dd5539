package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	cliContext "github.com/mudler/sdxl-worker/core/cli/context"
	"github.com/mudler/sdxl-worker/pkg/sdxl"
)

type InspectCMD struct {
	Path string `arg:"" type:"path" help:"Model bundle directory"`
	JSON bool   `name:"json" help:"Print the report as JSON"`
}

func (i *InspectCMD) Run(ctx *cliContext.Context) error {
	report, err := sdxl.Validate(i.Path)
	if err != nil {
		return err
	}

	if i.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		fmt.Print(formatReport(report))
	}

	if !report.OK() {
		return &sdxl.ValidationError{Report: report}
	}
	return nil
}

func formatReport(r *sdxl.ValidationReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", r.Location)

	names := make([]string, 0, len(r.Variants))
	for name := range r.Variants {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "  %-16s %s\n", name, r.Variants[name])
	}

	for _, name := range r.MissingComponents {
		fmt.Fprintf(&b, "  %-16s missing\n", name)
	}
	for _, name := range r.MissingOptional {
		fmt.Fprintf(&b, "  %-16s missing (optional)\n", name)
	}
	if r.ReducedPrecisionOnly() {
		b.WriteString("  bundle only ships reduced precision weights\n")
	}
	if r.OK() {
		b.WriteString("OK\n")
	} else {
		b.WriteString("INVALID\n")
	}
	return b.String()
}
