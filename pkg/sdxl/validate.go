package sdxl

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mudler/xlog"
)

var (
	ErrSourceNotFound         = errors.New("model source not found")
	ErrSourceValidationFailed = errors.New("model source failed validation")
)

// ValidationReport is the result of inspecting a bundle on disk.
type ValidationReport struct {
	Location                    string               `json:"location"`
	MissingComponents           []string             `json:"missing_components"`
	DegradedPrecisionComponents []string             `json:"degraded_precision_components"`
	MissingOptional             []string             `json:"missing_optional,omitempty"`
	Variants                    map[string]Precision `json:"variants,omitempty"`
}

// OK is true when nothing required is missing.
func (r *ValidationReport) OK() bool {
	return len(r.MissingComponents) == 0
}

// ReducedPrecisionOnly is true when every weight component only ships reduced precision files.
func (r *ValidationReport) ReducedPrecisionOnly() bool {
	if len(r.Variants) == 0 {
		return false
	}
	for _, p := range r.Variants {
		if p != PrecisionReduced {
			return false
		}
	}
	return true
}

// ValidationError wraps a failing report.
type ValidationError struct {
	Report *ValidationReport
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: missing %v", e.Report.Location, e.Report.MissingComponents)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrSourceValidationFailed
}

// Validate inspects the bundle rooted at location. It never modifies anything.
func Validate(location string) (*ValidationReport, error) {
	st, err := os.Stat(location)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, location)
		}
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrSourceNotFound, location)
	}

	report := &ValidationReport{
		Location:                    location,
		MissingComponents:           []string{},
		DegradedPrecisionComponents: []string{},
		Variants:                    map[string]Precision{},
	}

	if !isFile(filepath.Join(location, ModelIndexFile)) {
		report.MissingComponents = append(report.MissingComponents, ModelIndexFile)
	}

	for _, c := range Components {
		missing := !isDir(filepath.Join(location, c.Name)) || !isFile(filepath.Join(location, c.ConfigPath()))

		var precision Precision
		if !missing && c.HasWeights() {
			precision = weightPrecision(filepath.Join(location, c.Name), c)
			missing = precision == ""
		}

		if missing {
			if c.Optional {
				report.MissingOptional = append(report.MissingOptional, c.Name)
			} else {
				report.MissingComponents = append(report.MissingComponents, c.Name)
			}
			continue
		}

		if precision != "" {
			report.Variants[c.Name] = precision
			if precision == PrecisionReduced {
				report.DegradedPrecisionComponents = append(report.DegradedPrecisionComponents, c.Name)
			}
		}
	}

	xlog.Debug("validated model source", "location", location,
		"missing", report.MissingComponents,
		"degraded", report.DegradedPrecisionComponents,
		"missing_optional", report.MissingOptional)

	return report, nil
}

// weightPrecision returns the best precision available, or "" when no weight file is present.
func weightPrecision(dir string, c ComponentManifest) Precision {
	var found Precision
	for _, w := range c.WeightFiles {
		if !isFile(filepath.Join(dir, w.Name)) {
			continue
		}
		if w.Precision == PrecisionStandard {
			return PrecisionStandard
		}
		found = w.Precision
	}
	return found
}

func isDir(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.IsDir()
}

func isFile(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}
