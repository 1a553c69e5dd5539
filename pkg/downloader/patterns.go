package downloader

import (
	"path"
	"sort"
	"strings"
)

// Files a pipeline needs besides weights.
var pipelinePatterns = []string{
	"model_index.json",
	"*/*.json",
	"*/*.txt",
	"*/*.model",
}

var weightPatterns = []string{
	"*/*.safetensors",
}

var ignorePatterns = []string{
	"*/*.json.backup",
}

func filterFilesByPattern(files []string, allow []string, ignore []string) []string {
	var filtered []string
	for _, f := range files {
		if matchesAnyPattern(f, ignore) {
			continue
		}
		if len(allow) == 0 || matchesAnyPattern(f, allow) {
			filtered = append(filtered, f)
		}
	}
	return filtered
}

func matchesAnyPattern(file string, patterns []string) bool {
	for _, p := range patterns {
		if ok, err := path.Match(p, file); err == nil && ok {
			return true
		}
	}
	return false
}

func isVariantFile(name, variant string) bool {
	return strings.Contains(path.Base(name), "."+variant+".")
}

// selectFiles picks the files of a pipeline snapshot. Per component directory it keeps the
// variant weights when variant is set and present, the standard weights otherwise, and the
// reduced precision weights when the directory ships nothing else.
func selectFiles(files []string, variant string) []string {
	selected := filterFilesByPattern(files, pipelinePatterns, ignorePatterns)

	type weights struct{ standard, reduced []string }
	byDir := map[string]*weights{}
	for _, f := range filterFilesByPattern(files, weightPatterns, ignorePatterns) {
		dir := path.Dir(f)
		if byDir[dir] == nil {
			byDir[dir] = &weights{}
		}
		if strings.Contains(path.Base(f), ".fp16.") || (variant != "" && isVariantFile(f, variant)) {
			byDir[dir].reduced = append(byDir[dir].reduced, f)
		} else {
			byDir[dir].standard = append(byDir[dir].standard, f)
		}
	}

	for _, w := range byDir {
		switch {
		case variant != "" && len(w.reduced) > 0:
			selected = append(selected, w.reduced...)
		case len(w.standard) > 0:
			selected = append(selected, w.standard...)
		default:
			selected = append(selected, w.reduced...)
		}
	}

	sort.Strings(selected)
	return selected
}
