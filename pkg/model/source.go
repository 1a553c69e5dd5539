package model

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mudler/sdxl-worker/pkg/sdxl"
	"github.com/mudler/sdxl-worker/pkg/utils"
	"github.com/mudler/xlog"
)

const (
	HuggingFacePrefix  = "huggingface://"
	HuggingFacePrefix2 = "hf://"
	LocalPrefix        = "file://"
)

type SourceKind string

const (
	KindLocalPath        SourceKind = "local"
	KindRemoteRepository SourceKind = "remote"
)

// Source is a candidate location for the model bundle. The variants are LocalPath and RemoteRepository.
type Source interface {
	Kind() SourceKind
	Location() string
	Priority() int
	String() string

	prepare(ctx context.Context, r *Resolver) (*prepared, error)
}

type prepared struct {
	location       string
	report         *sdxl.ValidationReport
	localFilesOnly bool
}

// LocalPath is a bundle directory on disk. It is validated (and optionally repaired) before loading.
type LocalPath struct {
	Path string
	Rank int
}

func (l LocalPath) Kind() SourceKind { return KindLocalPath }
func (l LocalPath) Location() string { return l.Path }
func (l LocalPath) Priority() int    { return l.Rank }
func (l LocalPath) String() string   { return fmt.Sprintf("%s:%s", l.Kind(), l.Path) }

func (l LocalPath) prepare(_ context.Context, r *Resolver) (*prepared, error) {
	report, err := checkBundle(l.Path, r.repairer)
	if err != nil {
		return nil, err
	}
	return &prepared{location: l.Path, report: report, localFilesOnly: true}, nil
}

// checkBundle rejects bundles with missing components before anything is written to them,
// then repairs the config documents of the survivors and validates them again.
func checkBundle(location string, repairer *sdxl.Repairer) (*sdxl.ValidationReport, error) {
	report, err := sdxl.Validate(location)
	if err != nil {
		return nil, err
	}
	if !report.OK() {
		return nil, &sdxl.ValidationError{Report: report}
	}

	if repairer != nil {
		repaired, err := repairer.Repair(location)
		switch {
		case err != nil:
			xlog.Warn("config repair failed, continuing with the bundle as is", "source", location, "error", err)
		default:
			if cerr := repaired.Err(); cerr != nil {
				xlog.Warn("some config documents could not be repaired", "source", location, "error", cerr)
			}
			if repaired.Changed() {
				if report, err = sdxl.Validate(location); err != nil {
					return nil, err
				}
				if !report.OK() {
					return nil, &sdxl.ValidationError{Report: report}
				}
			}
		}
	}

	if len(report.DegradedPrecisionComponents) > 0 {
		xlog.Info("source ships reduced precision weights", "source", location, "components", report.DegradedPrecisionComponents)
	}
	return report, nil
}

// RemoteRepository is a hub repository id. Without a fetcher the id goes to the runtime as is;
// fetched snapshots are checked like local bundles.
type RemoteRepository struct {
	Repository string
	Revision   string
	Rank       int
}

func (r RemoteRepository) Kind() SourceKind { return KindRemoteRepository }
func (r RemoteRepository) Location() string { return r.Repository }
func (r RemoteRepository) Priority() int    { return r.Rank }
func (r RemoteRepository) String() string {
	if r.Revision != "" {
		return fmt.Sprintf("%s:%s@%s", r.Kind(), r.Repository, r.Revision)
	}
	return fmt.Sprintf("%s:%s", r.Kind(), r.Repository)
}

func (r RemoteRepository) prepare(ctx context.Context, res *Resolver) (*prepared, error) {
	if res.fetcher == nil {
		return &prepared{location: r.Repository}, nil
	}

	path, err := res.fetcher.Snapshot(ctx, r.Repository, r.Revision, res.preferredVariant(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", r.Repository, err)
	}
	report, err := checkBundle(path, res.repairer)
	if err != nil {
		return nil, err
	}
	return &prepared{location: path, report: report, localFilesOnly: true}, nil
}

// ParseSource turns a configured string into a Source.
// Paths (absolute, relative, file://) and existing directories are local; "owner/repo[@revision]"
// and huggingface:// URIs are remote.
func ParseSource(s string, priority int) (Source, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty model source")
	}

	switch {
	case strings.HasPrefix(s, LocalPrefix):
		return local(strings.TrimPrefix(s, LocalPrefix), priority)
	case strings.HasPrefix(s, HuggingFacePrefix):
		return remote(strings.TrimPrefix(s, HuggingFacePrefix), priority)
	case strings.HasPrefix(s, HuggingFacePrefix2):
		return remote(strings.TrimPrefix(s, HuggingFacePrefix2), priority)
	case strings.HasPrefix(s, "/"), strings.HasPrefix(s, "."), strings.HasPrefix(s, "~"):
		return local(s, priority)
	}

	if _, err := os.Stat(s); err == nil {
		return LocalPath{Path: s, Rank: priority}, nil
	}
	if strings.Count(strings.Split(s, "@")[0], "/") == 1 {
		return remote(s, priority)
	}
	return LocalPath{Path: s, Rank: priority}, nil
}

func local(s string, priority int) (Source, error) {
	if !strings.HasPrefix(s, "~") {
		return LocalPath{Path: s, Rank: priority}, nil
	}
	path, err := utils.ExpandPath(s)
	if err != nil {
		return nil, fmt.Errorf("invalid model path %q: %w", s, err)
	}
	return LocalPath{Path: path, Rank: priority}, nil
}

func remote(s string, priority int) (Source, error) {
	repo, revision, _ := strings.Cut(s, "@")
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid repository id %q", s)
	}
	return RemoteRepository{Repository: repo, Revision: revision, Rank: priority}, nil
}

// ParseSources parses the list in order; position is priority.
func ParseSources(locations ...string) ([]Source, error) {
	sources := make([]Source, 0, len(locations))
	for i, l := range locations {
		s, err := ParseSource(l, i)
		if err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	return sources, nil
}
