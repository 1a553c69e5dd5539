package sdxl

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"
	"github.com/mudler/xlog"
	"github.com/otiai10/copy"
)

const (
	BackupSuffix = ".backup"
	lockFileName = ".sdxl-repair.lock"
)

var ErrCorruptDocument = errors.New("corrupt config document")

// DocumentError reports a document that could not be parsed. It does not abort a repair.
type DocumentError struct {
	Path string
	Err  error
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *DocumentError) Unwrap() error {
	return e.Err
}

func (e *DocumentError) Is(target error) bool {
	return target == ErrCorruptDocument
}

// FieldFix is a single substituted value.
type FieldFix struct {
	Document string `json:"document"`
	Key      string `json:"key"`
	Value    any    `json:"value"`
}

type RepairReport struct {
	Location string           `json:"location"`
	Fixed    []FieldFix       `json:"fixed"`
	Created  []string         `json:"created"`
	BackedUp []string         `json:"backed_up"`
	Skipped  []string         `json:"skipped"`
	Flagged  []string         `json:"flagged"`
	Corrupt  []*DocumentError `json:"-"`
}

// Changed is true when anything was written.
func (r *RepairReport) Changed() bool {
	return len(r.Fixed) > 0 || len(r.Created) > 0
}

// Err joins the corrupt document errors, if any.
func (r *RepairReport) Err() error {
	var err error
	for _, c := range r.Corrupt {
		err = errors.Join(err, c)
	}
	return err
}

// Repairer restores null fields of a bundle's config documents in place.
type Repairer struct {
	documents []DocumentRules
	manifest  ManifestRules
}

type RepairerOption func(*Repairer)

func WithDocumentRules(docs []DocumentRules) RepairerOption {
	return func(r *Repairer) {
		r.documents = docs
	}
}

func WithManifestRules(m ManifestRules) RepairerOption {
	return func(r *Repairer) {
		r.manifest = m
	}
}

func NewRepairer(opts ...RepairerOption) *Repairer {
	r := &Repairer{
		documents: DefaultDocumentRules(),
		manifest:  DefaultManifestRules(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Repair fixes the bundle rooted at location. Running it twice yields the same files.
func (r *Repairer) Repair(location string) (*RepairReport, error) {
	if !isDir(location) {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, location)
	}

	lock := flock.New(filepath.Join(location, lockFileName))
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", location, err)
	}
	defer lock.Unlock()

	report := &RepairReport{Location: location}

	for _, doc := range r.documents {
		r.repairDocument(location, doc, report)
	}
	r.repairManifest(location, report)

	if report.Changed() {
		xlog.Info("model source repaired", "location", location, "fixed", len(report.Fixed), "created", report.Created)
	} else {
		xlog.Debug("model source needs no repair", "location", location)
	}

	return report, nil
}

func (r *Repairer) repairDocument(location string, rules DocumentRules, report *RepairReport) {
	path := filepath.Join(location, rules.Path)

	if !isFile(path) {
		if rules.Template == nil {
			report.Skipped = append(report.Skipped, rules.Path)
			return
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			report.Corrupt = append(report.Corrupt, &DocumentError{Path: rules.Path, Err: err})
			return
		}
		if err := writeDocument(path, rules.Template); err != nil {
			report.Corrupt = append(report.Corrupt, &DocumentError{Path: rules.Path, Err: err})
			return
		}
		xlog.Warn("created missing config document from template", "document", rules.Path)
		report.Created = append(report.Created, rules.Path)
		return
	}

	doc, err := readDocument(path)
	if err != nil {
		xlog.Error("cannot parse config document", "document", rules.Path, "error", err)
		report.Corrupt = append(report.Corrupt, &DocumentError{Path: rules.Path, Err: err})
		return
	}

	var fixes []FieldFix
	for _, rule := range rules.Rules {
		v, present := doc[rule.Key]
		if !present || v != nil || rule.AllowNull {
			continue
		}
		doc[rule.Key] = rule.Default
		fixes = append(fixes, FieldFix{Document: rules.Path, Key: rule.Key, Value: rule.Default})
		xlog.Warn("replaced null config value", "document", rules.Path, "key", rule.Key, "value", rule.Default)
	}

	r.commit(location, rules.Path, doc, fixes, report)
}

func (r *Repairer) repairManifest(location string, report *RepairReport) {
	path := filepath.Join(location, ModelIndexFile)
	if !isFile(path) {
		report.Skipped = append(report.Skipped, ModelIndexFile)
		return
	}

	doc, err := readDocument(path)
	if err != nil {
		xlog.Error("cannot parse model index", "error", err)
		report.Corrupt = append(report.Corrupt, &DocumentError{Path: ModelIndexFile, Err: err})
		return
	}

	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var fixes []FieldFix
	for _, name := range keys {
		if strings.HasPrefix(name, "_") {
			continue
		}
		v := doc[name]
		if v != nil {
			pair, ok := v.([]any)
			if !ok || len(pair) != 2 || pair[1] != nil {
				continue
			}
			if pair[0] == nil && r.manifest.isOptional(name) {
				continue
			}
		}

		var replacement []any
		switch class, known := r.manifest.Classes[name]; {
		case r.manifest.isOptional(name):
			replacement = []any{nil, nil}
		case known:
			replacement = []any{class.Library, class.Class}
		default:
			xlog.Warn("model index component has no class and is not known, leaving it untouched", "component", name)
			report.Flagged = append(report.Flagged, name)
			continue
		}

		doc[name] = replacement
		fixes = append(fixes, FieldFix{Document: ModelIndexFile, Key: name, Value: replacement})
		xlog.Warn("replaced null component class", "component", name, "value", replacement)
	}

	r.commit(location, ModelIndexFile, doc, fixes, report)
}

func (r *Repairer) commit(location, rel string, doc map[string]any, fixes []FieldFix, report *RepairReport) {
	if len(fixes) == 0 {
		return
	}
	path := filepath.Join(location, rel)

	backedUp, err := backup(path)
	if err != nil {
		report.Corrupt = append(report.Corrupt, &DocumentError{Path: rel, Err: fmt.Errorf("backup failed: %w", err)})
		return
	}
	if backedUp {
		report.BackedUp = append(report.BackedUp, rel+BackupSuffix)
	}

	if err := writeDocument(path, doc); err != nil {
		report.Corrupt = append(report.Corrupt, &DocumentError{Path: rel, Err: err})
		return
	}
	report.Fixed = append(report.Fixed, fixes...)
}

// backup copies path next to itself once. An existing backup is never overwritten.
func backup(path string) (bool, error) {
	dst := path + BackupSuffix
	if _, err := os.Stat(dst); err == nil {
		return false, nil
	}
	if err := copy.Copy(path, dst); err != nil {
		return false, err
	}
	return true, nil
}

func readDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errors.New("document is not a JSON object")
	}
	return doc, nil
}

// writeDocument replaces path atomically.
func writeDocument(path string, doc map[string]any) error {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
