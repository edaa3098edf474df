// Package reporegistry implements the `repo {add,list,remove}` registry
// maintenance surface of §6.5: a small JSON map of repository paths to
// operator-facing labels, persisted at PAIRFLOW_REPO_REGISTRY_PATH
// (§6.6). This is CLI-shell bookkeeping, not a core concern -- the core
// never reads it -- but it is the kind of ambient "where do my repos
// live" state every multi-repo CLI in the pack carries, so it is grounded
// on the teacher's configuration.go pattern of a small validated struct
// persisted as JSON.
package reporegistry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/pairflow/pairflow/internal/atomicfile"
	"github.com/pkg/errors"
)

// Entry is one registered repository.
type Entry struct {
	Path  string `json:"path"`
	Label string `json:"label,omitempty"`
}

type document struct {
	Repos []Entry `json:"repos"`
}

// DefaultPath returns $HOME/.pairflow/repos.json, the default named in
// §6.6 for PAIRFLOW_REPO_REGISTRY_PATH.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".pairflow", "repos.json")
}

// ResolvePath honors PAIRFLOW_REPO_REGISTRY_PATH when set, else DefaultPath.
func ResolvePath() string {
	if v := os.Getenv("PAIRFLOW_REPO_REGISTRY_PATH"); v != "" {
		return v
	}
	return DefaultPath()
}

func load(path string) (document, error) {
	result, err := atomicfile.Read(path)
	if err != nil {
		return document{}, err
	}
	if result.Missing || len(result.Data) == 0 {
		return document{}, nil
	}
	var doc document
	if err := json.Unmarshal(result.Data, &doc); err != nil {
		return document{}, errors.Wrap(err, "reporegistry.load")
	}
	return doc, nil
}

func save(path string, doc document) error {
	sort.Slice(doc.Repos, func(i, j int) bool { return doc.Repos[i].Path < doc.Repos[j].Path })
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "reporegistry.save")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "reporegistry.save.mkdir")
	}
	return atomicfile.Replace(path, data, 0o644)
}

// Add registers repoPath (canonicalized) with an optional label,
// replacing any existing entry for the same path.
func Add(path, repoPath, label string) error {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return errors.Wrap(err, "reporegistry.Add")
	}
	doc, err := load(path)
	if err != nil {
		return err
	}
	filtered := doc.Repos[:0]
	for _, e := range doc.Repos {
		if e.Path != abs {
			filtered = append(filtered, e)
		}
	}
	doc.Repos = append(filtered, Entry{Path: abs, Label: label})
	return save(path, doc)
}

// List returns every registered repo, sorted by path.
func List(path string) ([]Entry, error) {
	doc, err := load(path)
	if err != nil {
		return nil, err
	}
	sort.Slice(doc.Repos, func(i, j int) bool { return doc.Repos[i].Path < doc.Repos[j].Path })
	return doc.Repos, nil
}

// Remove deregisters repoPath (canonicalized); removing an absent entry
// is idempotent success, matching the core's ENOENT-is-success idiom.
func Remove(path, repoPath string) error {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return errors.Wrap(err, "reporegistry.Remove")
	}
	doc, err := load(path)
	if err != nil {
		return err
	}
	filtered := doc.Repos[:0]
	for _, e := range doc.Repos {
		if e.Path != abs {
			filtered = append(filtered, e)
		}
	}
	doc.Repos = filtered
	return save(path, doc)
}
