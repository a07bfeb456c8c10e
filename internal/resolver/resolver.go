package resolver

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DefaultEntryPoint is the backend executable looked up under every candidate.
const DefaultEntryPoint = "bin/rails"

// ErrNotFound is returned when no candidate root holds the entry point.
// Callers treat it as "run in fallback mode", never as fatal.
var ErrNotFound = errors.New("backend entry point not found in any candidate root")

// Root is a resolved backend installation directory.
type Root string

func (r Root) String() string { return string(r) }

// EntryPoint returns the absolute path of the entry point under r.
func (r Root) EntryPoint(rel string) string {
	return filepath.Join(string(r), filepath.FromSlash(rel))
}

// Resolver picks the first candidate containing EntryPoint.
// It only stats the filesystem.
type Resolver struct {
	Candidates []string
	EntryPoint string
	Logger     *slog.Logger
}

// Resolve returns the first root, in candidate order, holding a regular file at
// the entry point path.
func (r Resolver) Resolve() (Root, error) {
	entry := r.EntryPoint
	if strings.TrimSpace(entry) == "" {
		entry = DefaultEntryPoint
	}
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	for _, c := range r.Candidates {
		if strings.TrimSpace(c) == "" {
			continue
		}
		root := Root(filepath.Clean(c))
		fi, err := os.Stat(root.EntryPoint(entry))
		if err != nil {
			log.Debug("candidate rejected", slog.String("root", string(root)), slog.String("reason", err.Error()))
			continue
		}
		if !fi.Mode().IsRegular() {
			log.Debug("candidate rejected", slog.String("root", string(root)), slog.String("reason", "entry point is not a regular file"))
			continue
		}
		log.Info("backend root resolved", slog.String("root", string(root)), slog.String("entry_point", entry))
		return root, nil
	}
	return "", fmt.Errorf("%w (entry point %s, %d candidates)", ErrNotFound, entry, len(r.Candidates))
}

// Resolve is a convenience wrapper using the default logger.
func Resolve(candidates []string, entryPoint string) (Root, error) {
	return Resolver{Candidates: candidates, EntryPoint: entryPoint}.Resolve()
}

// DefaultCandidates builds the priority-ordered list of packaging layouts:
// the bundled resource directory, its "_up_" sub-bundle, the directory two
// levels above the executable, and finally a development checkout.
// Empty inputs are skipped; results are absolute, cleaned and de-duplicated.
func DefaultCandidates(resourceDir, exePath, devRoot string) []string {
	var raw []string
	if resourceDir != "" {
		raw = append(raw, resourceDir, filepath.Join(resourceDir, "_up_"))
	}
	if exePath != "" {
		raw = append(raw, filepath.Join(filepath.Dir(exePath), "..", ".."))
	}
	if devRoot != "" {
		raw = append(raw, devRoot)
	}
	return normalize(raw)
}

func normalize(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		p = filepath.Clean(p)
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
