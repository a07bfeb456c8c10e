package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDFile records the backend child so a later run can find a child orphaned
// by a crashed host. Format: pid on the first line, JSON metadata after it.
type PIDFile struct {
	Path string
}

type pidMeta struct {
	StartMillis int64  `json:"start_ms"`
	Root        string `json:"root,omitempty"`
}

// Write stores pid together with its OS start time.
func (f PIDFile) Write(pid int, root string) error {
	if f.Path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o750); err != nil {
		return err
	}
	meta, _ := json.Marshal(pidMeta{StartMillis: CreateTime(pid), Root: root})
	data := strconv.Itoa(pid) + "\n" + string(meta) + "\n"
	return os.WriteFile(f.Path, []byte(data), 0o600)
}

// Read returns the recorded pid and start time. A missing file yields
// os.ErrNotExist.
func (f PIDFile) Read() (int, int64, error) {
	b, err := os.ReadFile(filepath.Clean(f.Path))
	if err != nil {
		return 0, 0, err
	}
	line, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || pid <= 0 {
		return 0, 0, fmt.Errorf("invalid pid file %s", f.Path)
	}
	var meta pidMeta
	if rest = strings.TrimSpace(rest); rest != "" {
		if err := json.Unmarshal([]byte(rest), &meta); err != nil {
			return pid, 0, nil
		}
	}
	return pid, meta.StartMillis, nil
}

// Remove deletes the file, ignoring a missing one.
func (f PIDFile) Remove() error {
	if f.Path == "" {
		return nil
	}
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Orphan returns the pid recorded in the file if that exact process (same pid
// and start time) is still alive. A file without a start time never matches,
// since the pid may have been reused.
func (f PIDFile) Orphan() (int, bool) {
	if f.Path == "" {
		return 0, false
	}
	pid, start, err := f.Read()
	if err != nil || start == 0 || !Exists(pid) {
		return 0, false
	}
	if CreateTime(pid) != start {
		return 0, false
	}
	return pid, true
}
