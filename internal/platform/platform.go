package platform

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// Platform is the runtime-mode tag handed to the backend as its environment
// name. The set is closed.
type Platform string

const (
	Desktop Platform = "desktop"
	Android Platform = "android"
	IOS     Platform = "ios"
)

// All lists every known platform tag.
var All = []Platform{Desktop, Android, IOS}

// Current returns the tag for the running binary.
func Current() Platform { return ForGOOS(runtime.GOOS) }

// ForGOOS maps a GOOS value to a platform tag. Anything that is not a mobile
// target is treated as desktop.
func ForGOOS(goos string) Platform {
	switch goos {
	case "android":
		return Android
	case "ios":
		return IOS
	default:
		return Desktop
	}
}

// Parse validates a tag read from config or flags. The empty string selects
// the current platform.
func Parse(s string) (Platform, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Current(), nil
	}
	for _, p := range All {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown platform %q (want one of desktop, android, ios)", s)
}

// IsMobile reports whether the platform runs in disconnected mode where the
// embedded fallback responder replaces the backend.
func (p Platform) IsMobile() bool { return p == Android || p == IOS }

func (p Platform) String() string { return string(p) }

// DatabaseFile is the sqlite file name the backend uses for this platform.
func (p Platform) DatabaseFile() string { return string(p) + ".sqlite3" }

// DatabasePath returns <dataDir>/storage/<platform>.sqlite3.
func (p Platform) DatabasePath(dataDir string) string {
	return filepath.Join(StorageDir(dataDir), p.DatabaseFile())
}

// StorageDir returns the writable storage directory under dataDir.
func StorageDir(dataDir string) string { return filepath.Join(dataDir, "storage") }

// DatabaseURL formats the DATABASE_URL value understood by the backend.
func DatabaseURL(dbPath string) string { return "sqlite3://" + filepath.ToSlash(dbPath) }
