package env

import (
	"os"
	"sort"
	"strings"
)

// Keys understood by the backend child.
const (
	KeyRuntimeMode = "RAILS_ENV"
	KeyDatabaseURL = "DATABASE_URL"
)

type Var map[string]string

// Env composes the environment handed to child processes. It never mutates
// the host process environment.
type Env struct {
	Var  Var // global overrides (from config)
	base Var // cached base from OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.base = Parse(os.Environ())
}

// WithBase replaces the base environment; useful when the host environment
// must not leak into the child.
func (e *Env) WithBase(kvs []string) *Env {
	e.base = Parse(kvs)
	return e
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// SetAll applies a list of "K=V" entries as global overrides.
func (e *Env) SetAll(kvs []string) {
	for k, v := range Parse(kvs) {
		e.Set(k, v)
	}
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Merge composes the final environment applying, in order: the base (OS
// environment unless WithBase was used), global overrides, then overrides.
// ${VAR} references are expanded once against the composed map. The result
// is sorted by key.
func (e *Env) Merge(overrides []string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(e.Var)+len(overrides))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range Parse(overrides) {
		m[k] = v
	}
	expanded := make(Var, len(m))
	for k, v := range m {
		expanded[k] = expand(v, m)
	}
	return expanded.List()
}

// Backend returns the overrides the backend child needs: runtime mode and
// database location.
func Backend(mode, databaseURL string) []string {
	out := []string{KeyRuntimeMode + "=" + mode}
	if databaseURL != "" {
		out = append(out, KeyDatabaseURL+"="+databaseURL)
	}
	return out
}

// Parse turns "K=V" entries into a map. Entries without '=' or with an empty
// key are skipped; later entries win.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// List renders the map as sorted "K=V" entries.
func (v Var) List() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		if k != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+v[k])
	}
	return out
}

// Lookup returns the value for key in a "K=V" list.
func Lookup(kvs []string, key string) (string, bool) {
	v, ok := Parse(kvs)[key]
	return v, ok
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
