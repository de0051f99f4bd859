//go:build !no_automation

package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ErrInvalidScriptID is returned for ids that are not a plain file stem.
var ErrInvalidScriptID = errors.New("invalid script id")

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one automation script stored on disk as <id>.lua. The first
// line carries the metadata as a JSON comment: -- {"name": ...}.
type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

func validScriptID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, "/\\") && !strings.Contains(id, "..")
}

// Scripts loads and saves scripts in a directory.
type Scripts struct {
	dir string
	mu  sync.RWMutex
}

// NewScripts creates dir if needed.
func NewScripts(dir string) (*Scripts, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Scripts{dir: dir}, nil
}

// List returns every parseable script, sorted by id.
func (s *Scripts) List() ([]*Script, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}
	var out []*Script
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lua") {
			continue
		}
		sc, err := parseScriptFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get loads one script.
func (s *Scripts) Get(id string) (*Script, error) {
	if !validScriptID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScriptID, id)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return parseScriptFile(filepath.Join(s.dir, id+".lua"))
}

// Save writes sc. A script without an id gets a unique one derived from
// its name.
func (s *Scripts) Save(sc *Script) (*Script, error) {
	if sc.ID != "" && !validScriptID(sc.ID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScriptID, sc.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if sc.ID == "" {
		base := slugify(sc.Meta.Name)
		if base == "" {
			base = "script"
		}
		sc.ID = base
		for i := 1; ; i++ {
			if _, err := os.Stat(filepath.Join(s.dir, sc.ID+".lua")); os.IsNotExist(err) {
				break
			}
			sc.ID = fmt.Sprintf("%s_%d", base, i)
		}
	}

	sc.FilePath = filepath.Join(s.dir, sc.ID+".lua")
	if err := os.WriteFile(sc.FilePath, []byte(serializeScript(sc)), 0o644); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	return sc, nil
}

// Delete removes a script file.
func (s *Scripts) Delete(id string) error {
	if !validScriptID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidScriptID, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(filepath.Join(s.dir, id+".lua")); err != nil {
		return fmt.Errorf("delete script: %w", err)
	}
	return nil
}

func parseScriptFile(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sc := &Script{
		ID:       strings.TrimSuffix(filepath.Base(path), ".lua"),
		FilePath: path,
	}

	lines := strings.Split(string(data), "\n")
	if len(lines) > 0 && strings.HasPrefix(lines[0], "-- {") {
		if err := json.Unmarshal([]byte(strings.TrimPrefix(lines[0], "-- ")), &sc.Meta); err != nil {
			slog.Warn("script metadata parse error", "file", path, "err", err)
		}
		lines = lines[1:]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	sc.LuaCode = strings.Join(lines, "\n")
	return sc, nil
}

func serializeScript(sc *Script) string {
	var b strings.Builder
	meta, _ := json.Marshal(sc.Meta)
	b.WriteString("-- ")
	b.Write(meta)
	b.WriteString("\n")
	if sc.LuaCode != "" {
		b.WriteString("\n")
		b.WriteString(sc.LuaCode)
		if !strings.HasSuffix(sc.LuaCode, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugRe.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > 40 {
		s = s[:40]
	}
	return s
}
