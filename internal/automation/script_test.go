//go:build !no_automation

package automation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestScripts(t *testing.T) *Scripts {
	t.Helper()
	s, err := NewScripts(filepath.Join(t.TempDir(), "scripts"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestScriptsListEmpty(t *testing.T) {
	s := newTestScripts(t)
	list, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("list count = %d, want 0", len(list))
	}
}

func TestScriptsSaveAndGet(t *testing.T) {
	s := newTestScripts(t)

	saved, err := s.Save(&Script{
		Meta:    ScriptMeta{Name: "Night Pause", Description: "pause after 23h", Enabled: true},
		LuaCode: `bambu.log("hello")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "night_pause" {
		t.Errorf("id = %q, want night_pause", saved.ID)
	}

	got, err := s.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta.Name != "Night Pause" || got.Meta.Description != "pause after 23h" || !got.Meta.Enabled {
		t.Errorf("meta = %+v", got.Meta)
	}
	if got.LuaCode != "bambu.log(\"hello\")\n" {
		t.Errorf("lua_code = %q", got.LuaCode)
	}
}

func TestScriptsSaveExistingID(t *testing.T) {
	s := newTestScripts(t)

	saved, err := s.Save(&Script{ID: "mine", Meta: ScriptMeta{Name: "Mine"}, LuaCode: `bambu.log("v1")`})
	if err != nil {
		t.Fatal(err)
	}
	saved.LuaCode = `bambu.log("v2")`
	if _, err := s.Save(saved); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get("mine")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.LuaCode, `"v2"`) {
		t.Errorf("lua_code after update = %q", got.LuaCode)
	}
}

func TestScriptsListSorted(t *testing.T) {
	s := newTestScripts(t)
	for _, name := range []string{"Gamma", "Alpha", "Beta"} {
		if _, err := s.Save(&Script{Meta: ScriptMeta{Name: name}, LuaCode: "-- " + name}); err != nil {
			t.Fatal(err)
		}
	}
	// Non-script files are ignored.
	if err := os.WriteFile(filepath.Join(s.dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	list, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, sc := range list {
		ids = append(ids, sc.ID)
	}
	if strings.Join(ids, ",") != "alpha,beta,gamma" {
		t.Errorf("ids = %v", ids)
	}
}

func TestScriptsDelete(t *testing.T) {
	s := newTestScripts(t)
	saved, err := s.Save(&Script{Meta: ScriptMeta{Name: "Bye"}, LuaCode: "x = 1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(saved.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(saved.ID); err == nil {
		t.Error("expected error after delete")
	}
}

func TestScriptsUniqueID(t *testing.T) {
	s := newTestScripts(t)
	a, err := s.Save(&Script{Meta: ScriptMeta{Name: "Dup"}})
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Save(&Script{Meta: ScriptMeta{Name: "Dup"}})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Errorf("expected unique ids, got %q twice", a.ID)
	}
	if b.ID != "dup_1" {
		t.Errorf("second id = %q, want dup_1", b.ID)
	}
}

func TestScriptsRejectInvalidID(t *testing.T) {
	s := newTestScripts(t)
	for _, id := range []string{"..", "../etc/passwd", `a\b`, "x/y"} {
		if _, err := s.Get(id); !errors.Is(err, ErrInvalidScriptID) {
			t.Errorf("Get(%q) err = %v", id, err)
		}
		if err := s.Delete(id); !errors.Is(err, ErrInvalidScriptID) {
			t.Errorf("Delete(%q) err = %v", id, err)
		}
		if _, err := s.Save(&Script{ID: id}); !errors.Is(err, ErrInvalidScriptID) {
			t.Errorf("Save(%q) err = %v", id, err)
		}
	}
}

func TestParseScriptFile(t *testing.T) {
	dir := t.TempDir()
	content := `-- {"name":"Finish Alert","description":"notify on completion","enabled":true}

bambu.on("print_completed", {printer="x1c"}, function(ev)
    notify.send(ev.file, "done")
end)
`
	path := filepath.Join(dir, "alert.lua")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	sc, err := parseScriptFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if sc.ID != "alert" {
		t.Errorf("id = %q, want alert", sc.ID)
	}
	if sc.Meta.Name != "Finish Alert" || !sc.Meta.Enabled {
		t.Errorf("meta = %+v", sc.Meta)
	}
	if !strings.HasPrefix(sc.LuaCode, `bambu.on("print_completed"`) {
		t.Errorf("lua_code = %q", sc.LuaCode)
	}
}

func TestParseScriptFileWithoutHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bare.lua")
	if err := os.WriteFile(path, []byte("x = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	sc, err := parseScriptFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if sc.Meta.Enabled || sc.Meta.Name != "" {
		t.Errorf("meta = %+v, want zero", sc.Meta)
	}
	if sc.LuaCode != "x = 1\n" {
		t.Errorf("lua_code = %q", sc.LuaCode)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Night Pause", "night_pause"},
		{"hello world!", "hello_world"},
		{"", ""},
		{"  spaces  ", "spaces"},
		{"UPPER", "upper"},
		{strings.Repeat("a", 50), strings.Repeat("a", 40)},
	}
	for _, tt := range tests {
		if got := slugify(tt.input); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
