package profile

import (
	"testing"

	appErr "codedock/pkg/errors"
)

func TestDefaultsCoverFourLanguages(t *testing.T) {
	repo := NewLocalRepository(nil)
	for _, lang := range []string{"python", "javascript", "java", "cpp"} {
		p, err := repo.Get(lang)
		if err != nil {
			t.Fatalf("get %s: %v", lang, err)
		}
		if p.Image == "" || p.EntryFile == "" || p.RunTemplate == "" || p.CacheDir == "" {
			t.Fatalf("%s profile incomplete: %+v", lang, p)
		}
	}
	if got := len(repo.List()); got != 4 {
		t.Fatalf("len(List) = %d, want 4", got)
	}
}

func TestGetUnknownLanguage(t *testing.T) {
	repo := NewLocalRepository(nil)
	if _, err := repo.Get("cobol"); appErr.GetCode(err) != appErr.LanguageNotSupported {
		t.Fatalf("err = %v, want LanguageNotSupported", err)
	}
	if _, err := repo.Get(""); appErr.GetCode(err) != appErr.ValidationFailed {
		t.Fatalf("err = %v, want ValidationFailed", err)
	}
}

func TestOverridesReplaceAndExtend(t *testing.T) {
	repo := NewLocalRepository([]Profile{
		{Language: "python", Image: "python:3.12-slim", EntryFile: "app.py", RunTemplate: "python3 {entry}"},
		{Language: "ruby", Image: "ruby:3.3-slim", EntryFile: "main.rb", RunTemplate: "ruby {entry}"},
		{Language: ""},
	})

	py, err := repo.Get("python")
	if err != nil {
		t.Fatalf("get python: %v", err)
	}
	if py.Image != "python:3.12-slim" || py.EntryFile != "app.py" {
		t.Fatalf("override not applied: %+v", py)
	}
	if _, err := repo.Get("ruby"); err != nil {
		t.Fatalf("extension language missing: %v", err)
	}
	if got := len(repo.List()); got != 5 {
		t.Fatalf("len(List) = %d, want 5", got)
	}
}

func TestCompiled(t *testing.T) {
	repo := NewLocalRepository(nil)
	for lang, want := range map[string]bool{"python": false, "javascript": false, "java": true, "cpp": true} {
		p, _ := repo.Get(lang)
		if p.Compiled() != want {
			t.Fatalf("%s.Compiled() = %v, want %v", lang, p.Compiled(), want)
		}
	}
}

func TestManifestFor(t *testing.T) {
	repo := NewLocalRepository(nil)
	cpp, _ := repo.Get("cpp")
	if got := cpp.ManifestFor([]string{"main.cpp", "conanfile.py"}); got != "conanfile.py" {
		t.Fatalf("ManifestFor = %q, want conanfile.py", got)
	}
	if got := cpp.ManifestFor([]string{"main.cpp"}); got != "" {
		t.Fatalf("ManifestFor = %q, want empty", got)
	}
	py, _ := repo.Get("python")
	if got := py.ManifestFor([]string{"requirements.txt", "main.py"}); got != "requirements.txt" {
		t.Fatalf("ManifestFor = %q, want requirements.txt", got)
	}
}

func TestMatchesSource(t *testing.T) {
	repo := NewLocalRepository(nil)
	js, _ := repo.Get("javascript")
	for path, want := range map[string]bool{
		"index.js":   true,
		"mod.mjs":    true,
		"server.cjs": true,
		"style.css":  false,
		".js":        false,
	} {
		if js.MatchesSource(path) != want {
			t.Fatalf("MatchesSource(%q) = %v, want %v", path, !want, want)
		}
	}
}
