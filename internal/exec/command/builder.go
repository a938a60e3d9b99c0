// Package command derives the shell command that builds and runs a
// submission. Building is pure: no container or filesystem access.
package command

import (
	"regexp"
	"sort"
	"strings"

	"github.com/google/shlex"

	"codedock/internal/exec/model"
	"codedock/internal/exec/profile"
	appErr "codedock/pkg/errors"
)

// Staging carries the in-container locations of injected custom libraries.
// Empty fields mean nothing was staged for that target.
type Staging struct {
	NodeModules   string
	JavaLib       string
	NativeLib     string
	NativeInclude string
	PythonWheels  string
}

const defaultEntryClass = "Main"

var publicClassRe = regexp.MustCompile(`public\s+class\s+([A-Za-z_][A-Za-z0-9_]*)`)

// Build derives the full shell command for one submission. Compiled
// languages get every matching source file in a single compiler invocation
// followed by the run step; staged library locations are appended to the
// language's search paths.
func Build(prof profile.Profile, files []model.ProjectFile, entryFile string, staging Staging) (string, error) {
	if prof.Language == "" || prof.RunTemplate == "" {
		return "", appErr.UnsupportedLanguage(prof.Language)
	}
	if entryFile == "" {
		entryFile = prof.EntryFile
	}

	sources := sourceList(prof, files, entryFile)
	if len(sources) == 0 {
		return "", appErr.ValidationError("files", "no source files match the language")
	}

	vars := map[string][]string{
		"{entry}":   {entryFile},
		"{sources}": sources,
		"{binary}":  {prof.BinaryFile},
	}
	if prof.Language == "java" {
		vars["{class}"] = []string{entryClass(files, entryFile)}
		vars["{classpath}"] = []string{javaClasspath(staging)}
	}

	var steps []string
	if prof.Compiled() {
		build, err := expandTemplate(prof.BuildTemplate, vars)
		if err != nil {
			return "", err
		}
		if prof.Language == "cpp" {
			build = appendNativeFlags(build, staging)
		}
		steps = append(steps, build)
	}
	run, err := expandTemplate(prof.RunTemplate, vars)
	if err != nil {
		return "", err
	}
	steps = append(steps, run)

	cmd := strings.Join(steps, " && ")
	if prefix := envPrefix(prof, staging); prefix != "" {
		cmd = prefix + " " + cmd
	}
	return cmd, nil
}

// sourceList returns every file matching the profile's extensions, entry
// file first, remainder sorted for a stable compiler invocation.
func sourceList(prof profile.Profile, files []model.ProjectFile, entryFile string) []string {
	var rest []string
	hasEntry := false
	for _, f := range files {
		if !prof.MatchesSource(f.Path) {
			continue
		}
		if f.Path == entryFile {
			hasEntry = true
			continue
		}
		rest = append(rest, f.Path)
	}
	sort.Strings(rest)
	if hasEntry {
		return append([]string{entryFile}, rest...)
	}
	return rest
}

// entryClass scans the entry source for the first public class declaration.
func entryClass(files []model.ProjectFile, entryFile string) string {
	for _, f := range files {
		if f.Path != entryFile {
			continue
		}
		if m := publicClassRe.FindSubmatch(f.Content); m != nil {
			return string(m[1])
		}
	}
	return defaultEntryClass
}

func javaClasspath(staging Staging) string {
	parts := []string{".", "lib/*"}
	if staging.JavaLib != "" {
		parts = append(parts, staging.JavaLib+"/*")
	}
	return strings.Join(parts, ":")
}

func appendNativeFlags(build string, staging Staging) string {
	if staging.NativeInclude != "" {
		build += " -I" + shellQuote(staging.NativeInclude)
	}
	if staging.NativeLib != "" {
		build += " -L" + shellQuote(staging.NativeLib) + " -Wl,-rpath," + shellQuote(staging.NativeLib)
	}
	return build
}

func envPrefix(prof profile.Profile, staging Staging) string {
	switch prof.Language {
	case "javascript":
		if staging.NodeModules != "" {
			return "export NODE_PATH=" + shellQuote(staging.NodeModules) + " &&"
		}
	case "cpp":
		if staging.NativeLib != "" {
			return "export LD_LIBRARY_PATH=" + shellQuote(staging.NativeLib) + " &&"
		}
	}
	return ""
}

// expandTemplate tokenizes the template and substitutes placeholder tokens.
// Substituted values are shell-quoted; literal template tokens pass through.
func expandTemplate(template string, vars map[string][]string) (string, error) {
	tokens, err := shlex.Split(template)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.InternalServerError, "invalid command template %q", template)
	}
	var out []string
	for _, tok := range tokens {
		if values, ok := vars[tok]; ok {
			for _, v := range values {
				if v == "" {
					continue
				}
				out = append(out, quoteIfNeeded(tok, v))
			}
			continue
		}
		// Placeholders embedded in a larger token (for example "./{binary}")
		// are substituted in place; quoted segments concatenate in POSIX sh.
		for key, values := range vars {
			if len(values) != 1 || !strings.Contains(tok, key) {
				continue
			}
			tok = strings.ReplaceAll(tok, key, quoteIfNeeded(key, values[0]))
		}
		out = append(out, tok)
	}
	return strings.Join(out, " "), nil
}

// quoteIfNeeded leaves classpath and class tokens bare (they contain globs
// the shell must expand, or are known identifiers) and quotes file paths.
func quoteIfNeeded(placeholder, value string) string {
	switch placeholder {
	case "{classpath}", "{class}":
		return value
	}
	return shellQuote(value)
}

// shellQuote wraps a value in single quotes, escaping embedded quotes.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
