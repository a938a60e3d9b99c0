// Package deps installs third-party dependencies inside session containers
// and maintains the shared install-artifact cache.
package deps

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"codedock/internal/exec/model"
	"codedock/internal/exec/profile"
	appErr "codedock/pkg/errors"
)

var findPackageRe = regexp.MustCompile(`(?m)^\s*find_package\s*\(\s*([A-Za-z0-9_.+-]+)`)

// Synthesize ensures the workspace carries a dependency manifest when the
// request declares dependencies. It returns the (possibly augmented) file
// list and the manifest filename, or "" when the session needs no install.
//
// A manifest already present in the submitted files always wins; the
// declared dependency map is only used to derive one.
func Synthesize(prof profile.Profile, files []model.ProjectFile, dependencies map[string]string) ([]model.ProjectFile, string, error) {
	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	if name := prof.ManifestFor(paths); name != "" {
		return files, name, nil
	}

	switch prof.Language {
	case "python":
		if len(dependencies) == 0 {
			return files, "", nil
		}
		return appendManifest(files, "requirements.txt", requirementsTxt(dependencies)), "requirements.txt", nil
	case "javascript":
		if len(dependencies) == 0 {
			return files, "", nil
		}
		content, err := packageJSON(dependencies)
		if err != nil {
			return nil, "", err
		}
		return appendManifest(files, "package.json", content), "package.json", nil
	case "java":
		if len(dependencies) == 0 {
			return files, "", nil
		}
		content, err := pomXML(dependencies)
		if err != nil {
			return nil, "", err
		}
		return appendManifest(files, "pom.xml", content), "pom.xml", nil
	case "cpp":
		pkgs := findPackages(files)
		if len(pkgs) == 0 && len(dependencies) == 0 {
			return files, "", nil
		}
		return appendManifest(files, "conanfile.txt", conanfileTxt(pkgs, dependencies)), "conanfile.txt", nil
	default:
		return files, "", nil
	}
}

func appendManifest(files []model.ProjectFile, name string, content []byte) []model.ProjectFile {
	out := make([]model.ProjectFile, len(files), len(files)+1)
	copy(out, files)
	return append(out, model.ProjectFile{Path: name, Content: content, Role: model.RoleSupport})
}

func requirementsTxt(dependencies map[string]string) []byte {
	lines := make([]string, 0, len(dependencies))
	for name, version := range dependencies {
		switch version {
		case "", "latest", "*":
			lines = append(lines, name)
		default:
			lines = append(lines, fmt.Sprintf("%s==%s", name, version))
		}
	}
	sort.Strings(lines)
	return []byte(strings.Join(lines, "\n") + "\n")
}

func packageJSON(dependencies map[string]string) ([]byte, error) {
	depSpec := make(map[string]string, len(dependencies))
	for name, version := range dependencies {
		switch version {
		case "", "latest":
			depSpec[name] = "*"
		default:
			depSpec[name] = version
		}
	}
	manifest := map[string]interface{}{
		"name":         "workspace",
		"version":      "1.0.0",
		"private":      true,
		"dependencies": depSpec,
	}
	content, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, appErr.Wrap(err, appErr.ManifestInvalid)
	}
	return append(content, '\n'), nil
}

// pomXML derives a minimal POM from "groupId:artifactId" → version entries.
func pomXML(dependencies map[string]string) ([]byte, error) {
	names := make([]string, 0, len(dependencies))
	for name := range dependencies {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<project xmlns="http://maven.apache.org/POM/4.0.0">
  <modelVersion>4.0.0</modelVersion>
  <groupId>workspace</groupId>
  <artifactId>workspace</artifactId>
  <version>1.0.0</version>
  <dependencies>
`)
	for _, name := range names {
		group, artifact, ok := strings.Cut(name, ":")
		if !ok {
			return nil, appErr.New(appErr.ManifestInvalid).
				WithMessage(fmt.Sprintf("java dependency %q must be groupId:artifactId", name))
		}
		version := dependencies[name]
		if version == "" || version == "latest" {
			version = "RELEASE"
		}
		sb.WriteString("    <dependency>\n")
		sb.WriteString("      <groupId>" + xmlEscape(group) + "</groupId>\n")
		sb.WriteString("      <artifactId>" + xmlEscape(artifact) + "</artifactId>\n")
		sb.WriteString("      <version>" + xmlEscape(version) + "</version>\n")
		sb.WriteString("    </dependency>\n")
	}
	sb.WriteString("  </dependencies>\n</project>\n")
	return []byte(sb.String()), nil
}

func xmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}

// findPackages scans CMake build files for find_package directives. Package
// names are lowercased to match package-manager recipe naming.
func findPackages(files []model.ProjectFile) []string {
	seen := make(map[string]bool)
	var pkgs []string
	for _, f := range files {
		base := f.Path
		if idx := strings.LastIndex(base, "/"); idx >= 0 {
			base = base[idx+1:]
		}
		if base != "CMakeLists.txt" {
			continue
		}
		for _, m := range findPackageRe.FindAllStringSubmatch(string(f.Content), -1) {
			name := strings.ToLower(m[1])
			if !seen[name] {
				seen[name] = true
				pkgs = append(pkgs, name)
			}
		}
	}
	sort.Strings(pkgs)
	return pkgs
}

func conanfileTxt(pkgs []string, dependencies map[string]string) []byte {
	versions := make(map[string]string, len(dependencies))
	for name, version := range dependencies {
		versions[strings.ToLower(name)] = version
	}
	for name := range versions {
		found := false
		for _, p := range pkgs {
			if p == name {
				found = true
				break
			}
		}
		if !found {
			pkgs = append(pkgs, name)
		}
	}
	sort.Strings(pkgs)

	var sb strings.Builder
	sb.WriteString("[requires]\n")
	for _, name := range pkgs {
		version := versions[name]
		switch version {
		case "", "latest", "*":
			sb.WriteString(name + "/[*]\n")
		default:
			sb.WriteString(name + "/" + version + "\n")
		}
	}
	sb.WriteString("\n[generators]\nCMakeDeps\nCMakeToolchain\n")
	return []byte(sb.String())
}
