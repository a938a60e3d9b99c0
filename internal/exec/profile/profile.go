// Package profile defines the static language table driving the engine.
package profile

// Profile defines how one language is containerized, built and run.
//
// BuildTemplate and RunTemplate are shell command templates. Recognized
// placeholders: {sources} (all matching source files), {entry} (entry file),
// {class} (derived JVM entry class), {binary} (compiled artifact name).
type Profile struct {
	Language      string   `yaml:"language"`
	Image         string   `yaml:"image"`
	EntryFile     string   `yaml:"entryFile"`
	SourceExts    []string `yaml:"sourceExts"`
	BuildTemplate string   `yaml:"buildTemplate"`
	RunTemplate   string   `yaml:"runTemplate"`
	BinaryFile    string   `yaml:"binaryFile"`
	ManifestNames []string `yaml:"manifestNames"`
	InstallCmd    string   `yaml:"installCmd"`
	Env           []string `yaml:"env"`

	// CacheDir is the container path the package manager populates; its
	// contents are what the dependency cache archives and restores.
	CacheDir string `yaml:"cacheDir"`

	// InstallTimeoutSec bounds the dependency install step. Zero uses the
	// engine default for the language class (script vs resolver).
	InstallTimeoutSec int `yaml:"installTimeoutSec"`
}

// Compiled reports whether the language has a separate build step.
func (p Profile) Compiled() bool {
	return p.BuildTemplate != ""
}

// ManifestFor returns the first dependency manifest present among files,
// or "" when the submission carries none.
func (p Profile) ManifestFor(paths []string) string {
	for _, name := range p.ManifestNames {
		for _, path := range paths {
			if path == name {
				return name
			}
		}
	}
	return ""
}

// MatchesSource reports whether path carries one of the profile's
// recognized source extensions.
func (p Profile) MatchesSource(path string) bool {
	for _, ext := range p.SourceExts {
		if len(path) > len(ext) && path[len(path)-len(ext):] == ext {
			return true
		}
	}
	return false
}

// Defaults returns the built-in language table.
func Defaults() []Profile {
	return []Profile{
		{
			Language:      "python",
			Image:         "python:3.11-slim",
			EntryFile:     "main.py",
			SourceExts:    []string{".py"},
			RunTemplate:   "python3 {entry}",
			ManifestNames: []string{"requirements.txt"},
			InstallCmd:    "pip install --user --no-cache-dir -r requirements.txt",
			Env:           []string{"PYTHONUNBUFFERED=1"},
			CacheDir:      "/root/.local",
		},
		{
			Language:      "javascript",
			Image:         "node:20-alpine",
			EntryFile:     "main.js",
			SourceExts:    []string{".js", ".mjs", ".cjs"},
			RunTemplate:   "node {entry}",
			ManifestNames: []string{"package.json"},
			InstallCmd:    "npm install --legacy-peer-deps --no-audit --no-fund",
			Env:           []string{"NODE_DISABLE_COLORS=1"},
			CacheDir:      "/workspace/node_modules",
		},
		{
			Language:      "java",
			Image:         "maven:3.9-eclipse-temurin-17",
			EntryFile:     "Main.java",
			SourceExts:    []string{".java"},
			BuildTemplate: "javac -cp {classpath} -d . {sources}",
			RunTemplate:   "java -cp {classpath} {class}",
			ManifestNames: []string{"pom.xml"},
			InstallCmd:    "mvn -q -B dependency:copy-dependencies -DoutputDirectory=lib",
			CacheDir:      "/workspace/lib",
			// Maven resolution is far slower than script package managers.
			InstallTimeoutSec: 300,
		},
		{
			Language:          "cpp",
			Image:             "gcc:13",
			EntryFile:         "main.cpp",
			SourceExts:        []string{".cpp", ".cc", ".cxx"},
			BuildTemplate:     "g++ -O2 -std=c++17 -o {binary} {sources}",
			RunTemplate:       "./{binary}",
			BinaryFile:        "app",
			ManifestNames:     []string{"conanfile.txt", "conanfile.py"},
			InstallCmd:        "conan install . --build=missing",
			CacheDir:          "/root/.conan2",
			InstallTimeoutSec: 300,
		},
	}
}
