// Package builder renders pipeline step commands and executes them in
// per-build workspaces.
package builder

import (
	"os"
	"path/filepath"
	"strings"
)

// BuildType selects the Install/Test/Build command templates. The zero value
// is Node.
type BuildType int

const (
	Node BuildType = iota
	Python
	Java
	Go
	Ruby
	Docker
)

var buildTypeNames = [...]string{
	Node:   "node",
	Python: "python",
	Java:   "java",
	Go:     "go",
	Ruby:   "ruby",
	Docker: "docker",
}

func (t BuildType) String() string {
	if t < 0 || int(t) >= len(buildTypeNames) {
		return buildTypeNames[Node]
	}
	return buildTypeNames[t]
}

// ParseBuildType maps a settings tag to a BuildType. Unknown or empty tags
// return Node and false.
func ParseBuildType(s string) (BuildType, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range buildTypeNames {
		if name == s {
			return BuildType(i), true
		}
	}
	return Node, false
}

// Commands is the per-type part of the pipeline.
type Commands struct {
	Install string
	Test    string
	Build   string
}

// Commands returns the templates for t. packageManager only matters for Node
// and defaults to npm.
func (t BuildType) Commands(packageManager string) Commands {
	switch t {
	case Python:
		return Commands{
			Install: "pip install -r requirements.txt",
			Test:    "python -m pytest",
			Build:   "python -m compileall -q .",
		}
	case Java:
		return Commands{
			Install: "if [ -f pom.xml ]; then mvn -B -q dependency:resolve; else gradle --no-daemon -q dependencies; fi",
			Test:    "if [ -f pom.xml ]; then mvn -B test; else gradle --no-daemon test; fi",
			Build:   "if [ -f pom.xml ]; then mvn -B package -DskipTests; else gradle --no-daemon assemble; fi",
		}
	case Go:
		return Commands{
			Install: "go mod download",
			Test:    "go test ./...",
			Build:   "go build ./...",
		}
	case Ruby:
		return Commands{
			Install: "bundle install",
			Test:    "bundle exec rake test",
			Build:   "bundle exec rake build",
		}
	case Docker:
		return Commands{
			Install: "docker info",
			Test:    "docker build --target test .",
			Build:   "docker build --tag buildhook-artifact .",
		}
	}

	switch packageManager {
	case "pnpm":
		return Commands{Install: "pnpm install", Test: "pnpm test", Build: "pnpm run build"}
	case "yarn":
		return Commands{Install: "yarn install", Test: "yarn test", Build: "yarn build"}
	}
	return Commands{Install: "npm install", Test: "npm test", Build: "npm run build"}
}

// detection order matters: a Node project with a Dockerfile is still Node
var markers = []struct {
	file string
	typ  BuildType
}{
	{"package.json", Node},
	{"go.mod", Go},
	{"requirements.txt", Python},
	{"pyproject.toml", Python},
	{"setup.py", Python},
	{"pom.xml", Java},
	{"build.gradle", Java},
	{"build.gradle.kts", Java},
	{"Gemfile", Ruby},
	{"Dockerfile", Docker},
}

// DetectBuildType looks for marker files in dir.
func DetectBuildType(dir string) (BuildType, bool) {
	for _, m := range markers {
		if exists(filepath.Join(dir, m.file)) {
			return m.typ, true
		}
	}
	return Node, false
}

// DetectPackageManager picks the Node package manager from the lockfile.
func DetectPackageManager(dir string) string {
	if exists(filepath.Join(dir, "pnpm-lock.yaml")) {
		return "pnpm"
	}
	if exists(filepath.Join(dir, "package-lock.json")) {
		return "npm"
	}
	if exists(filepath.Join(dir, "yarn.lock")) {
		return "yarn"
	}
	return "npm"
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
