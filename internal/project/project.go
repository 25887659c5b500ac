// Package project detects a repository's test framework so directives can
// tell the worker how to run its tests.
package project

import (
	"os"
	"path/filepath"
)

// Framework identifies a test runner.
type Framework string

// Known frameworks, in detection order.
const (
	Cargo  Framework = "cargo"
	Pytest Framework = "pytest"
	NPM    Framework = "npm"
	Go     Framework = "go"
	Gradle Framework = "gradle"
	Maven  Framework = "maven"
	None   Framework = "none"
)

// Detection is the outcome of Detect.
type Detection struct {
	Framework   Framework `json:"framework"`
	TestCommand string    `json:"test_command,omitempty"`
	Marker      string    `json:"marker,omitempty"`
}

type rule struct {
	framework Framework
	command   string
	markers   []string
}

var rules = []rule{
	{Cargo, "cargo test", []string{"Cargo.toml"}},
	{Pytest, "pytest", []string{"pyproject.toml", "setup.py", "pytest.ini"}},
	{NPM, "npm test", []string{"package.json"}},
	{Go, "go test ./...", []string{"go.mod"}},
	{Gradle, "./gradlew test", []string{"build.gradle", "build.gradle.kts"}},
	{Maven, "mvn test", []string{"pom.xml"}},
}

// Detect inspects dir for build manifests. The first matching rule wins;
// a directory with none yields None and an empty command.
func Detect(dir string) Detection {
	for _, r := range rules {
		for _, m := range r.markers {
			info, err := os.Stat(filepath.Join(dir, m))
			if err != nil || info.IsDir() {
				continue
			}
			return Detection{Framework: r.framework, TestCommand: r.command, Marker: m}
		}
	}
	return Detection{Framework: None}
}
