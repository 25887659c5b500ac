// Package secrets redacts credentials from diffs before they leave the
// machine for external review.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

var (
	// ErrInvalidRegex indicates an allowlist pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates an allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)

// Finding is a detected secret.
type Finding struct {
	RuleID string
	Line   int
	Match  string
}

// Allowlist holds content patterns that are never treated as secrets.
type Allowlist struct {
	Regexes   []string
	StopWords []string
}

// LoadAllowlist reads the [allowlist] table of <projectDir>/.gitleaks.toml.
// A missing file yields an empty allowlist.
func LoadAllowlist(projectDir string) (*Allowlist, error) {
	path := filepath.Join(projectDir, ".gitleaks.toml")
	var doc struct {
		Allowlist struct {
			Regexes   []string `toml:"regexes"`
			StopWords []string `toml:"stopwords"`
		} `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Allowlist{}, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	for _, p := range doc.Allowlist.Regexes {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, p, path, err)
		}
	}
	return &Allowlist{Regexes: doc.Allowlist.Regexes, StopWords: doc.Allowlist.StopWords}, nil
}

// Redactor replaces detected secrets with [REDACTED:rule] markers.
type Redactor struct {
	allowlist *Allowlist

	once     sync.Once
	detector *detect.Detector
	initErr  error
}

// NewRedactor returns a redactor using the default gitleaks rules plus
// allowlist. A nil allowlist is empty.
func NewRedactor(allowlist *Allowlist) *Redactor {
	if allowlist == nil {
		allowlist = &Allowlist{}
	}
	return &Redactor{allowlist: allowlist}
}

func (r *Redactor) init() {
	r.detector, r.initErr = detect.NewDetectorDefaultConfig()
	if r.initErr != nil {
		return
	}
	if len(r.allowlist.Regexes) == 0 && len(r.allowlist.StopWords) == 0 {
		return
	}
	al := &gitleaksConfig.Allowlist{Description: "project allowlist"}
	for _, p := range r.allowlist.Regexes {
		al.Regexes = append(al.Regexes, (*gitleaksRegexp.Regexp)(regexp.MustCompile(p)))
	}
	al.StopWords = append(al.StopWords, r.allowlist.StopWords...)
	r.detector.Config.Allowlists = append(r.detector.Config.Allowlists, al)
}

// Detect returns the secrets found in content.
func (r *Redactor) Detect(content string) ([]Finding, error) {
	r.once.Do(r.init)
	if r.initErr != nil {
		return nil, fmt.Errorf("initializing secret detector: %w", r.initErr)
	}
	found := r.detector.DetectString(content)
	out := make([]Finding, 0, len(found))
	for _, f := range found {
		if f.Secret == "" {
			continue
		}
		out = append(out, Finding{RuleID: f.RuleID, Line: f.StartLine, Match: f.Secret})
	}
	return out, nil
}

// Redact returns content with every detected secret replaced.
func (r *Redactor) Redact(content string) (string, []Finding, error) {
	findings, err := r.Detect(content)
	if err != nil {
		return "", nil, err
	}
	return replaceFindings(content, findings), findings, nil
}

// replaceFindings substitutes markers for secrets, longest first so that a
// secret containing another is replaced whole.
func replaceFindings(content string, findings []Finding) string {
	if len(findings) == 0 {
		return content
	}
	sorted := make([]Finding, len(findings))
	copy(sorted, findings)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i].Match) > len(sorted[j].Match) })

	for _, f := range sorted {
		content = strings.ReplaceAll(content, f.Match, "[REDACTED:"+f.RuleID+"]")
	}
	return content
}
