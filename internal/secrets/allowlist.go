package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
)

// ProjectAllowlistFile is read from the repository root when present.
const ProjectAllowlistFile = ".gitleaks.toml"

// Allowlist excludes paths and content from secret detection.
type Allowlist struct {
	Paths     []string // file path regexes
	Regexes   []string // content regexes
	StopWords []string
}

// LoadAllowlists merges the project allowlist in repoRoot with the optional
// user file. Missing files are skipped; invalid ones are errors.
func LoadAllowlists(repoRoot, userPath string) (*Allowlist, error) {
	merged := &Allowlist{}
	var sources []string
	if repoRoot != "" {
		sources = append(sources, filepath.Join(repoRoot, ProjectAllowlistFile))
	}
	if userPath != "" {
		sources = append(sources, userPath)
	}
	for _, path := range sources {
		a, err := loadTOML(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		merged.Paths = append(merged.Paths, a.Paths...)
		merged.Regexes = append(merged.Regexes, a.Regexes...)
		merged.StopWords = append(merged.StopWords, a.StopWords...)
	}
	return merged, nil
}

func loadTOML(path string) (*Allowlist, error) {
	var file struct {
		Allowlist struct {
			Paths     []string `toml:"paths"`
			Regexes   []string `toml:"regexes"`
			StopWords []string `toml:"stopwords"`
		} `toml:"allowlist"`
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	for _, pattern := range append(file.Allowlist.Paths, file.Allowlist.Regexes...) {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}
	return &Allowlist{
		Paths:     file.Allowlist.Paths,
		Regexes:   file.Allowlist.Regexes,
		StopWords: file.Allowlist.StopWords,
	}, nil
}
