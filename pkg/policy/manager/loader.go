package manager

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

// PolicyFile is one policy read from disk. Name is the file name without
// its extension.
type PolicyFile struct {
	Name   string
	Path   string
	Source string
}

// PolicyLoaderConfig contains configuration for the policy loader.
type PolicyLoaderConfig struct {
	// Extensions lists the file extensions treated as policies.
	Extensions []string

	// MaxFileSize is the largest policy file accepted, in bytes.
	MaxFileSize int64

	// SkipHidden skips files and directories starting with a dot.
	SkipHidden bool

	// SkipTests skips Rego unit test files (*_test.rego).
	SkipTests bool
}

// DefaultLoaderConfig returns the default loader configuration.
func DefaultLoaderConfig() *PolicyLoaderConfig {
	return &PolicyLoaderConfig{
		Extensions:  []string{".rego"},
		MaxFileSize: 1 << 20,
		SkipHidden:  true,
		SkipTests:   true,
	}
}

// PolicyLoader reads policy files from the file system.
type PolicyLoader struct {
	config *PolicyLoaderConfig
}

// NewPolicyLoader creates a loader. A nil config uses DefaultLoaderConfig.
func NewPolicyLoader(config *PolicyLoaderConfig) *PolicyLoader {
	if config == nil {
		config = DefaultLoaderConfig()
	}
	return &PolicyLoader{config: config}
}

// LoadFromFile reads a single policy file.
func (l *PolicyLoader) LoadFromFile(path string) (PolicyFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		msg := "failed to access file"
		switch {
		case os.IsNotExist(err):
			msg = "file not found"
		case os.IsPermission(err):
			msg = "permission denied"
		}
		return PolicyFile{}, &LoadError{FilePath: path, Message: msg, Cause: err}
	}

	if !info.Mode().IsRegular() {
		return PolicyFile{}, &LoadError{FilePath: path, Message: "not a regular file"}
	}

	if info.Size() > l.config.MaxFileSize {
		return PolicyFile{}, &LoadError{
			FilePath: path,
			Message:  fmt.Sprintf("file size %d bytes exceeds maximum %d bytes", info.Size(), l.config.MaxFileSize),
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return PolicyFile{}, &LoadError{FilePath: path, Message: "failed to read file", Cause: err}
	}

	if !utf8.Valid(data) {
		return PolicyFile{}, &LoadError{FilePath: path, Message: "file contains invalid UTF-8 encoding"}
	}

	return PolicyFile{
		Name:   PolicyName(path),
		Path:   path,
		Source: string(data),
	}, nil
}

// LoadFromDirectory reads every policy file under dir, sorted by path.
// Files that fail to load are reported in an *ErrorList alongside the files
// that loaded; an empty directory is not an error.
func (l *PolicyLoader) LoadFromDirectory(dir string) ([]PolicyFile, error) {
	info, err := os.Stat(dir)
	if err != nil {
		msg := "failed to access directory"
		if os.IsNotExist(err) {
			msg = "directory not found"
		}
		return nil, &LoadError{FilePath: dir, Message: msg, Cause: err}
	}
	if !info.IsDir() {
		return nil, &LoadError{FilePath: dir, Message: "not a directory"}
	}

	paths, err := l.collectPolicyFiles(dir)
	if err != nil {
		return nil, err
	}

	var files []PolicyFile
	errList := &ErrorList{}
	seen := make(map[string]string, len(paths))

	for _, path := range paths {
		f, err := l.LoadFromFile(path)
		if err != nil {
			errList.Add(err)
			continue
		}
		if first, dup := seen[f.Name]; dup {
			errList.Add(&LoadError{
				FilePath: path,
				Message:  fmt.Sprintf("policy name %q already defined by %s", f.Name, first),
			})
			continue
		}
		seen[f.Name] = path
		files = append(files, f)
	}

	return files, errList.ToError()
}

func (l *PolicyLoader) collectPolicyFiles(dir string) ([]string, error) {
	var paths []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if l.config.SkipHidden && strings.HasPrefix(d.Name(), ".") && path != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() || !l.IsPolicyFile(path) {
			return nil
		}

		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, &LoadError{FilePath: dir, Message: "failed to walk directory", Cause: err}
	}

	sort.Strings(paths)
	return paths, nil
}

// IsPolicyFile reports whether path names a file the loader would read.
func (l *PolicyLoader) IsPolicyFile(path string) bool {
	base := filepath.Base(path)
	if l.config.SkipHidden && strings.HasPrefix(base, ".") {
		return false
	}

	ext := strings.ToLower(filepath.Ext(base))
	matched := false
	for _, want := range l.config.Extensions {
		if ext == strings.ToLower(want) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	if l.config.SkipTests && strings.HasSuffix(strings.TrimSuffix(base, filepath.Ext(base)), "_test") {
		return false
	}
	return true
}

// PolicyName derives a policy name from its file path.
func PolicyName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
