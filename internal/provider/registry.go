package provider

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/longhouse/shipper/internal/config"
)

// Provider names.
const (
	NameClaude = "claude"
	NameCodex  = "codex"
	NameGemini = "gemini"
)

// Provider is one transcript source: a root directory scanned and watched
// recursively for files carrying Ext.
type Provider struct {
	Name string
	Root string
	Ext  string
}

// Candidates returns every provider this build knows about, whether or not
// its root exists on this machine.
func Candidates() ([]Provider, error) {
	claudeDir, err := config.ClaudeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve claude dir: %w", err)
	}
	providers := []Provider{
		{Name: NameClaude, Root: filepath.Join(claudeDir, "projects"), Ext: "jsonl"},
	}
	if codexHome := config.CodexHome(); codexHome != "" {
		providers = append(providers, Provider{
			Name: NameCodex, Root: filepath.Join(codexHome, "sessions"), Ext: "jsonl",
		})
	}
	if geminiTmp := config.GeminiTmpDir(); geminiTmp != "" {
		providers = append(providers, Provider{
			Name: NameGemini, Root: geminiTmp, Ext: "json",
		})
	}
	return providers, nil
}

// ListExisting filters Candidates down to providers whose root directory
// exists.
func ListExisting() ([]Provider, error) {
	all, err := Candidates()
	if err != nil {
		return nil, err
	}
	existing := make([]Provider, 0, len(all))
	for _, p := range all {
		if info, err := os.Stat(p.Root); err == nil && info.IsDir() {
			existing = append(existing, p)
		}
	}
	return existing, nil
}

// DiscoveredFile is one transcript found during a scan.
type DiscoveredFile struct {
	Path     string
	Provider string
	Size     int64
	ModTime  time.Time
}

// DiscoverFiles walks the given providers' roots and returns every
// non-empty file with a matching extension, newest first (ties broken by
// path for a stable order). Unreadable subtrees are skipped and the scan
// continues elsewhere.
func DiscoverFiles(providers []Provider) []DiscoveredFile {
	var files []DiscoveredFile
	for _, p := range providers {
		ext := "." + p.Ext
		_ = filepath.WalkDir(p.Root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() || filepath.Ext(path) != ext {
				return nil
			}
			info, err := d.Info()
			if err != nil || info.Size() == 0 {
				return nil
			}
			files = append(files, DiscoveredFile{
				Path:     path,
				Provider: p.Name,
				Size:     info.Size(),
				ModTime:  info.ModTime(),
			})
			return nil
		})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].Path < files[j].Path
		}
		return files[i].ModTime.After(files[j].ModTime)
	})
	return files
}

// ProviderForPath maps a path to the provider whose root contains it,
// considering every candidate provider.
func ProviderForPath(path string) (Provider, bool) {
	all, err := Candidates()
	if err != nil {
		return Provider{}, false
	}
	return ForPath(all, path)
}

// ForPath maps a path to the provider in the given set whose root contains
// it. The match is component-wise, so a root ".../foo" never claims files
// under ".../foo2".
func ForPath(providers []Provider, path string) (Provider, bool) {
	for _, p := range providers {
		rel, err := filepath.Rel(p.Root, path)
		if err != nil {
			continue
		}
		if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return p, true
	}
	return Provider{}, false
}

// Parse routes to the parser for the named provider.
func Parse(name, path string, startOffset int64) (*ParseResult, error) {
	switch name {
	case NameClaude:
		return ParseSession(path, startOffset)
	case NameCodex:
		return ParseCodexSession(path, startOffset)
	case NameGemini:
		return ParseGeminiSession(path, startOffset)
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}
