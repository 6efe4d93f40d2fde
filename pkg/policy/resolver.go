// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/codegate/pkg/container"
)

// Resolver maps a top-level import name to the set of distributions
// that could provide it. The relation is many-to-many: an empty result
// means "unknown", never "stdlib" or "local" specifically.
//
// Implementations must be safe for concurrent use.
type Resolver interface {
	Resolve(ctx context.Context, topLevel string) []string
}

var canonicalRun = regexp.MustCompile(`[-_.]+`)

// CanonicalName normalizes a distribution name per PEP 503:
// lowercase with runs of "-", "_" and "." collapsed to "-".
func CanonicalName(name string) string {
	return canonicalRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}

// =============================================================================
// MEMO
// =============================================================================

// MemoResolver caches another resolver's answers. Create one per
// evaluation run so installed environments never leak across projects.
type MemoResolver struct {
	inner Resolver
	mu    sync.Mutex
	cache map[string][]string
}

// NewMemoResolver wraps inner with a per-instance cache.
func NewMemoResolver(inner Resolver) *MemoResolver {
	return &MemoResolver{inner: inner, cache: make(map[string][]string)}
}

// Resolve returns the cached answer or asks the inner resolver once.
func (m *MemoResolver) Resolve(ctx context.Context, topLevel string) []string {
	m.mu.Lock()
	if v, ok := m.cache[topLevel]; ok {
		m.mu.Unlock()
		return v
	}
	m.mu.Unlock()

	v := normalizeSet(m.inner.Resolve(ctx, topLevel))

	m.mu.Lock()
	m.cache[topLevel] = v
	m.mu.Unlock()
	return v
}

// =============================================================================
// STATIC / ALIASES / CHAIN
// =============================================================================

// StaticResolver resolves from a fixed map.
type StaticResolver map[string][]string

// Resolve returns the configured candidates for topLevel.
func (s StaticResolver) Resolve(_ context.Context, topLevel string) []string {
	return normalizeSet(s[topLevel])
}

// knownAliases lists common import names that differ from the
// distribution that ships them.
var knownAliases = StaticResolver{
	"yaml":     {"PyYAML"},
	"PIL":      {"Pillow"},
	"cv2":      {"opencv-python", "opencv-python-headless", "opencv-contrib-python"},
	"sklearn":  {"scikit-learn"},
	"skimage":  {"scikit-image"},
	"bs4":      {"beautifulsoup4"},
	"dateutil": {"python-dateutil"},
	"dotenv":   {"python-dotenv"},
	"jwt":      {"PyJWT"},
	"Crypto":   {"pycryptodome", "pycrypto"},
	"OpenSSL":  {"pyOpenSSL"},
	"google":   {"protobuf", "google-api-core", "google-cloud-core"},
	"attr":     {"attrs"},
	"serial":   {"pyserial"},
	"usb":      {"pyusb"},
	"magic":    {"python-magic"},
	"docx":     {"python-docx"},
	"pptx":     {"python-pptx"},
	"fitz":     {"PyMuPDF"},
	"git":      {"GitPython"},
	"zmq":      {"pyzmq"},
	"MySQLdb":  {"mysqlclient"},
	"psycopg2": {"psycopg2", "psycopg2-binary"},
}

// KnownAliasResolver returns the built-in alias table.
func KnownAliasResolver() Resolver {
	return knownAliases
}

// ChainResolver asks each resolver in order and returns the first
// non-empty answer.
type ChainResolver []Resolver

// Resolve implements Resolver.
func (c ChainResolver) Resolve(ctx context.Context, topLevel string) []string {
	for _, r := range c {
		if r == nil {
			continue
		}
		if v := r.Resolve(ctx, topLevel); len(v) > 0 {
			return normalizeSet(v)
		}
	}
	return nil
}

// =============================================================================
// SITE-PACKAGES
// =============================================================================

// SitePackagesResolver reads installed distribution metadata from
// site-packages directories on the host.
//
// Each *.dist-info contributes its top_level.txt, falling back to the
// first path segment of every RECORD entry. *.egg-info contributes its
// top_level.txt. Directories are scanned lazily on first Resolve.
type SitePackagesResolver struct {
	dirs   []string
	logger *slog.Logger

	once  sync.Once
	index map[string][]string
}

// NewSitePackagesResolver creates a resolver over dirs.
func NewSitePackagesResolver(logger *slog.Logger, dirs ...string) *SitePackagesResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &SitePackagesResolver{dirs: dirs, logger: logger}
}

// Resolve implements Resolver.
func (s *SitePackagesResolver) Resolve(_ context.Context, topLevel string) []string {
	s.once.Do(s.load)
	return s.index[topLevel]
}

func (s *SitePackagesResolver) load() {
	sets := make(map[string]map[string]struct{})
	add := func(top, dist string) {
		top = strings.TrimSpace(top)
		if top == "" || dist == "" {
			return
		}
		if sets[top] == nil {
			sets[top] = make(map[string]struct{})
		}
		sets[top][dist] = struct{}{}
	}

	for _, dir := range s.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			s.logger.Debug("Skipping site-packages directory",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			name := e.Name()
			metaDir := filepath.Join(dir, name)
			switch {
			case strings.HasSuffix(name, ".dist-info"):
				dist := distributionName(metaDir, "METADATA", strings.TrimSuffix(name, ".dist-info"))
				tops := readLines(filepath.Join(metaDir, "top_level.txt"))
				if len(tops) == 0 {
					tops = recordTopLevels(filepath.Join(metaDir, "RECORD"))
				}
				for _, top := range tops {
					add(top, dist)
				}
			case strings.HasSuffix(name, ".egg-info"):
				dist := distributionName(metaDir, "PKG-INFO", strings.TrimSuffix(name, ".egg-info"))
				for _, top := range readLines(filepath.Join(metaDir, "top_level.txt")) {
					add(top, dist)
				}
			}
		}
	}

	s.index = make(map[string][]string, len(sets))
	for top, set := range sets {
		s.index[top] = setToSorted(set)
	}
	s.logger.Debug("Indexed site-packages", slog.Int("top_levels", len(s.index)))
}

// distributionName reads "Name:" from a metadata file, falling back to
// the directory stem before its version ("PyYAML-6.0.1" -> "PyYAML").
func distributionName(metaDir, file, stem string) string {
	f, err := os.Open(filepath.Join(metaDir, file))
	if err == nil {
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := sc.Text()
			if line == "" {
				break
			}
			if v, ok := strings.CutPrefix(line, "Name:"); ok {
				return strings.TrimSpace(v)
			}
		}
	}
	if i := strings.IndexByte(stem, '-'); i > 0 {
		return stem[:i]
	}
	return stem
}

func readLines(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// recordTopLevels derives importable top-level names from a RECORD file.
func recordTopLevels(path string) []string {
	set := make(map[string]struct{})
	for _, line := range readLines(path) {
		entry := strings.SplitN(line, ",", 2)[0]
		first := strings.SplitN(entry, "/", 2)[0]
		switch {
		case first == "" || first == ".." || first == "__pycache__":
			continue
		case strings.HasSuffix(first, ".dist-info"), strings.HasSuffix(first, ".data"):
			continue
		case strings.HasSuffix(first, ".pth"):
			continue
		}
		if strings.Contains(entry, "/") {
			set[first] = struct{}{}
			continue
		}
		if mod, ok := strings.CutSuffix(first, ".py"); ok {
			set[mod] = struct{}{}
		} else if i := strings.Index(first, ".cpython-"); i > 0 {
			set[first[:i]] = struct{}{}
		} else if mod, ok := strings.CutSuffix(first, ".so"); ok {
			set[mod] = struct{}{}
		}
	}
	return setToSorted(set)
}

// =============================================================================
// CONTAINER
// =============================================================================

// CommandRunner runs a command inside a container image.
type CommandRunner interface {
	RunCommand(ctx context.Context, req container.RunRequest) (*container.CommandResult, error)
}

// packagesDistributionsScript prints {top_level: [distributions]} as JSON.
const packagesDistributionsScript = `import json
try:
    from importlib.metadata import packages_distributions
    m = packages_distributions()
except ImportError:
    import importlib.metadata as md
    m = {}
    for d in md.distributions():
        n = d.metadata["Name"]
        for t in (d.read_text("top_level.txt") or "").split():
            m.setdefault(t, []).append(n)
print(json.dumps(m))
`

// ContainerResolver asks the dependency image which distributions
// provide which top-level modules. The mapping is fetched once.
type ContainerResolver struct {
	runner CommandRunner
	image  string
	logger *slog.Logger

	once  sync.Once
	index map[string][]string
}

// NewContainerResolver creates a resolver backed by image.
func NewContainerResolver(runner CommandRunner, image string, logger *slog.Logger) *ContainerResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContainerResolver{runner: runner, image: image, logger: logger}
}

// Resolve implements Resolver.
func (c *ContainerResolver) Resolve(ctx context.Context, topLevel string) []string {
	c.once.Do(func() {
		idx, err := c.load(ctx)
		if err != nil {
			c.logger.Warn("Container distribution lookup failed",
				slog.String("image", c.image),
				slog.String("error", err.Error()),
			)
			idx = map[string][]string{}
		}
		c.index = idx
	})
	return c.index[topLevel]
}

func (c *ContainerResolver) load(ctx context.Context) (map[string][]string, error) {
	if c.runner == nil || c.image == "" {
		return nil, fmt.Errorf("no image to query")
	}
	res, err := c.runner.RunCommand(ctx, container.RunRequest{
		Image:   c.image,
		Command: []string{"python", "-c", packagesDistributionsScript},
	})
	if err != nil {
		return nil, err
	}
	if res.TimedOut {
		return nil, fmt.Errorf("packages_distributions %s", container.TimeoutMessage(container.DefaultCommandTimeout))
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("packages_distributions exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	var raw map[string][]string
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &raw); err != nil {
		return nil, fmt.Errorf("decode packages_distributions output: %w", err)
	}
	for k, v := range raw {
		raw[k] = normalizeSet(v)
	}
	return raw, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// normalizeSet dedupes and sorts, dropping blanks.
func normalizeSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = struct{}{}
		}
	}
	return setToSorted(set)
}

func setToSorted(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Compile-time interface checks.
var (
	_ Resolver = (*MemoResolver)(nil)
	_ Resolver = StaticResolver(nil)
	_ Resolver = ChainResolver(nil)
	_ Resolver = (*SitePackagesResolver)(nil)
	_ Resolver = (*ContainerResolver)(nil)
)
