// Package file reads seeds from an environment variable, a file or a glob of
// files. Files hold one seed per line or comma-separated lists; lines starting
// with '#' are comments.
package file

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amirimatin/go-replset/pkg/discovery"
)

// Options configures file/ENV-based discovery.
type Options struct {
	// Path to a seed file, or a glob matching several.
	Path string
	// Env overrides file when non-empty.
	Env string
	// Port is applied to seeds written without one.
	Port int
	// Refresh controls cache staleness; if zero, defaults to 5s.
	Refresh time.Duration
}

type impl struct {
	opts  Options
	mu    sync.Mutex
	last  time.Time
	mtime time.Time
	cache []string
}

func New(opts Options) discovery.Discovery {
	if opts.Refresh <= 0 {
		opts.Refresh = 5 * time.Second
	}
	if opts.Port == 0 {
		opts.Port = discovery.DefaultPort
	}
	return &impl{opts: opts}
}

func (i *impl) Seeds(context.Context) ([]string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.opts.Env != "" {
		if v := strings.TrimSpace(os.Getenv(i.opts.Env)); v != "" {
			return normalize(splitSeeds(v), i.opts.Port), nil
		}
	}
	if i.opts.Path == "" {
		return nil, nil
	}
	now := time.Now()
	stat, err := os.Stat(i.opts.Path)
	if err == nil {
		if stat.ModTime().After(i.mtime) || now.Sub(i.last) >= i.opts.Refresh {
			seeds, err := loadFile(i.opts.Path)
			if err != nil {
				return nil, err
			}
			i.cache = normalize(seeds, i.opts.Port)
			i.last = now
			i.mtime = stat.ModTime()
		}
		return append([]string(nil), i.cache...), nil
	}

	matches, gerr := filepath.Glob(i.opts.Path)
	if gerr != nil {
		return nil, fmt.Errorf("file: %w", gerr)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("file: %w", err)
	}
	var all []string
	for _, m := range matches {
		seeds, err := loadFile(m)
		if err != nil {
			return nil, err
		}
		all = append(all, seeds...)
	}
	i.cache = normalize(all, i.opts.Port)
	i.last = now
	return append([]string(nil), i.cache...), nil
}

func loadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("file: %w", err)
	}
	defer f.Close()
	var seeds []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		seeds = append(seeds, splitSeeds(line)...)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("file: read %s: %w", path, err)
	}
	return seeds, nil
}

func splitSeeds(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalize applies the default port, de-dups and sorts.
func normalize(seeds []string, port int) []string {
	set := make(map[string]struct{}, len(seeds))
	for _, s := range seeds {
		set[discovery.WithPort(s, port)] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
