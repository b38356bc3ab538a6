package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sipeed/wxclaw/pkg/logger"
	"github.com/sipeed/wxclaw/pkg/utils"
)

// cacheExts are tried in order on lookup; they are also the only
// extensions a committed file can carry.
var cacheExts = []string{"jpg", "jpeg", "png", "gif"}

const tempPrefix = ".dl-"

// Cache is a flat directory of verified images named {key}.{ext}. There is
// no index: the directory listing is the source of truth.
type Cache struct {
	dir string
}

func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create image cache dir: %w", err)
	}
	return &Cache{dir: dir}, nil
}

func (c *Cache) Dir() string { return c.dir }

// Path is where key would be committed with the given extension.
func (c *Cache) Path(key, ext string) string {
	return filepath.Join(c.dir, cacheName(key)+"."+ext)
}

func cacheName(key string) string {
	name := utils.SanitizeFilename(key)
	if name == "" || name == "." {
		name = "image"
	}
	return name
}

// Lookup satisfies wechat.ImageLocator.
func (c *Cache) Lookup(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	name := cacheName(key)
	for _, ext := range cacheExts {
		p := filepath.Join(c.dir, name+"."+ext)
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
			return p, true
		}
	}

	matches, err := filepath.Glob(filepath.Join(c.dir, globEscape(name)+".*"))
	if err != nil {
		return "", false
	}
	for _, m := range matches {
		if strings.HasPrefix(filepath.Base(m), tempPrefix) {
			continue
		}
		if st, err := os.Stat(m); err == nil && st.Mode().IsRegular() {
			return m, true
		}
	}
	return "", false
}

func globEscape(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `\`, `\\`)
	return r.Replace(s)
}

// createTemp opens a hidden temp file inside the cache dir so the final
// rename stays on one filesystem.
func (c *Cache) createTemp(key string) (*os.File, error) {
	return os.CreateTemp(c.dir, tempPrefix+cacheName(key)+"-*")
}

// Sweep removes files older than maxAge. Abandoned temp files are swept
// on the same rule.
func (c *Cache) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read cache dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		p := filepath.Join(c.dir, e.Name())
		if err := os.Remove(p); err != nil {
			logger.WarnCF("media", "Failed to remove cached file", map[string]interface{}{
				"path":  p,
				"error": err.Error(),
			})
			continue
		}
		removed++
	}

	if removed > 0 {
		logger.InfoCF("media", "Image cache swept", map[string]interface{}{
			"removed": removed,
			"dir":     c.dir,
		})
	}
	return removed, nil
}
