// Package catalog holds the throughput test targets.
package catalog

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// TestTarget is an immutable description of a download endpoint.
type TestTarget struct {
	Name        string `yaml:"name" json:"name"`
	Country     string `yaml:"country" json:"country"`
	City        string `yaml:"city" json:"city"`
	DownloadURL string `yaml:"download_url" json:"download_url"`
	UploadURL   string `yaml:"upload_url" json:"upload_url,omitempty"`
}

var builtinTargets = []TestTarget{
	{Name: "Google CDN", Country: "BR", City: "São Paulo", DownloadURL: "https://dl.google.com/android/repository/android-ndk-r25c-linux.zip"},
	{Name: "Cloudflare", Country: "BR", City: "Rio de Janeiro", DownloadURL: "https://speed.cloudflare.com/__down?bytes=200000000"},
	{Name: "OVH", Country: "FR", City: "Paris", DownloadURL: "https://proof.ovh.net/files/100Mb.dat"},
}

type fileSchema struct {
	Targets []TestTarget `yaml:"targets"`
}

type Catalog struct {
	targets     []TestTarget
	defaultName string
	mu          sync.Mutex
	rng         *rand.Rand
}

// Builtin returns the catalog of well-known public download endpoints.
func Builtin() []TestTarget {
	out := make([]TestTarget, len(builtinTargets))
	copy(out, builtinTargets)
	return out
}

// New builds a catalog. defaultName may be empty, in which case Select picks
// a random target.
func New(targets []TestTarget, defaultName string, rng *rand.Rand) (*Catalog, error) {
	if len(targets) == 0 {
		return nil, errors.New("catalog must contain at least one target")
	}
	seen := make(map[string]struct{}, len(targets))
	clean := make([]TestTarget, 0, len(targets))
	for i, t := range targets {
		t.Name = strings.TrimSpace(t.Name)
		t.DownloadURL = strings.TrimSpace(t.DownloadURL)
		if t.Name == "" {
			return nil, fmt.Errorf("targets[%d].name must not be empty", i)
		}
		if t.DownloadURL == "" {
			return nil, fmt.Errorf("targets[%s].download_url must not be empty", t.Name)
		}
		key := strings.ToLower(t.Name)
		if _, ok := seen[key]; ok {
			return nil, fmt.Errorf("duplicate target name: %s", t.Name)
		}
		seen[key] = struct{}{}
		clean = append(clean, t)
	}
	c := &Catalog{targets: clean, rng: rng}
	if defaultName != "" {
		if _, ok := c.Lookup(defaultName); !ok {
			return nil, fmt.Errorf("catalog.default %q does not name a target", defaultName)
		}
		c.defaultName = defaultName
	}
	return c, nil
}

// Load reads a YAML target list from path. An empty path yields the builtin
// targets.
func Load(path, defaultName string, rng *rand.Rand) (*Catalog, error) {
	if path == "" {
		return New(Builtin(), defaultName, rng)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "read catalog")
	}
	var doc fileSchema
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, pkgerrors.Wrap(err, "parse catalog")
	}
	return New(doc.Targets, defaultName, rng)
}

func (c *Catalog) Targets() []TestTarget {
	out := make([]TestTarget, len(c.targets))
	copy(out, c.targets)
	return out
}

func (c *Catalog) Lookup(name string) (TestTarget, bool) {
	for _, t := range c.targets {
		if strings.EqualFold(t.Name, strings.TrimSpace(name)) {
			return t, true
		}
	}
	return TestTarget{}, false
}

// Select returns the configured default target, or a random one.
func (c *Catalog) Select() TestTarget {
	if c.defaultName != "" {
		t, _ := c.Lookup(c.defaultName)
		return t
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rng == nil {
		return c.targets[rand.Intn(len(c.targets))]
	}
	return c.targets[c.rng.Intn(len(c.targets))]
}
