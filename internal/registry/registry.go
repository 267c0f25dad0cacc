// Package registry loads, validates, mutates and saves the source catalogue.
package registry

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

// ErrUnknownSource is returned when a named source does not exist.
var ErrUnknownSource = errors.New("unknown source")

// Selector kinds accepted by SetEnabled.
const (
	BySource   = "source"
	ByCategory = "category"
	ByTier     = "tier"
	ByPriority = "priority"
)

type fileSource struct {
	Name               string   `yaml:"name"`
	URL                string   `yaml:"url"`
	Category           string   `yaml:"category"`
	Tier               string   `yaml:"tier"`
	Priority           string   `yaml:"priority,omitempty"`
	RequiresJS         bool     `yaml:"requires_js,omitempty"`
	SelectorProfileRef string   `yaml:"selector_profile_ref,omitempty"`
	Enabled            *bool    `yaml:"enabled,omitempty"`
	AlternateURLs      []string `yaml:"alternate_urls,omitempty"`
}

type file struct {
	Profiles map[string]crawler.SelectorProfile `yaml:"profiles,omitempty"`
	Sources  []fileSource                       `yaml:"sources"`
}

// Registry is the in-memory source catalogue. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sources  []crawler.Source
	profiles map[string]crawler.SelectorProfile
}

// Load reads and validates a registry file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	reg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("registry %s: %w", path, err)
	}
	return reg, nil
}

// Parse validates registry YAML. Any invalid entry fails the whole load.
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	profiles := make(map[string]crawler.SelectorProfile, len(f.Profiles))
	for key, p := range f.Profiles {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			return nil, errors.New("profile with empty domain key")
		}
		if err := validateProfile(p); err != nil {
			return nil, fmt.Errorf("profile %s: %w", key, err)
		}
		profiles[key] = p
	}

	seen := make(map[string]struct{}, len(f.Sources))
	sources := make([]crawler.Source, 0, len(f.Sources))
	for i, fs := range f.Sources {
		src, err := toSource(fs, profiles)
		if err != nil {
			return nil, fmt.Errorf("source #%d (%s): %w", i+1, fs.Name, err)
		}
		if _, dup := seen[src.Name]; dup {
			return nil, fmt.Errorf("duplicate source name %q", src.Name)
		}
		seen[src.Name] = struct{}{}
		sources = append(sources, src)
	}
	return &Registry{sources: sources, profiles: profiles}, nil
}

func toSource(fs fileSource, profiles map[string]crawler.SelectorProfile) (crawler.Source, error) {
	name := strings.TrimSpace(fs.Name)
	if name == "" {
		return crawler.Source{}, errors.New("name is required")
	}
	if err := validateURL(fs.URL); err != nil {
		return crawler.Source{}, err
	}
	for _, alt := range fs.AlternateURLs {
		if err := validateURL(alt); err != nil {
			return crawler.Source{}, fmt.Errorf("alternate: %w", err)
		}
	}
	category := strings.TrimSpace(fs.Category)
	if category == "" {
		return crawler.Source{}, errors.New("category is required")
	}
	tier, err := crawler.ParseTier(fs.Tier)
	if err != nil {
		return crawler.Source{}, err
	}
	priority, err := crawler.ParsePriority(fs.Priority)
	if err != nil {
		return crawler.Source{}, err
	}
	ref := strings.ToLower(strings.TrimSpace(fs.SelectorProfileRef))
	if ref != "" {
		if _, ok := profiles[ref]; !ok {
			return crawler.Source{}, fmt.Errorf("selector profile %q not defined", fs.SelectorProfileRef)
		}
	}
	enabled := true
	if fs.Enabled != nil {
		enabled = *fs.Enabled
	}
	return crawler.Source{
		Name:               name,
		URL:                strings.TrimSpace(fs.URL),
		Category:           category,
		Tier:               tier,
		Priority:           priority,
		RequiresJS:         fs.RequiresJS,
		SelectorProfileRef: ref,
		Enabled:            enabled,
		AlternateURLs:      append([]string(nil), fs.AlternateURLs...),
	}, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("url %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url %q must be absolute http(s)", raw)
	}
	return nil
}

func validateProfile(p crawler.SelectorProfile) error {
	if strings.TrimSpace(p.Container) == "" {
		return errors.New("container selector is required")
	}
	for field, sel := range map[string]string{
		"container": p.Container,
		"title":     p.Title,
		"link":      p.Link,
		"timestamp": p.Timestamp,
		"content":   p.Content,
	} {
		if sel == "" {
			continue
		}
		if _, err := cascadia.ParseGroup(sel); err != nil {
			return fmt.Errorf("%s selector %q: %w", field, sel, err)
		}
	}
	return nil
}

// Sources returns every source in file order.
func (r *Registry) Sources() []crawler.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSources(r.sources)
}

// Enabled returns enabled sources, optionally restricted to categories, in
// file order.
func (r *Registry) Enabled(categories ...string) []crawler.Source {
	want := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		want[c] = struct{}{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]crawler.Source, 0, len(r.sources))
	for _, s := range r.sources {
		if !s.Enabled {
			continue
		}
		if len(want) > 0 {
			if _, ok := want[s.Category]; !ok {
				continue
			}
		}
		out = append(out, cloneSource(s))
	}
	return out
}

// Categories lists categories in order of first appearance.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]struct{}{}
	var out []string
	for _, s := range r.sources {
		if _, ok := seen[s.Category]; ok {
			continue
		}
		seen[s.Category] = struct{}{}
		out = append(out, s.Category)
	}
	return out
}

// Get returns a source by name.
func (r *Registry) Get(name string) (crawler.Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sources {
		if s.Name == name {
			return cloneSource(s), true
		}
	}
	return crawler.Source{}, false
}

// ProfileFor returns the selector profile for a source: its explicit
// reference first, else the longest profile key contained in the host.
func (r *Registry) ProfileFor(src crawler.Source) (crawler.SelectorProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if src.SelectorProfileRef != "" {
		p, ok := r.profiles[src.SelectorProfileRef]
		return p, ok
	}
	return LookupProfile(r.profiles, crawler.HostOf(src.URL))
}

// Profiles returns a copy of every profile keyed by domain.
func (r *Registry) Profiles() map[string]crawler.SelectorProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]crawler.SelectorProfile, len(r.profiles))
	for k, v := range r.profiles {
		out[k] = v
	}
	return out
}

// LookupProfile finds the profile whose key is the longest substring of host.
func LookupProfile(profiles map[string]crawler.SelectorProfile, host string) (crawler.SelectorProfile, bool) {
	host = strings.ToLower(host)
	best := ""
	for key := range profiles {
		if strings.Contains(host, key) && (len(key) > len(best) || (len(key) == len(best) && key < best)) {
			best = key
		}
	}
	if best == "" {
		return crawler.SelectorProfile{}, false
	}
	return profiles[best], true
}

// SetEnabled flips the enabled flag on every source matching by/value and
// returns how many sources matched.
func (r *Registry) SetEnabled(by, value string, enabled bool) (int, error) {
	match, err := matcher(by, value)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.sources {
		if match(r.sources[i]) {
			r.sources[i].Enabled = enabled
			n++
		}
	}
	if n == 0 && by == BySource {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSource, value)
	}
	return n, nil
}

func matcher(by, value string) (func(crawler.Source) bool, error) {
	switch by {
	case BySource:
		return func(s crawler.Source) bool { return s.Name == value }, nil
	case ByCategory:
		return func(s crawler.Source) bool { return s.Category == value }, nil
	case ByTier:
		tier, err := crawler.ParseTier(value)
		if err != nil {
			return nil, err
		}
		return func(s crawler.Source) bool { return s.Tier == tier }, nil
	case ByPriority:
		if strings.TrimSpace(value) == "" {
			return nil, errors.New("priority value is required")
		}
		p, err := crawler.ParsePriority(value)
		if err != nil {
			return nil, err
		}
		return func(s crawler.Source) bool { return s.Priority == p }, nil
	default:
		return nil, fmt.Errorf("unknown selector %q (want source, category, tier or priority)", by)
	}
}

// Marshal renders the registry back to YAML.
func (r *Registry) Marshal() ([]byte, error) {
	r.mu.RLock()
	f := file{Profiles: r.profiles, Sources: make([]fileSource, 0, len(r.sources))}
	for _, s := range r.sources {
		enabled := s.Enabled
		f.Sources = append(f.Sources, fileSource{
			Name:               s.Name,
			URL:                s.URL,
			Category:           s.Category,
			Tier:               string(s.Tier),
			Priority:           string(s.Priority),
			RequiresJS:         s.RequiresJS,
			SelectorProfileRef: s.SelectorProfileRef,
			Enabled:            &enabled,
			AlternateURLs:      s.AlternateURLs,
		})
	}
	data, err := yaml.Marshal(f)
	r.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("encode registry: %w", err)
	}
	return data, nil
}

// Save writes the registry to path through a temp file and rename.
func (r *Registry) Save(path string) error {
	data, err := r.Marshal()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".registry-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write temp registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp registry: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}

// Summary counts sources per category and enabled state.
type Summary struct {
	Category string `json:"category"`
	Total    int    `json:"total"`
	Enabled  int    `json:"enabled"`
}

// Summarize returns per-category counts sorted by category.
func (r *Registry) Summarize() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byCat := map[string]*Summary{}
	for _, s := range r.sources {
		sum, ok := byCat[s.Category]
		if !ok {
			sum = &Summary{Category: s.Category}
			byCat[s.Category] = sum
		}
		sum.Total++
		if s.Enabled {
			sum.Enabled++
		}
	}
	out := make([]Summary, 0, len(byCat))
	for _, s := range byCat {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

func cloneSources(in []crawler.Source) []crawler.Source {
	out := make([]crawler.Source, len(in))
	for i, s := range in {
		out[i] = cloneSource(s)
	}
	return out
}

func cloneSource(s crawler.Source) crawler.Source {
	s.AlternateURLs = append([]string(nil), s.AlternateURLs...)
	return s
}
