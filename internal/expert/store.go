// Package expert loads domain-expertise documents used to enrich agent
// prompts. Documents are YAML files in a single directory; the store is
// read-only and safe for concurrent use after Open.
package expert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Info is the listing view of one expertise document.
type Info struct {
	ID         string  `yaml:"id"`
	Domain     string  `yaml:"domain"`
	Confidence float64 `yaml:"confidence"`
}

// Expertise is one full document.
type Expertise struct {
	ID         string   `yaml:"id"`
	Domain     string   `yaml:"domain"`
	Confidence float64  `yaml:"confidence"`
	Keywords   []string `yaml:"keywords"`
	Guidance   string   `yaml:"guidance"`
}

type Store struct {
	dir string

	mu   sync.RWMutex
	docs map[string]*Expertise
}

// Open reads every *.yaml / *.yml file under dir. Unreadable or invalid
// documents are skipped; an empty directory yields an empty store, not an
// error.
func Open(dir string) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("missing expertise dir")
	}
	s := &Store{dir: dir, docs: map[string]*Expertise{}}

	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	for _, ent := range ents {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var doc Expertise
		if err := yaml.Unmarshal(b, &doc); err != nil {
			continue
		}
		doc.ID = strings.TrimSpace(doc.ID)
		if doc.ID == "" {
			doc.ID = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		}
		s.docs[doc.ID] = &doc
	}
	return s, nil
}

func (s *Store) List(ctx context.Context) ([]Info, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Info, 0, len(s.docs))
	for _, doc := range s.docs {
		out = append(out, Info{ID: doc.ID, Domain: doc.Domain, Confidence: doc.Confidence})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Load(ctx context.Context, id string) (*Expertise, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("unknown expertise %q", id)
	}
	cp := *doc
	cp.Keywords = append([]string(nil), doc.Keywords...)
	return &cp, nil
}

// Match returns the experts covering any of the given domains, best
// confidence first.
func Match(infos []Info, domains []string) []Info {
	if len(infos) == 0 || len(domains) == 0 {
		return nil
	}
	want := map[string]bool{}
	for _, d := range domains {
		want[strings.ToLower(strings.TrimSpace(d))] = true
	}
	var out []Info
	for _, info := range infos {
		if want[strings.ToLower(strings.TrimSpace(info.Domain))] {
			out = append(out, info)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}
