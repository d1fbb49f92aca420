// Package rules discovers project-scoped rule documents (AGENTS.md-style
// files) so they can be surfaced to the event consumer as context. Results
// are cached per workspace directory; workspaces rarely change mid-fleet, so
// a small LRU without expiry is enough.
package rules

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/floegence/agentfleet/internal/agent"
)

const (
	cacheSize = 64

	// maxDocBytes caps one rule document; larger files are truncated rather
	// than flooding the prompt context.
	maxDocBytes = 32 << 10
)

var ruleFileNames = []string{
	"AGENTS.md",
	".agentrules",
	"CONTRIBUTING.md",
}

type Discoverer struct {
	log   *slog.Logger
	cache *lru.Cache[string, []agent.RuleDoc]
}

func NewDiscoverer(log *slog.Logger) *Discoverer {
	if log == nil {
		log = slog.Default()
	}
	cache, err := lru.New[string, []agent.RuleDoc](cacheSize)
	if err != nil {
		// Only reachable with a non-positive size.
		panic(err)
	}
	return &Discoverer{log: log, cache: cache}
}

// Discover returns the rule documents for a workspace root, walking from the
// root down one level of direct subdirectories. Missing or unreadable files
// are skipped.
func (d *Discoverer) Discover(workDir string) []agent.RuleDoc {
	workDir = strings.TrimSpace(workDir)
	if workDir == "" {
		return nil
	}
	if docs, ok := d.cache.Get(workDir); ok {
		return docs
	}

	docs := make([]agent.RuleDoc, 0, 2)
	docs = appendRuleDocs(docs, workDir)
	if ents, err := os.ReadDir(workDir); err == nil {
		for _, ent := range ents {
			if !ent.IsDir() || strings.HasPrefix(ent.Name(), ".") {
				continue
			}
			docs = appendRuleDocs(docs, filepath.Join(workDir, ent.Name()))
		}
	}

	d.cache.Add(workDir, docs)
	d.log.Debug("rules discovered", "work_dir", workDir, "count", len(docs))
	return docs
}

func appendRuleDocs(docs []agent.RuleDoc, dir string) []agent.RuleDoc {
	for _, name := range ruleFileNames {
		path := filepath.Join(dir, name)
		st, err := os.Stat(path)
		if err != nil || st.IsDir() || st.Size() == 0 {
			continue
		}
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if len(b) > maxDocBytes {
			b = b[:maxDocBytes]
		}
		docs = append(docs, agent.RuleDoc{Path: path, Content: string(b)})
	}
	return docs
}
