// Package config loads and serves live snapshots of agent, team and
// pipeline configuration from a single YAML document, using a small
// dependency-injected provider rather than global state. It supports hot
// reload via fsnotify and degrades to an empty document rather than
// crashing on corrupt input.
package config

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/agentrelay/agentrelay/logging"
)

// ErrEmptyDocument is the error `agentrelayd config validate` reports
// (wrapped) when the loaded document has no agents and no legacy model
// section to synthesize a default agent from.
var ErrEmptyDocument = errors.New("config: empty document")

// cacheTTL bounds how long a Snapshot is served from cache before the
// underlying file is re-read, even absent an fsnotify event.
const cacheTTL = 5 * time.Second

// AgentConfig describes one configured agent back-end.
type AgentConfig struct {
	ID               string `yaml:"id"`
	Name             string `yaml:"name"`
	Provider         string `yaml:"provider"`
	Model            string `yaml:"model"`
	WorkingDir       string `yaml:"workingDir"`
	SystemPrompt     string `yaml:"systemPrompt,omitempty"`
	PromptFile       string `yaml:"promptFile,omitempty"`
	ReasoningEffort  string `yaml:"reasoningEffort,omitempty"`
}

// PipelineConfig is an ordered sequence of team-member agent ids with
// strict-sequencing and loop-back bounds.
type PipelineConfig struct {
	Sequence []string `yaml:"sequence"`
	Strict   bool     `yaml:"strict"`
	MaxLoops int      `yaml:"maxLoops"`
}

// TeamConfig is a named, ordered group of agents with a single leader.
type TeamConfig struct {
	ID       string          `yaml:"id"`
	Name     string          `yaml:"name"`
	Members  []string        `yaml:"members"`
	Leader   string          `yaml:"leader"`
	Pipeline *PipelineConfig `yaml:"pipeline,omitempty"`
}

// legacyModel is the backward-compatible top-level model section used to
// synthesize a single implicit "default" agent when no agents are declared.
type legacyModel struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	WorkingDir string `yaml:"workingDir"`
}

// APISettings holds Control API bind and auth knobs persisted alongside
// agent/team configuration.
type APISettings struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	AuthOff bool   `yaml:"authOff"`
	APIKey  string `yaml:"apiKey,omitempty"`
}

// document is the on-disk YAML shape.
type document struct {
	Agents   []AgentConfig `yaml:"agents"`
	Teams    []TeamConfig  `yaml:"teams"`
	Workspace string       `yaml:"workspace"`
	Model    *legacyModel  `yaml:"model,omitempty"`
	API      *APISettings  `yaml:"api,omitempty"`
}

// Snapshot is an immutable view of configuration at a point in time.
// Consumers receive snapshots by value semantics (maps are never mutated
// in place once published); treat every field as read-only.
type Snapshot struct {
	Agents    map[string]AgentConfig
	Teams     map[string]TeamConfig
	Workspace string
	API       APISettings
	loadedAt  time.Time
}

func emptySnapshot() Snapshot {
	return Snapshot{
		Agents: map[string]AgentConfig{},
		Teams:  map[string]TeamConfig{},
		API:    APISettings{Host: "127.0.0.1", Port: 3777},
	}
}

// Provider serves cached Snapshots of a single YAML document, reloading on
// fsnotify change events or whenever the cache exceeds cacheTTL.
type Provider struct {
	path   string
	logger logging.Logger

	mu       sync.RWMutex
	snapshot Snapshot

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Options configures Provider construction.
type Options struct {
	Logger logging.Logger
}

// New constructs a Provider for the document at path, performing an initial
// synchronous load. It starts an fsnotify watcher on the file at path so
// later edits invalidate the cache without waiting for the TTL.
func New(path string, optFns ...func(*Options)) (*Provider, error) {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	p := &Provider{path: path, logger: opts.Logger, done: make(chan struct{})}
	p.reload()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		// A missing file at startup is not fatal; the provider already
		// degraded to an empty snapshot via reload() above.
		p.logger.Warn("config: watch target unavailable path=%s err=%v", path, err)
	}
	p.watcher = watcher

	go p.watchLoop()

	return p, nil
}

func (p *Provider) watchLoop() {
	for {
		select {
		case <-p.done:
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				p.logger.Debug("config: file changed, invalidating cache op=%s", ev.Op.String())
				p.reload()
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("config: watcher error err=%v", err)
		}
	}
}

// Close stops the fsnotify watcher goroutine.
func (p *Provider) Close() error {
	close(p.done)
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}

// Snapshot returns the current cached snapshot, transparently refreshing it
// if older than cacheTTL.
func (p *Provider) Snapshot() Snapshot {
	p.mu.RLock()
	snap := p.snapshot
	p.mu.RUnlock()

	if time.Since(snap.loadedAt) > cacheTTL {
		p.reload()
		p.mu.RLock()
		snap = p.snapshot
		p.mu.RUnlock()
	}
	return snap
}

// Invalidate forces the next Snapshot() call to re-read the file immediately
// regardless of cacheTTL.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.snapshot.loadedAt = time.Time{}
	p.mu.Unlock()
}

// EnsureAPIKey returns the configured Control API key, generating and
// persisting one to the document at p.path on first use if none is set.
func (p *Provider) EnsureAPIKey() (string, error) {
	snap := p.Snapshot()
	if snap.API.APIKey != "" {
		return snap.API.APIKey, nil
	}

	key := uuid.NewString()
	if err := p.patchAPIKey(key); err != nil {
		return "", fmt.Errorf("config: persist generated api key: %w", err)
	}
	p.Invalidate()
	return key, nil
}

// patchAPIKey rewrites the document's api.apiKey field in place, preserving
// every other field already on disk.
func (p *Provider) patchAPIKey(key string) error {
	return p.mutateDocument(func(doc *document) {
		if doc.API == nil {
			doc.API = &APISettings{Host: "127.0.0.1", Port: 3777}
		}
		doc.API.APIKey = key
	})
}

// UpsertAgent writes agent into the document, replacing any existing entry
// with the same id, and invalidates the cached snapshot.
func (p *Provider) UpsertAgent(agent AgentConfig) error {
	if agent.ID == "" {
		return fmt.Errorf("config: agent id required")
	}
	err := p.mutateDocument(func(doc *document) {
		for i, a := range doc.Agents {
			if a.ID == agent.ID {
				doc.Agents[i] = agent
				return
			}
		}
		doc.Agents = append(doc.Agents, agent)
	})
	if err == nil {
		p.Invalidate()
	}
	return err
}

// DeleteAgent removes the agent with id from the document, if present.
func (p *Provider) DeleteAgent(id string) error {
	err := p.mutateDocument(func(doc *document) {
		kept := doc.Agents[:0]
		for _, a := range doc.Agents {
			if a.ID != id {
				kept = append(kept, a)
			}
		}
		doc.Agents = kept
	})
	if err == nil {
		p.Invalidate()
	}
	return err
}

// UpsertTeam writes team into the document, replacing any existing entry
// with the same id, and invalidates the cached snapshot.
func (p *Provider) UpsertTeam(team TeamConfig) error {
	if team.ID == "" {
		return fmt.Errorf("config: team id required")
	}
	err := p.mutateDocument(func(doc *document) {
		for i, t := range doc.Teams {
			if t.ID == team.ID {
				doc.Teams[i] = team
				return
			}
		}
		doc.Teams = append(doc.Teams, team)
	})
	if err == nil {
		p.Invalidate()
	}
	return err
}

// DeleteTeam removes the team with id from the document, if present.
func (p *Provider) DeleteTeam(id string) error {
	err := p.mutateDocument(func(doc *document) {
		kept := doc.Teams[:0]
		for _, t := range doc.Teams {
			if t.ID != id {
				kept = append(kept, t)
			}
		}
		doc.Teams = kept
	})
	if err == nil {
		p.Invalidate()
	}
	return err
}

// mutateDocument reads the document at p.path (tolerating a missing file),
// applies fn, and writes the result back. A document that does not parse is
// first snapshotted to "<path>.bak" and repaired once; if the repair also
// fails, fn is applied to an empty document. Callers are responsible for
// invalidating the cached snapshot afterward.
func (p *Provider) mutateDocument(fn func(*document)) error {
	raw, err := os.ReadFile(p.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	var doc document
	if len(raw) > 0 {
		parsed, parseErr := parseDocument(raw)
		if parseErr != nil {
			if bakErr := p.snapshotBad(raw); bakErr != nil {
				return fmt.Errorf("config: snapshot bad config before write: %w", bakErr)
			}
			parsed, parseErr = repair(raw)
		}
		if parseErr == nil {
			doc = parsed
		}
	}

	fn(&doc)

	out, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(p.path, out, 0o644)
}

func (p *Provider) reload() {
	snap, err := p.load()
	if err != nil {
		p.logger.Error("config: load failed, degrading to empty document err=%v", err)
		snap = emptySnapshot()
		snap.loadedAt = time.Now()
	}
	p.mu.Lock()
	p.snapshot = snap
	p.mu.Unlock()
}

// load implements the repair-once-then-empty-fallback discipline: a parse
// failure triggers one best-effort repair attempt (snapshotting the bad file
// to "<path>.bak"); a second failure degrades to an empty document.
func (p *Provider) load() (Snapshot, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			s := emptySnapshot()
			s.loadedAt = time.Now()
			return s, nil
		}
		return Snapshot{}, fmt.Errorf("config: read %s: %w", p.path, err)
	}

	doc, parseErr := parseDocument(raw)
	if parseErr != nil {
		p.logger.Warn("config: parse failed, attempting repair err=%v", parseErr)
		if bakErr := p.snapshotBad(raw); bakErr != nil {
			p.logger.Warn("config: failed to snapshot bad config err=%v", bakErr)
		}
		repaired, repairErr := repair(raw)
		if repairErr != nil {
			p.logger.Error("config: repair failed, falling back to empty document err=%v", repairErr)
			s := emptySnapshot()
			s.loadedAt = time.Now()
			return s, nil
		}
		doc = repaired
	}

	snap := toSnapshot(doc)
	snap.loadedAt = time.Now()
	return snap, nil
}

func (p *Provider) snapshotBad(raw []byte) error {
	return os.WriteFile(p.path+".bak", raw, 0o644)
}

func parseDocument(raw []byte) (document, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return document{}, err
	}
	return doc, nil
}

// repair attempts a best-effort, conservative recovery: trimming trailing
// garbage is not attempted here because YAML has no reliable truncation
// point; instead this tries parsing as a bare mapping with relaxed typing
// and, failing that, reports the original error.
func repair(raw []byte) (document, error) {
	var loose map[string]any
	if err := yaml.Unmarshal(raw, &loose); err != nil {
		return document{}, err
	}
	// Re-marshal and re-parse into the strict shape; this recovers from
	// stray top-level keys or minor indentation drift that a loose map
	// tolerates but the strict struct does not surface usefully.
	reencoded, err := yaml.Marshal(loose)
	if err != nil {
		return document{}, err
	}
	var doc document
	if err := yaml.Unmarshal(reencoded, &doc); err != nil {
		return document{}, err
	}
	return doc, nil
}

func toSnapshot(doc document) Snapshot {
	snap := emptySnapshot()

	if doc.Workspace != "" {
		snap.Workspace = doc.Workspace
	}
	if doc.API != nil {
		if doc.API.Host != "" {
			snap.API.Host = doc.API.Host
		}
		if doc.API.Port != 0 {
			snap.API.Port = doc.API.Port
		}
		snap.API.AuthOff = doc.API.AuthOff
		snap.API.APIKey = doc.API.APIKey
	}

	for _, a := range doc.Agents {
		if a.ID == "" {
			continue
		}
		snap.Agents[a.ID] = a
	}

	// Backward-compatible synthesis: when no agents are declared, derive a
	// single implicit "default" agent from the legacy top-level model
	// section, if present.
	if len(snap.Agents) == 0 && doc.Model != nil {
		snap.Agents["default"] = AgentConfig{
			ID:         "default",
			Name:       "default",
			Provider:   doc.Model.Provider,
			Model:      doc.Model.Model,
			WorkingDir: doc.Model.WorkingDir,
		}
	}

	for _, t := range doc.Teams {
		if t.ID == "" {
			continue
		}
		snap.Teams[t.ID] = t
	}

	return snap
}
