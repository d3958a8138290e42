// Package agent assembles the per-agent runtime: configuration files,
// memory blocks and skills, the session registry backed by SQLite, the
// tool registry, and the sandbox executor. One Agent owns everything
// under {root}/agents/{slug}.
package agent

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cireil/cireilclaw/pkg/cireilclaw/channels"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/config"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/engine"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/memory"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/paths"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/sandbox"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/scheduler"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/session"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/tools"
)

// Agent is the runtime for one configured agent.
type Agent struct {
	Slug   string
	Layout config.AgentLayout

	Store    *session.Store
	Jobs     *scheduler.JobStore
	Resolver *paths.Resolver
	Executor sandbox.Executor

	engineCfg atomic.Pointer[config.EngineConfig]
	toolsCfg  atomic.Pointer[config.ToolsConfig]
	heartbeat atomic.Pointer[config.HeartbeatConfig]
	cronJobs  atomic.Pointer[[]config.CronJob]
	registry  atomic.Pointer[tools.Registry]

	transcoder tools.Transcoder
	braveKey   string
	logger     *slog.Logger

	sessMu   sync.Mutex
	sessions map[string]*session.Session

	memMu  sync.RWMutex
	base   string
	blocks []memory.Block
	skills []memory.Skill
}

// Load opens an agent root and builds its runtime. Configuration
// errors abort the load; the caller decides whether a broken agent
// degrades or fails the process.
func Load(root, slug string, integrations *config.IntegrationsConfig, logger *slog.Logger) (*Agent, error) {
	layout := config.NewAgentLayout(root, slug)
	if _, err := os.Stat(layout.Dir); err != nil {
		return nil, fmt.Errorf("agent %q not found at %s", slug, layout.Dir)
	}
	if err := layout.Scaffold(); err != nil {
		return nil, fmt.Errorf("agent %s: preparing directories: %w", slug, err)
	}

	log := logger.With("agent", slug)

	engineCfg, err := config.LoadEngineConfig(layout.EngineFile())
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", slug, err)
	}
	config.ResolveAPIKey(slug, engineCfg, log)

	toolsCfg, err := config.LoadToolsConfig(layout.ToolsFile())
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", slug, err)
	}
	hbCfg, err := config.LoadHeartbeatConfig(layout.HeartbeatFile())
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", slug, err)
	}
	cronCfg, jobErrs, err := config.LoadCronConfig(layout.CronFile())
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", slug, err)
	}
	for _, jerr := range jobErrs {
		log.Warn("skipping invalid cron job", "error", jerr)
	}

	store, err := session.OpenStore(layout.SessionsDB(), layout.ImagesDir(), log)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", slug, err)
	}
	jobs, err := scheduler.OpenJobStore(layout.SessionsDB(), log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("agent %s: %w", slug, err)
	}

	resolver := paths.NewResolver(layout.Dir)

	a := &Agent{
		Slug:       slug,
		Layout:     layout,
		Store:      store,
		Jobs:       jobs,
		Resolver:   resolver,
		transcoder: tools.WebPTranscoder{},
		logger:     log,
		sessions:   make(map[string]*session.Session),
	}
	a.engineCfg.Store(engineCfg)
	a.toolsCfg.Store(toolsCfg)
	a.heartbeat.Store(hbCfg)
	a.cronJobs.Store(&cronCfg.Jobs)
	if integrations != nil {
		a.braveKey = integrations.BraveAPIKey()
	}

	if toolsCfg.Enabled("exec") {
		a.Executor = sandbox.NewBwrapExecutor(resolver, log)
		if !a.Executor.Available() {
			log.Warn("bwrap not found; exec tool will report unavailable")
		}
	}
	reg := tools.NewRegistry()
	tools.RegisterStandard(reg, toolsCfg)
	a.registry.Store(reg)

	a.reloadMemory()

	loaded, err := store.LoadSessions()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("agent %s: %w", slug, err)
	}
	for _, sess := range loaded {
		a.sessions[sess.ID] = sess
	}
	log.Info("agent loaded",
		"sessions", len(loaded), "blocks", len(a.blocks), "skills", len(a.skills))
	return a, nil
}

// Close releases the agent's storage and sandbox resources.
func (a *Agent) Close() {
	if a.Executor != nil {
		a.Executor.Close()
	}
	if a.Jobs != nil {
		a.Jobs.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
}

// EngineConfig returns the current engine configuration snapshot.
func (a *Agent) EngineConfig() *config.EngineConfig { return a.engineCfg.Load() }

// Registry returns the current tool registry. Replaced wholesale when
// tools.toml changes.
func (a *Agent) Registry() *tools.Registry { return a.registry.Load() }

// HeartbeatConfig returns the current heartbeat configuration.
func (a *Agent) HeartbeatConfig() *config.HeartbeatConfig { return a.heartbeat.Load() }

// CronJobs returns the merged job set: cron.toml declarations plus the
// persisted dynamic one-shots.
func (a *Agent) CronJobs() []config.CronJob {
	merged := append([]config.CronJob(nil), *a.cronJobs.Load()...)
	dynamic, err := a.Jobs.LoadAll()
	if err != nil {
		a.logger.Warn("could not load persisted jobs", "error", err)
		return merged
	}
	return append(merged, dynamic...)
}

// ---------- hot reload ----------

// WatchFiles lists the config files the harness watcher polls for this
// agent.
func (a *Agent) WatchFiles() []string {
	return []string{
		a.Layout.EngineFile(),
		a.Layout.ToolsFile(),
		a.Layout.HeartbeatFile(),
		a.Layout.CronFile(),
		a.Layout.CoreFile(),
	}
}

// HandleConfigChange applies one changed config file. It reports
// whether the scheduler must be rebuilt (heartbeat or cron changed).
func (a *Agent) HandleConfigChange(path string) bool {
	switch path {
	case a.Layout.EngineFile():
		cfg, err := config.LoadEngineConfig(path)
		if err != nil {
			a.logger.Warn("ignoring invalid engine config change", "error", err)
			return false
		}
		config.ResolveAPIKey(a.Slug, cfg, a.logger)
		a.engineCfg.Store(cfg)
		a.logger.Info("engine config reloaded", "model", cfg.Model)
	case a.Layout.ToolsFile():
		cfg, err := config.LoadToolsConfig(path)
		if err != nil {
			a.logger.Warn("ignoring invalid tools config change", "error", err)
			return false
		}
		a.toolsCfg.Store(cfg)
		reg := tools.NewRegistry()
		tools.RegisterStandard(reg, cfg)
		a.registry.Store(reg)
		a.logger.Info("tools config reloaded")
	case a.Layout.HeartbeatFile():
		cfg, err := config.LoadHeartbeatConfig(path)
		if err != nil {
			a.logger.Warn("ignoring invalid heartbeat config change", "error", err)
			return false
		}
		a.heartbeat.Store(cfg)
		a.logger.Info("heartbeat config reloaded", "enabled", cfg.Enabled)
		return true
	case a.Layout.CronFile():
		cfg, jobErrs, err := config.LoadCronConfig(path)
		if err != nil {
			a.logger.Warn("ignoring invalid cron config change", "error", err)
			return false
		}
		for _, jerr := range jobErrs {
			a.logger.Warn("skipping invalid cron job", "error", jerr)
		}
		a.cronJobs.Store(&cfg.Jobs)
		a.logger.Info("cron config reloaded", "jobs", len(cfg.Jobs))
		return true
	case a.Layout.CoreFile():
		a.reloadMemory()
		a.logger.Info("base instructions reloaded")
	}
	return false
}

// reloadMemory re-reads core.md, blocks, and skills.
func (a *Agent) reloadMemory() {
	base := ""
	if data, err := os.ReadFile(a.Layout.CoreFile()); err == nil {
		base = string(data)
	} else if !os.IsNotExist(err) {
		a.logger.Warn("could not read core.md", "error", err)
	}
	blocks, err := memory.LoadBlocks(a.Layout.BlocksDir(), a.logger)
	if err != nil {
		a.logger.Warn("could not load memory blocks", "error", err)
	}
	skills, err := memory.LoadSkills(a.Layout.SkillsDir(), a.logger)
	if err != nil {
		a.logger.Warn("could not load skills", "error", err)
	}

	a.memMu.Lock()
	a.base, a.blocks, a.skills = base, blocks, skills
	a.memMu.Unlock()
}

// ---------- sessions ----------

// SessionFor returns the session addressed by an inbound event,
// creating and registering it on first contact.
func (a *Agent) SessionFor(in *channels.Inbound) *session.Session {
	var fresh *session.Session
	switch in.Kind {
	case "matrix":
		fresh = session.NewMatrixSession(in.ChatID)
	default:
		fresh = session.NewDiscordSession(in.ChatID, in.GuildID, in.NSFW)
	}

	a.sessMu.Lock()
	defer a.sessMu.Unlock()
	if existing, ok := a.sessions[fresh.ID]; ok {
		return existing
	}
	a.sessions[fresh.ID] = fresh
	return fresh
}

// Session looks a session up by id.
func (a *Agent) Session(id string) (*session.Session, bool) {
	a.sessMu.Lock()
	defer a.sessMu.Unlock()
	s, ok := a.sessions[id]
	return s, ok
}

// AddSession registers an externally built session, e.g. the chat
// REPL's.
func (a *Agent) AddSession(s *session.Session) {
	a.sessMu.Lock()
	defer a.sessMu.Unlock()
	a.sessions[s.ID] = s
}

// Sessions snapshots the registered sessions.
func (a *Agent) Sessions() []*session.Session {
	a.sessMu.Lock()
	defer a.sessMu.Unlock()
	out := make([]*session.Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, s)
	}
	return out
}

// ResolveTarget maps a scheduler target to a session: "last" is the
// most recently active one, anything else an exact id.
func (a *Agent) ResolveTarget(target string) *session.Session {
	if target == "" || target == "last" {
		return a.lastSession()
	}
	s, _ := a.Session(target)
	return s
}

func (a *Agent) lastSession() *session.Session {
	a.sessMu.Lock()
	defer a.sessMu.Unlock()
	var best *session.Session
	for _, s := range a.sessions {
		if s.Channel == session.ChannelInternal {
			continue
		}
		if best == nil || s.LastActivity() > best.LastActivity() {
			best = s
		}
	}
	return best
}

// ---------- engine wiring ----------

// PromptSources builds the system-prompt inputs from current memory.
func (a *Agent) PromptSources() *engine.PromptSources {
	a.memMu.RLock()
	defer a.memMu.RUnlock()
	return &engine.PromptSources{
		BaseInstructions: a.base,
		Blocks:           a.blocks,
		Skills:           a.skills,
		ReadPinned: func(virtual string) ([]byte, error) {
			real, err := a.Resolver.Resolve(virtual)
			if err != nil {
				return nil, err
			}
			return os.ReadFile(real)
		},
	}
}

// ToolContext builds the capability context for one session's turn.
// The send, react, and download closures come from the harness; nil
// capabilities disable the corresponding tools at call time.
func (a *Agent) ToolContext(sess *session.Session, send tools.SendFunc, react tools.ReactFunc, download tools.DownloadFunc, sched tools.JobScheduler) *tools.Context {
	tc := &tools.Context{
		AgentSlug:           a.Slug,
		Session:             sess,
		Resolver:            a.Resolver,
		Send:                send,
		React:               react,
		DownloadAttachments: download,
		BraveAPIKey:         a.braveKey,
		Scheduler:           sched,
		Transcoder:          a.transcoder,
		Logger:              a.logger,
	}
	if setting, _ := a.toolsCfg.Load().Setting("exec"); setting.Enabled && a.Executor != nil {
		tc.Executor = a.Executor
		tc.ExecAllowed = setting.AllowedBinaries
		tc.ExecTimeout = sandbox.DefaultTimeout
		if setting.TimeoutMs > 0 {
			tc.ExecTimeout = time.Duration(setting.TimeoutMs) * time.Millisecond
		}
	}
	return tc
}
