// Package harness runs the process: it loads the configured agents,
// connects their chat transports, pumps inbound messages into engine
// turns, routes outbound sends, and owns the scheduler and config
// watcher lifecycles.
package harness

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cireil/cireilclaw/pkg/cireilclaw/agent"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/channels"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/channels/discord"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/channels/matrix"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/config"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/engine"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/scheduler"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/session"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/tools"
)

const (
	// busyWait bounds how long an inbound chat message waits on a
	// running turn before being dropped.
	busyWait = 5 * time.Second
	busyPoll = 500 * time.Millisecond

	// typingRefresh re-fires the typing indicator while a turn runs.
	typingRefresh = 8 * time.Second

	watchInterval = 2 * time.Second
)

// Harness wires agents, transports, and schedulers together for one
// process.
type Harness struct {
	root   string
	logger *slog.Logger
	client *engine.Client

	mu         sync.Mutex
	agents     map[string]*agent.Agent
	transports map[string]map[string]channels.Transport // slug -> kind -> transport
	schedulers map[string]*scheduler.Scheduler
	printers   map[string]func(content string) // session id -> internal sink

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New loads every agent under {root}/agents. An agent whose config or
// database fails to open is degraded: logged and skipped, never fatal
// for the process.
func New(root string, logger *slog.Logger) (*Harness, error) {
	integrations, err := config.LoadIntegrationsConfig(config.IntegrationsFile(root))
	if err != nil {
		return nil, err
	}

	slugs, err := listAgents(root)
	if err != nil {
		return nil, err
	}
	if len(slugs) == 0 {
		return nil, fmt.Errorf("no agents configured under %s; run: cireilclaw init", config.AgentsDir(root))
	}

	h := &Harness{
		root:       root,
		logger:     logger,
		client:     engine.NewClient(logger),
		agents:     make(map[string]*agent.Agent),
		transports: make(map[string]map[string]channels.Transport),
		schedulers: make(map[string]*scheduler.Scheduler),
		printers:   make(map[string]func(string)),
	}

	for _, slug := range slugs {
		ag, err := agent.Load(root, slug, integrations, logger)
		if err != nil {
			logger.Error("agent degraded, skipping", "agent", slug, "error", err)
			continue
		}
		h.agents[slug] = ag
	}
	if len(h.agents) == 0 {
		return nil, fmt.Errorf("no agent loaded successfully")
	}
	return h, nil
}

func listAgents(root string) ([]string, error) {
	entries, err := os.ReadDir(config.AgentsDir(root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading agents dir: %w", err)
	}
	var slugs []string
	for _, e := range entries {
		if e.IsDir() && config.ValidSlug(e.Name()) {
			slugs = append(slugs, e.Name())
		}
	}
	return slugs, nil
}

// Agent returns a loaded agent by slug.
func (h *Harness) Agent(slug string) (*agent.Agent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ag, ok := h.agents[slug]
	return ag, ok
}

// Agents snapshots the loaded agents.
func (h *Harness) Agents() []*agent.Agent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*agent.Agent, 0, len(h.agents))
	for _, ag := range h.agents {
		out = append(out, ag)
	}
	return out
}

// Start connects transports, starts schedulers, and begins watching
// config files. It returns once everything is launched.
func (h *Harness) Start(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(ctx)

	for _, ag := range h.Agents() {
		h.startScheduler(ag)
		h.startTransports(ag)
		h.startWatcher(ag)
	}
	return nil
}

// Stop drains the process: schedulers halt, transports disconnect,
// pumps finish, sessions flush.
func (h *Harness) Stop() {
	h.mu.Lock()
	schedulers := make([]*scheduler.Scheduler, 0, len(h.schedulers))
	for _, s := range h.schedulers {
		schedulers = append(schedulers, s)
	}
	var transports []channels.Transport
	for _, byKind := range h.transports {
		for _, t := range byKind {
			transports = append(transports, t)
		}
	}
	h.mu.Unlock()

	for _, s := range schedulers {
		s.Stop()
	}
	for _, t := range transports {
		if err := t.Disconnect(); err != nil {
			h.logger.Warn("transport disconnect failed", "kind", t.Kind(), "error", err)
		}
	}
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()

	for _, ag := range h.Agents() {
		ag.Store.FlushAll()
		ag.Close()
	}
	h.logger.Info("harness stopped")
}

// ---------- schedulers ----------

func (h *Harness) startScheduler(ag *agent.Agent) {
	hooks := scheduler.Hooks{
		Resolve: ag.ResolveTarget,
		RunTurn: func(ctx context.Context, sess *session.Session, model string) error {
			return h.runTurn(ctx, ag, sess, model, ag.HeartbeatConfig().Visibility.UseIndicator)
		},
		Send: func(ctx context.Context, sess *session.Session, content string) error {
			return h.Send(ctx, ag, sess, content, nil)
		},
		Save: func(sess *session.Session) {
			if sess.Channel != session.ChannelInternal {
				ag.Store.SaveSessionDebounced(sess)
			}
		},
	}
	sched := scheduler.New(ag.Slug, ag.Layout, ag.HeartbeatConfig(), ag.Jobs, hooks, h.logger)
	sched.Start(h.ctx, ag.CronJobs())

	h.mu.Lock()
	h.schedulers[ag.Slug] = sched
	h.mu.Unlock()
}

// Scheduler returns an agent's live scheduler.
func (h *Harness) Scheduler(slug string) (*scheduler.Scheduler, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.schedulers[slug]
	return s, ok
}

// ReloadScheduler tears an agent's scheduler down and rebuilds it from
// current config. Called after heartbeat.toml or cron.toml changes.
func (h *Harness) ReloadScheduler(slug string) {
	ag, ok := h.Agent(slug)
	if !ok {
		return
	}
	if s, ok := h.Scheduler(slug); ok {
		s.Stop()
	}
	h.startScheduler(ag)
	h.logger.Info("scheduler reloaded", "agent", slug)
}

// ---------- config watcher ----------

func (h *Harness) startWatcher(ag *agent.Agent) {
	watcher := config.NewWatcher(ag.WatchFiles(), watchInterval, func(path string) {
		if ag.HandleConfigChange(path) {
			h.ReloadScheduler(ag.Slug)
		}
	}, h.logger.With("agent", ag.Slug))

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		watcher.Start(h.ctx)
	}()
}

// ---------- transports ----------

func (h *Harness) startTransports(ag *agent.Agent) {
	if cfg, err := config.LoadDiscordConfig(ag.Layout.DiscordFile()); err != nil {
		h.logger.Error("discord config invalid", "agent", ag.Slug, "error", err)
	} else if cfg != nil {
		h.connectTransport(ag, discord.New(*cfg, h.logger.With("agent", ag.Slug)))
	}

	if cfg, err := config.LoadMatrixConfig(ag.Layout.MatrixFile()); err != nil {
		h.logger.Error("matrix config invalid", "agent", ag.Slug, "error", err)
	} else if cfg != nil {
		h.connectTransport(ag, matrix.New(*cfg, h.logger.With("agent", ag.Slug)))
	}
}

func (h *Harness) connectTransport(ag *agent.Agent, t channels.Transport) {
	if err := t.Connect(h.ctx); err != nil {
		h.logger.Error("transport connect failed", "agent", ag.Slug, "kind", t.Kind(), "error", err)
		return
	}
	h.logger.Info("transport health", "agent", ag.Slug, "kind", t.Kind(), "healthy", t.Health())

	h.mu.Lock()
	if h.transports[ag.Slug] == nil {
		h.transports[ag.Slug] = make(map[string]channels.Transport)
	}
	h.transports[ag.Slug][t.Kind()] = t
	h.mu.Unlock()

	h.wg.Add(1)
	go h.pump(ag, t)
}

func (h *Harness) transport(slug, kind string) (channels.Transport, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.transports[slug][kind]
	return t, ok
}

// pump drains one transport's inbound stream into engine turns.
func (h *Harness) pump(ag *agent.Agent, t channels.Transport) {
	defer h.wg.Done()
	for in := range t.Receive() {
		h.handleInbound(ag, t, in)
	}
	h.logger.Info("transport health", "agent", ag.Slug, "kind", t.Kind(), "healthy", t.Health())
}

func (h *Harness) handleInbound(ag *agent.Agent, t channels.Transport, in *channels.Inbound) {
	if in.Content == "" && len(in.Attachments) == 0 {
		return
	}

	sess := ag.SessionFor(in)
	sess.SetLastMessageID(in.MessageID)

	if !sess.WaitAcquire(h.ctx, busyWait, busyPoll) {
		h.logger.Warn("session busy, dropping message",
			"agent", ag.Slug, "session", sess.ID, "message_id", in.MessageID)
		return
	}
	defer sess.Release()

	content := in.Content
	if in.SenderName != "" {
		content = in.SenderName + ": " + content
	}
	parts := []session.Content{session.TextContent(content)}
	for _, att := range in.Attachments {
		parts = append(parts, session.ImageContent(att.MediaType, att.Data))
	}
	msg := session.UserMessage(parts...)
	msg.ID = in.MessageID
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	stopTyping := h.startTyping(t, in.ChatID)
	err := h.runUserTurn(h.ctx, ag, sess, msg)
	stopTyping()

	if err != nil {
		h.logger.Error("turn failed", "agent", ag.Slug, "session", sess.ID, "error", err)
	}
	ag.Store.SaveSessionDebounced(sess)
}

// startTyping fires the typing indicator now and refreshes it until
// the returned stop function is called.
func (h *Harness) startTyping(t channels.Transport, chatID string) func() {
	done := make(chan struct{})
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		_ = t.Typing(h.ctx, chatID)
		ticker := time.NewTicker(typingRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-h.ctx.Done():
				return
			case <-ticker.C:
				_ = t.Typing(h.ctx, chatID)
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// ---------- turns ----------

func (h *Harness) turnOptions(ag *agent.Agent, sess *session.Session, model string) *engine.TurnOptions {
	var sched tools.JobScheduler
	if s, ok := h.Scheduler(ag.Slug); ok {
		sched = s
	}
	send := func(ctx context.Context, content string, attachments []string) error {
		return h.Send(ctx, ag, sess, content, attachments)
	}
	react := h.reactFunc(ag, sess)
	download := h.downloadFunc(ag, sess)
	return &engine.TurnOptions{
		Session:       sess,
		Config:        ag.EngineConfig(),
		ModelOverride: model,
		Prompt:        ag.PromptSources(),
		ToolCtx:       ag.ToolContext(sess, send, react, download, sched),
	}
}

func (h *Harness) reactFunc(ag *agent.Agent, sess *session.Session) tools.ReactFunc {
	kind, chatID := sessionEndpoint(sess)
	if kind == "" {
		return nil
	}
	return func(ctx context.Context, emoji, messageID string) error {
		t, ok := h.transport(ag.Slug, kind)
		if !ok {
			return fmt.Errorf("no %s transport connected", kind)
		}
		if messageID == "" {
			messageID = sess.LastMessageID()
		}
		if messageID == "" {
			return fmt.Errorf("no message to react to")
		}
		return t.React(ctx, chatID, messageID, emoji)
	}
}

// downloadFunc builds the attachment-fetch capability for a session's
// transport, or nil when the transport cannot fetch.
func (h *Harness) downloadFunc(ag *agent.Agent, sess *session.Session) tools.DownloadFunc {
	kind, chatID := sessionEndpoint(sess)
	if kind == "" {
		return nil
	}
	return func(ctx context.Context, messageID string) ([]tools.DownloadedFile, error) {
		t, ok := h.transport(ag.Slug, kind)
		if !ok {
			return nil, fmt.Errorf("no %s transport connected", kind)
		}
		fetcher, ok := t.(channels.AttachmentFetcher)
		if !ok {
			return nil, fmt.Errorf("%s transport cannot fetch attachments", kind)
		}
		if messageID == "" {
			messageID = sess.LastMessageID()
		}
		if messageID == "" {
			return nil, fmt.Errorf("no message to fetch attachments from")
		}
		atts, err := fetcher.FetchAttachments(ctx, chatID, messageID)
		if err != nil {
			return nil, err
		}
		files := make([]tools.DownloadedFile, 0, len(atts))
		for _, a := range atts {
			files = append(files, tools.DownloadedFile{
				Filename:  a.Filename,
				MediaType: a.MediaType,
				Data:      a.Data,
			})
		}
		return files, nil
	}
}

// runUserTurn drives one user-message turn with engine-level rollback
// and best-effort error reporting.
func (h *Harness) runUserTurn(ctx context.Context, ag *agent.Agent, sess *session.Session, msg session.Message) error {
	e := engine.New(h.client, ag.Registry(), h.logger)
	return e.RunUserTurn(ctx, h.turnOptions(ag, sess, ""), msg)
}

// runTurn drives a scheduler-injected turn. The prompt message is
// already appended and the busy gate held by the caller.
func (h *Harness) runTurn(ctx context.Context, ag *agent.Agent, sess *session.Session, model string, indicate bool) error {
	var stop func()
	if kind, chatID := sessionEndpoint(sess); indicate && kind != "" {
		if t, ok := h.transport(ag.Slug, kind); ok {
			stop = h.startTyping(t, chatID)
		}
	}
	e := engine.New(h.client, ag.Registry(), h.logger)
	err := e.RunTurn(ctx, h.turnOptions(ag, sess, model))
	if stop != nil {
		stop()
	}
	return err
}

// RunUserTurn runs a user turn against a session the caller has
// already gated. Used by the chat REPL.
func (h *Harness) RunUserTurn(ctx context.Context, ag *agent.Agent, sess *session.Session, msg session.Message) error {
	return h.runUserTurn(ctx, ag, sess, msg)
}

// ---------- outbound ----------

// RegisterPrinter installs a sink for an internal session's output,
// e.g. the chat REPL printing to stdout. Unregistered internal
// sessions swallow output.
func (h *Harness) RegisterPrinter(sessionID string, fn func(content string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.printers[sessionID] = fn
}

// Send is the single outbound path. It consults the session's send
// filter, chunks at the platform-safe limit, and dispatches to the
// channel handler. Suppressed sends return nil.
func (h *Harness) Send(ctx context.Context, ag *agent.Agent, sess *session.Session, content string, attachments []string) error {
	if !sess.AllowSend(content) {
		return nil
	}

	if sess.Channel == session.ChannelInternal {
		h.mu.Lock()
		printer := h.printers[sess.ID]
		h.mu.Unlock()
		if printer != nil {
			printer(content)
		}
		return nil
	}

	kind, chatID := sessionEndpoint(sess)
	t, ok := h.transport(ag.Slug, kind)
	if !ok {
		return fmt.Errorf("no %s transport connected", kind)
	}

	for _, chunk := range channels.Chunk(content, channels.ChunkLimit) {
		if err := t.Send(ctx, chatID, chunk); err != nil {
			return fmt.Errorf("sending to %s: %w", kind, err)
		}
	}
	for _, virtual := range attachments {
		if err := h.sendAttachment(ctx, ag, t, chatID, virtual); err != nil {
			h.logger.Warn("attachment delivery failed",
				"agent", ag.Slug, "path", virtual, "error", err)
		}
	}
	return nil
}

func (h *Harness) sendAttachment(ctx context.Context, ag *agent.Agent, t channels.Transport, chatID, virtual string) error {
	real, err := ag.Resolver.Resolve(virtual)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(real)
	if err != nil {
		return err
	}
	fs, ok := t.(channels.FileSender)
	if !ok {
		return t.Send(ctx, chatID, "[attachment: "+virtual+"]")
	}
	return fs.SendFile(ctx, chatID, path.Base(virtual), data)
}

// sessionEndpoint maps a session to its transport kind and chat id.
func sessionEndpoint(sess *session.Session) (kind, chatID string) {
	switch sess.Channel {
	case session.ChannelDiscord:
		return "discord", sess.ChannelID
	case session.ChannelMatrix:
		return "matrix", sess.RoomID
	default:
		return "", ""
	}
}
