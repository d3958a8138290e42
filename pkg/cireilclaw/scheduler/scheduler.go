package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/cireil/cireilclaw/pkg/cireilclaw/config"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/session"
)

// HeartbeatOK is the sentinel a heartbeat turn responds with when the
// checklist needs no action.
const HeartbeatOK = "HEARTBEAT_OK"

// webhookTimeout bounds an isolated-job webhook delivery.
const webhookTimeout = 10 * time.Second

// Hooks are the harness capabilities a scheduler fires against. They
// keep the scheduler free of harness/engine imports: it only knows
// sessions and these closures.
type Hooks struct {
	// Resolve maps a job target to a session: "last" picks the most
	// recently active session, anything else is an exact id lookup.
	// Nil means no such session.
	Resolve func(target string) *session.Session

	// RunTurn runs one engine turn on the session as it stands, with
	// an optional model override. The scheduler has already appended
	// the injected prompt and holds the busy gate.
	RunTurn func(ctx context.Context, sess *session.Session, model string) error

	// Send delivers announce content through the harness send path.
	Send func(ctx context.Context, sess *session.Session, content string) error

	// Save persists a session after a scheduled turn.
	Save func(sess *session.Session)
}

// Scheduler owns one agent's heartbeat and cron jobs.
type Scheduler struct {
	slug   string
	layout config.AgentLayout
	hb     *config.HeartbeatConfig
	store  *JobStore
	hooks  Hooks
	logger *slog.Logger

	mu       sync.Mutex
	cron     *cron.Cron
	cronIDs  map[string]cron.EntryID
	timers   map[string]*time.Timer
	running  map[string]bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	webhooks *http.Client
}

// New creates a stopped scheduler. Jobs from cron.toml and the
// persisted store are armed by Start.
func New(slug string, layout config.AgentLayout, hb *config.HeartbeatConfig, store *JobStore, hooks Hooks, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		slug:     slug,
		layout:   layout,
		hb:       hb,
		store:    store,
		hooks:    hooks,
		logger:   logger.With("component", "scheduler", "agent", slug),
		cronIDs:  make(map[string]cron.EntryID),
		timers:   make(map[string]*time.Timer),
		running:  make(map[string]bool),
		webhooks: &http.Client{Timeout: webhookTimeout},
	}
}

// Start arms the heartbeat and every enabled job. jobs is the merged
// set from cron.toml plus the persisted dynamic jobs.
func (s *Scheduler) Start(ctx context.Context, jobs []config.CronJob) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New()
	s.mu.Unlock()

	if s.hb != nil && s.hb.Enabled {
		s.wg.Add(1)
		go s.heartbeatLoop()
		s.logger.Info("heartbeat armed",
			"interval_sec", s.hb.IntervalSec, "target", s.hb.Target)
	}

	for i := range jobs {
		job := jobs[i]
		if !job.Enabled {
			continue
		}
		if err := s.arm(&job); err != nil {
			s.logger.Warn("could not arm job", "job", job.ID, "error", err)
		}
	}
	s.cron.Start()
}

// Stop cancels every timer and waits for in-flight fires to settle.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		s.cron.Stop()
	}
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.cronIDs = make(map[string]cron.EntryID)
	s.mu.Unlock()
	s.wg.Wait()
}

// AddOneShot persists and immediately arms a job created by the
// schedule tool.
func (s *Scheduler) AddOneShot(job config.CronJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.Schedule.Kind() != "at" {
		return fmt.Errorf("dynamic jobs must use an absolute schedule")
	}
	if err := s.store.Save(&job); err != nil {
		return err
	}
	return s.arm(&job)
}

// arm schedules one job by its variant.
func (s *Scheduler) arm(job *config.CronJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil || s.ctx.Err() != nil {
		return fmt.Errorf("scheduler is stopped")
	}

	j := *job
	fire := func() { s.fire(&j) }

	switch job.Schedule.Kind() {
	case "every":
		id := s.cron.Schedule(cron.Every(time.Duration(job.Schedule.Every)*time.Second), cron.FuncJob(fire))
		s.cronIDs[job.ID] = id
	case "cron":
		id, err := s.cron.AddFunc(job.Schedule.Cron, fire)
		if err != nil {
			return fmt.Errorf("parsing cron expression %q: %w", job.Schedule.Cron, err)
		}
		s.cronIDs[job.ID] = id
	case "at":
		at, err := job.Schedule.AtTime()
		if err != nil {
			return fmt.Errorf("parsing job instant: %w", err)
		}
		until := time.Until(at)
		if until <= 0 {
			s.logger.Warn("skipping one-shot job in the past", "job", job.ID, "at", job.Schedule.At)
			return nil
		}
		s.timers[job.ID] = time.AfterFunc(until, fire)
	}
	s.logger.Debug("job armed", "job", job.ID, "kind", job.Schedule.Kind())
	return nil
}

// fire runs one job execution end to end, guarding against a job
// whose previous fire is still in flight.
func (s *Scheduler) fire(job *config.CronJob) {
	s.mu.Lock()
	if s.ctx == nil || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	if s.running[job.ID] {
		s.mu.Unlock()
		s.logger.Debug("job still running, skipping fire", "job", job.ID)
		return
	}
	s.running[job.ID] = true
	ctx := s.ctx
	s.mu.Unlock()

	s.wg.Add(1)
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()
	}()

	s.logger.Info("cron job fired", "job", job.ID, "execution", job.Execution)

	switch job.Execution {
	case "isolated":
		s.fireIsolated(ctx, job)
	default:
		s.fireMain(ctx, job)
	}

	if job.Schedule.Kind() == "at" {
		if err := s.store.Delete(job.ID); err != nil {
			s.logger.Warn("could not delete fired one-shot", "job", job.ID, "error", err)
		}
		s.mu.Lock()
		delete(s.timers, job.ID)
		s.mu.Unlock()
	} else {
		s.store.MarkRun(job.ID, time.Now())
	}
}

// fireMain injects the prompt as a user turn in the target session.
func (s *Scheduler) fireMain(ctx context.Context, job *config.CronJob) {
	if job.Target == "none" {
		s.logger.Debug("job targets no session, skipping", "job", job.ID)
		return
	}
	sess := s.hooks.Resolve(job.Target)
	if sess == nil {
		s.logger.Warn("job target not found, skipping", "job", job.ID, "target", job.Target)
		return
	}
	if !sess.TryAcquire() {
		s.logger.Debug("job target busy, skipping", "job", job.ID, "session", sess.ID)
		return
	}
	defer sess.Release()

	s.runInjected(ctx, sess, job.Prompt, job.Model, false)
	s.hooks.Save(sess)
}

// fireIsolated runs the prompt in a fresh internal session whose
// output is captured rather than delivered, then routes the capture
// per the job's delivery mode.
func (s *Scheduler) fireIsolated(ctx context.Context, job *config.CronJob) {
	sess := session.NewInternalSession(job.ID)
	var captured []string
	sess.SwapSendFilter(func(content string) bool {
		captured = append(captured, content)
		return false
	})

	if !s.runInjected(ctx, sess, job.Prompt, job.Model, false) {
		return
	}

	content := strings.TrimSpace(strings.Join(captured, "\n"))
	if content == "" {
		return
	}

	switch job.Delivery {
	case "webhook":
		s.postWebhook(ctx, job, content)
	case "none":
	default: // announce
		if job.Target == "none" {
			s.logger.Debug("announce targets no session, dropping capture", "job", job.ID)
			return
		}
		target := s.hooks.Resolve(job.Target)
		if target == nil {
			s.logger.Warn("announce target not found", "job", job.ID, "target", job.Target)
			return
		}
		if err := s.hooks.Send(ctx, target, content); err != nil {
			s.logger.Warn("announce delivery failed", "job", job.ID, "error", err)
		}
	}
}

// runInjected appends a prompt as a user message and runs a turn,
// rolling history back when the turn fails. It reports success.
// Transient prompts stay in working history but are never persisted.
func (s *Scheduler) runInjected(ctx context.Context, sess *session.Session, prompt, model string, transient bool) bool {
	preLen := len(sess.History)
	msg := session.UserText(prompt)
	msg.ID = uuid.NewString()
	if transient {
		msg = msg.Transient()
	}
	sess.Append(msg)
	sess.Touch()

	if err := s.hooks.RunTurn(ctx, sess, model); err != nil {
		sess.History = sess.History[:preLen]
		sess.PendingToolMsgs = nil
		sess.PendingImages = nil
		s.logger.Error("scheduled turn failed", "session", sess.ID, "error", err)
		return false
	}
	return true
}

func (s *Scheduler) postWebhook(ctx context.Context, job *config.CronJob, content string) {
	payload, err := json.Marshal(map[string]string{
		"agentSlug": s.slug,
		"jobId":     job.ID,
		"content":   content,
	})
	if err != nil {
		s.logger.Warn("could not encode webhook payload", "job", job.ID, "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		s.logger.Warn("could not build webhook request", "job", job.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.webhooks.Do(req)
	if err != nil {
		s.logger.Warn("webhook delivery failed", "job", job.ID, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.logger.Warn("webhook returned non-2xx", "job", job.ID, "status", resp.Status)
	}
}

// ---------- heartbeat ----------

func (s *Scheduler) heartbeatLoop() {
	defer s.wg.Done()
	interval := time.Duration(s.hb.IntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.heartbeatTick(s.ctx)
		}
	}
}

// heartbeatTick fires one heartbeat evaluation.
func (s *Scheduler) heartbeatTick(ctx context.Context) {
	if !s.hb.ActiveHours.Contains(time.Now()) {
		s.logger.Debug("heartbeat outside active hours, skipping")
		return
	}

	checklist, err := os.ReadFile(s.layout.HeartbeatChecklist())
	if err != nil || len(strings.TrimSpace(string(checklist))) == 0 {
		s.logger.Debug("no heartbeat checklist, skipping")
		return
	}

	if s.hb.Target == "none" {
		return
	}
	sess := s.hooks.Resolve(s.hb.Target)
	if sess == nil {
		s.logger.Debug("heartbeat target not found, skipping", "target", s.hb.Target)
		return
	}
	if !sess.TryAcquire() {
		s.logger.Debug("heartbeat target busy, skipping", "session", sess.ID)
		return
	}

	prev := sess.SwapSendFilter(heartbeatFilter(s.hb.Visibility))
	defer func() {
		sess.SwapSendFilter(prev)
		sess.Release()
		s.hooks.Save(sess)
	}()

	prompt := fmt.Sprintf("[HEARTBEAT] Evaluate your heartbeat checklist.\n\n%s",
		strings.TrimSpace(string(checklist)))
	s.runInjected(ctx, sess, prompt, s.hb.Model, true)
}

// heartbeatFilter classifies a heartbeat turn by its first outbound
// content: an exact HEARTBEAT_OK is an "OK", anything else an alert.
// The decision then gates every send for the rest of the turn.
func heartbeatFilter(vis config.HeartbeatVisibility) session.SendFilter {
	decided := false
	allow := false
	return func(content string) bool {
		if !decided {
			decided = true
			if strings.TrimSpace(content) == HeartbeatOK {
				allow = vis.ShowOk
			} else {
				allow = vis.ShowAlerts
			}
		}
		return allow
	}
}
