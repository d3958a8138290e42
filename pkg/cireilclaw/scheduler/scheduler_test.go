package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cireil/cireilclaw/pkg/cireilclaw/config"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testLayout(t *testing.T) config.AgentLayout {
	t.Helper()
	layout := config.NewAgentLayout(t.TempDir(), "tester")
	if err := layout.Scaffold(); err != nil {
		t.Fatal(err)
	}
	return layout
}

func testStore(t *testing.T) *JobStore {
	t.Helper()
	store, err := OpenJobStore(filepath.Join(t.TempDir(), "sessions.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestHeartbeatFilterSuppressesOk(t *testing.T) {
	t.Parallel()
	f := heartbeatFilter(config.HeartbeatVisibility{ShowAlerts: true, ShowOk: false})
	if f("  HEARTBEAT_OK\n") {
		t.Error("OK content passed a filter with showOk=false")
	}
	// The first classification gates the rest of the turn.
	if f("follow-up that is not ok") {
		t.Error("later content escaped an OK-classified turn")
	}
}

func TestHeartbeatFilterShowsAlerts(t *testing.T) {
	t.Parallel()
	f := heartbeatFilter(config.HeartbeatVisibility{ShowAlerts: true})
	if !f("disk almost full") {
		t.Error("alert content blocked despite showAlerts=true")
	}
	if !f("second chunk") {
		t.Error("alert classification did not carry to later sends")
	}
}

func TestHeartbeatFilterHidesAlerts(t *testing.T) {
	t.Parallel()
	f := heartbeatFilter(config.HeartbeatVisibility{ShowAlerts: false, ShowOk: true})
	if f("something is wrong") {
		t.Error("alert passed a filter with showAlerts=false")
	}
}

func heartbeatScheduler(t *testing.T, hb *config.HeartbeatConfig, hooks Hooks) (*Scheduler, config.AgentLayout) {
	t.Helper()
	layout := testLayout(t)
	s := New("tester", layout, hb, testStore(t), hooks, testLogger())
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()
	t.Cleanup(s.cancel)
	return s, layout
}

func TestHeartbeatTickRunsTurn(t *testing.T) {
	t.Parallel()
	sess := session.NewInternalSession("hb")
	ran := false
	var injected string
	hooks := Hooks{
		Resolve: func(target string) *session.Session { return sess },
		RunTurn: func(ctx context.Context, s *session.Session, model string) error {
			ran = true
			if model != "small-model" {
				t.Errorf("model override = %q, want small-model", model)
			}
			if n := len(s.History); n != 1 {
				t.Fatalf("history length = %d, want 1", n)
			}
			injected = s.History[0].Content[0].Text
			if s.History[0].Persist == nil || *s.History[0].Persist {
				t.Error("heartbeat prompt should be transient")
			}
			return nil
		},
		Save: func(*session.Session) {},
	}
	s, layout := heartbeatScheduler(t, &config.HeartbeatConfig{
		Enabled: true, IntervalSec: 60, Target: "last", Model: "small-model",
	}, hooks)

	if err := os.WriteFile(layout.HeartbeatChecklist(), []byte("- check the queue\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s.heartbeatTick(context.Background())

	if !ran {
		t.Fatal("heartbeat tick did not run a turn")
	}
	want := "[HEARTBEAT] Evaluate your heartbeat checklist.\n\n- check the queue"
	if injected != want {
		t.Errorf("injected prompt = %q, want %q", injected, want)
	}
	if sess.Busy() {
		t.Error("busy gate not released after heartbeat")
	}
}

func TestHeartbeatTickSkipsWithoutChecklist(t *testing.T) {
	t.Parallel()
	hooks := Hooks{
		Resolve: func(string) *session.Session {
			t.Error("resolved a target without a checklist")
			return nil
		},
	}
	s, _ := heartbeatScheduler(t, &config.HeartbeatConfig{
		Enabled: true, IntervalSec: 60, Target: "last",
	}, hooks)
	s.heartbeatTick(context.Background())
}

func TestHeartbeatTickSkipsBlankChecklist(t *testing.T) {
	t.Parallel()
	hooks := Hooks{
		Resolve: func(string) *session.Session {
			t.Error("resolved a target for a blank checklist")
			return nil
		},
	}
	s, layout := heartbeatScheduler(t, &config.HeartbeatConfig{
		Enabled: true, IntervalSec: 60, Target: "last",
	}, hooks)
	if err := os.WriteFile(layout.HeartbeatChecklist(), []byte("  \n\t\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s.heartbeatTick(context.Background())
}

func TestHeartbeatTickSkipsOutsideActiveHours(t *testing.T) {
	t.Parallel()
	hooks := Hooks{
		Resolve: func(string) *session.Session {
			t.Error("resolved a target outside active hours")
			return nil
		},
	}
	// An empty window matches no wall-clock time.
	s, layout := heartbeatScheduler(t, &config.HeartbeatConfig{
		Enabled: true, IntervalSec: 60, Target: "last",
		ActiveHours: &config.ActiveHours{Start: "00:00", End: "00:00"},
	}, hooks)
	if err := os.WriteFile(layout.HeartbeatChecklist(), []byte("- anything\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	now := time.Now().Format("15:04")
	if now == "00:00" {
		t.Skip("wall clock exactly at midnight")
	}
	s.heartbeatTick(context.Background())
}

func TestHeartbeatTickSkipsBusySession(t *testing.T) {
	t.Parallel()
	sess := session.NewInternalSession("hb")
	if !sess.TryAcquire() {
		t.Fatal("could not pre-acquire session")
	}
	hooks := Hooks{
		Resolve: func(string) *session.Session { return sess },
		RunTurn: func(context.Context, *session.Session, string) error {
			t.Error("ran a turn against a busy session")
			return nil
		},
		Save: func(*session.Session) {},
	}
	s, layout := heartbeatScheduler(t, &config.HeartbeatConfig{
		Enabled: true, IntervalSec: 60, Target: "last",
	}, hooks)
	if err := os.WriteFile(layout.HeartbeatChecklist(), []byte("- anything\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s.heartbeatTick(context.Background())
	if !sess.Busy() {
		t.Error("skip released a gate it never held")
	}
}

func TestRunInjectedRollsBackOnFailure(t *testing.T) {
	t.Parallel()
	sess := session.NewInternalSession("job1")
	sess.Append(session.UserText("earlier"))
	s := New("tester", testLayout(t), nil, testStore(t), Hooks{
		RunTurn: func(context.Context, *session.Session, string) error {
			sess.QueueToolMessage(session.UserText("leftover"))
			return errors.New("provider down")
		},
	}, testLogger())

	if s.runInjected(context.Background(), sess, "do the thing", "", false) {
		t.Fatal("runInjected reported success for a failed turn")
	}
	if n := len(sess.History); n != 1 {
		t.Errorf("history length = %d after rollback, want 1", n)
	}
	if len(sess.PendingToolMsgs) != 0 {
		t.Error("pending tool messages survived rollback")
	}
}

func TestFireMainSkipsNoneTarget(t *testing.T) {
	t.Parallel()
	hooks := Hooks{
		Resolve: func(target string) *session.Session {
			t.Errorf("resolved target %q for a job addressed to nobody", target)
			return nil
		},
		RunTurn: func(context.Context, *session.Session, string) error {
			t.Error("ran a turn for a job addressed to nobody")
			return nil
		},
	}
	s := New("tester", testLayout(t), nil, testStore(t), hooks, testLogger())
	s.fireMain(context.Background(), &config.CronJob{
		ID: "detached", Target: "none", Prompt: "p",
	})
}

func TestFireIsolatedAnnounce(t *testing.T) {
	t.Parallel()
	target := session.NewDiscordSession("123", "g1", false)
	var delivered string
	hooks := Hooks{
		Resolve: func(tgt string) *session.Session { return target },
		RunTurn: func(ctx context.Context, sess *session.Session, model string) error {
			// Isolated sessions capture; nothing reaches the channel.
			if sess.AllowSend("report line") {
				t.Error("isolated session allowed a direct send")
			}
			return nil
		},
		Send: func(ctx context.Context, sess *session.Session, content string) error {
			delivered = content
			return nil
		},
		Save: func(*session.Session) {},
	}
	s := New("tester", testLayout(t), nil, testStore(t), hooks, testLogger())
	s.fireIsolated(context.Background(), &config.CronJob{
		ID: "daily-report", Execution: "isolated", Delivery: "announce",
		Target: "last", Prompt: "summarize",
	})
	if delivered != "report line" {
		t.Errorf("announced %q, want %q", delivered, "report line")
	}
}

func TestFireIsolatedWebhook(t *testing.T) {
	t.Parallel()
	got := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding webhook body: %v", err)
		}
		got <- body
	}))
	defer srv.Close()

	hooks := Hooks{
		RunTurn: func(ctx context.Context, sess *session.Session, model string) error {
			sess.AllowSend("hourly digest")
			return nil
		},
		Save: func(*session.Session) {},
	}
	s := New("tester", testLayout(t), nil, testStore(t), hooks, testLogger())
	s.fireIsolated(context.Background(), &config.CronJob{
		ID: "digest", Execution: "isolated", Delivery: "webhook",
		WebhookURL: srv.URL, Prompt: "digest",
	})

	select {
	case body := <-got:
		if body["agentSlug"] != "tester" || body["jobId"] != "digest" || body["content"] != "hourly digest" {
			t.Errorf("webhook payload = %v", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never delivered")
	}
}

func TestFireIsolatedEmptyCaptureSkipsDelivery(t *testing.T) {
	t.Parallel()
	hooks := Hooks{
		RunTurn: func(context.Context, *session.Session, string) error { return nil },
		Send: func(context.Context, *session.Session, string) error {
			t.Error("delivered an empty capture")
			return nil
		},
		Resolve: func(string) *session.Session { return session.NewInternalSession("x") },
		Save:    func(*session.Session) {},
	}
	s := New("tester", testLayout(t), nil, testStore(t), hooks, testLogger())
	s.fireIsolated(context.Background(), &config.CronJob{
		ID: "quiet", Execution: "isolated", Delivery: "announce", Target: "last", Prompt: "p",
	})
}

func TestAddOneShotRejectsRecurring(t *testing.T) {
	t.Parallel()
	s := New("tester", testLayout(t), nil, testStore(t), Hooks{}, testLogger())
	err := s.AddOneShot(config.CronJob{
		ID: "bad", Enabled: true,
		Schedule:  config.ScheduleSpec{Every: 60},
		Execution: "isolated", Delivery: "none", Prompt: "p",
	})
	if err == nil {
		t.Fatal("accepted a recurring dynamic job")
	}
}

func TestOneShotFiresAndDeletes(t *testing.T) {
	t.Parallel()
	store := testStore(t)
	ran := make(chan struct{})
	hooks := Hooks{
		RunTurn: func(context.Context, *session.Session, string) error {
			close(ran)
			return nil
		},
		Save: func(*session.Session) {},
	}
	s := New("tester", testLayout(t), nil, store, hooks, testLogger())
	s.Start(context.Background(), nil)
	defer s.Stop()

	// RFC 3339 keeps second precision only, so the instant must sit a
	// full second out or formatting truncates it into the past.
	job := config.CronJob{
		ID: "soon", Enabled: true,
		Schedule:  config.ScheduleSpec{At: time.Now().Add(2 * time.Second).Format(time.RFC3339)},
		Execution: "isolated", Delivery: "none", Prompt: "remind me",
	}
	if err := s.AddOneShot(job); err != nil {
		t.Fatal(err)
	}
	if jobs, _ := store.LoadAll(); len(jobs) != 1 {
		t.Fatalf("stored jobs = %d, want 1", len(jobs))
	}

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("one-shot never fired")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		jobs, err := store.LoadAll()
		if err != nil {
			t.Fatal(err)
		}
		if len(jobs) == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("fired one-shot still persisted: %d jobs", len(jobs))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestPastOneShotSkipped(t *testing.T) {
	t.Parallel()
	hooks := Hooks{
		RunTurn: func(context.Context, *session.Session, string) error {
			t.Error("a past one-shot fired")
			return nil
		},
	}
	s := New("tester", testLayout(t), nil, testStore(t), hooks, testLogger())
	s.Start(context.Background(), []config.CronJob{{
		ID: "stale", Enabled: true,
		Schedule:  config.ScheduleSpec{At: time.Now().Add(-time.Hour).Format(time.RFC3339)},
		Execution: "isolated", Delivery: "none", Prompt: "p",
	}})
	defer s.Stop()
	time.Sleep(100 * time.Millisecond)
}
