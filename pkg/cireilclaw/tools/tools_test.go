package tools

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cireil/cireilclaw/pkg/cireilclaw/config"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/paths"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/sandbox"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testContext builds a tool context over a scaffolded temp agent root.
func testContext(t *testing.T) *Context {
	t.Helper()
	root := t.TempDir()
	for _, dir := range paths.Roots {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return &Context{
		AgentSlug: "tester",
		Session:   session.NewInternalSession("test"),
		Resolver:  paths.NewResolver(root),
		Logger:    testLogger(),
	}
}

func execute(t *testing.T, tool *Tool, tc *Context, args string) map[string]any {
	t.Helper()
	raw, err := json.Marshal(tool.Execute(context.Background(), json.RawMessage(args), tc))
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func wantSuccess(t *testing.T, out map[string]any) {
	t.Helper()
	if out["success"] != true {
		t.Fatalf("tool failed: %v", out["error"])
	}
}

func wantFailure(t *testing.T, out map[string]any, fragment string) {
	t.Helper()
	if out["success"] != false {
		t.Fatalf("tool unexpectedly succeeded: %v", out)
	}
	msg, _ := out["error"].(string)
	if !strings.Contains(msg, fragment) {
		t.Errorf("error %q does not mention %q", msg, fragment)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	t.Parallel()
	tc := testContext(t)
	out, done := NewRegistry().Dispatch(context.Background(), "bogus", nil, tc)
	if done {
		t.Error("unknown tool terminated the turn")
	}
	var parsed Output
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.Success || !strings.Contains(parsed.Error, "Unknown tool") {
		t.Errorf("output = %+v", parsed)
	}
}

func TestValidationFailureShape(t *testing.T) {
	t.Parallel()
	tc := testContext(t)
	tc.Send = func(context.Context, string, []string) error { return nil }

	// Missing required field.
	out := execute(t, NewRespondTool(), tc, `{}`)
	if out["success"] != false {
		t.Fatal("empty content accepted")
	}
	if issues, ok := out["issues"].([]any); !ok || len(issues) == 0 {
		t.Error("validation failure carries no issues")
	}

	// Unknown field is a strict-decode failure.
	out = execute(t, NewRespondTool(), tc, `{"content":"x","oops":1}`)
	if out["success"] != false {
		t.Error("unknown field accepted")
	}
}

func TestRespondTerminalSemantics(t *testing.T) {
	t.Parallel()
	tc := testContext(t)
	var sent []string
	tc.Send = func(ctx context.Context, content string, attachments []string) error {
		sent = append(sent, content)
		return nil
	}
	reg := NewRegistry()
	reg.Register(NewRespondTool())

	_, done := reg.Dispatch(context.Background(), "respond", json.RawMessage(`{"content":"hi"}`), tc)
	if !done {
		t.Error("final respond did not terminate the turn")
	}
	_, done = reg.Dispatch(context.Background(), "respond", json.RawMessage(`{"content":"more","final":false}`), tc)
	if done {
		t.Error("final:false respond terminated the turn")
	}
	if len(sent) != 2 {
		t.Errorf("sent %d messages, want 2", len(sent))
	}
}

func TestReadTextFile(t *testing.T) {
	t.Parallel()
	tc := testContext(t)
	real := filepath.Join(tc.Resolver.RealRoot("workspace"), "notes.md")
	if err := os.WriteFile(real, []byte("remember the milk"), 0o644); err != nil {
		t.Fatal(err)
	}

	out := execute(t, NewReadTool(), tc, `{"path":"/workspace/notes.md"}`)
	wantSuccess(t, out)
	if out["content"] != "remember the milk" {
		t.Errorf("content = %v", out["content"])
	}
	if len(tc.Session.PendingImages) != 0 {
		t.Error("text read queued an image")
	}
}

type stubTranscoder struct{ out []byte }

func (s stubTranscoder) ToWebP([]byte) ([]byte, error) { return s.out, nil }

func TestReadImageQueuesForInjection(t *testing.T) {
	t.Parallel()
	tc := testContext(t)
	tc.Transcoder = stubTranscoder{out: []byte("webp-bytes")}
	real := filepath.Join(tc.Resolver.RealRoot("workspace"), "photo.png")
	if err := os.WriteFile(real, []byte("png-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	out := execute(t, NewReadTool(), tc, `{"path":"/workspace/photo.png"}`)
	wantSuccess(t, out)
	if out["attached"] != true {
		t.Error("image read did not report attachment")
	}
	if out["content"] != nil {
		t.Error("image read leaked raw content")
	}
	if n := len(tc.Session.PendingImages); n != 1 {
		t.Fatalf("pending images = %d, want 1", n)
	}
	img := tc.Session.PendingImages[0]
	if img.MediaType != "image/webp" || string(img.Data) != "webp-bytes" {
		t.Errorf("queued image = %+v", img)
	}
}

func TestReadOutsideSandbox(t *testing.T) {
	t.Parallel()
	tc := testContext(t)
	out := execute(t, NewReadTool(), tc, `{"path":"/etc/passwd"}`)
	if out["success"] != false {
		t.Fatal("path outside the sandbox accepted")
	}
	if msg, _ := out["error"].(string); strings.Contains(msg, tc.Resolver.AgentRoot()) {
		t.Error("error text leaks the real agent root")
	}
}

func TestOpenCloseAndList(t *testing.T) {
	t.Parallel()
	tc := testContext(t)
	ws := tc.Resolver.RealRoot("workspace")
	if err := os.WriteFile(filepath.Join(ws, "a.md"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(ws, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	out := execute(t, NewOpenFileTool(), tc, `{"path":"/workspace/a.md"}`)
	wantSuccess(t, out)
	if opened, _ := out["openedFiles"].([]any); len(opened) != 1 || opened[0] != "/workspace/a.md" {
		t.Errorf("openedFiles = %v", out["openedFiles"])
	}

	out = execute(t, NewOpenFileTool(), tc, `{"path":"/workspace/missing.md"}`)
	wantFailure(t, out, "does not exist")

	out = execute(t, NewListDirTool(), tc, `{"path":"/workspace"}`)
	wantSuccess(t, out)
	entries, _ := out["entries"].([]any)
	kinds := map[string]string{}
	for _, e := range entries {
		m := e.(map[string]any)
		kinds[m["name"].(string)] = m["type"].(string)
	}
	if kinds["a.md"] != "file" || kinds["sub"] != "directory" {
		t.Errorf("entries = %v", kinds)
	}

	out = execute(t, NewCloseFileTool(), tc, `{"path":"/workspace/a.md"}`)
	wantSuccess(t, out)
	if out["removed"] != true {
		t.Error("close did not report removal")
	}
	if len(tc.Session.PinnedFiles) != 0 {
		t.Error("file still pinned after close")
	}
}

func TestWriteBlocksRequireMarkdown(t *testing.T) {
	t.Parallel()
	tc := testContext(t)

	out := execute(t, NewWriteTool(), tc, `{"path":"/blocks/persona.txt","content":"x"}`)
	wantFailure(t, out, ".md")

	out = execute(t, NewWriteTool(), tc, `{"path":"/blocks/persona.md","content":"+++\nlabel = \"persona\"\n+++\nbody"}`)
	wantSuccess(t, out)
	real := filepath.Join(tc.Resolver.RealRoot("blocks"), "persona.md")
	if _, err := os.Stat(real); err != nil {
		t.Errorf("block file not written: %v", err)
	}
}

func TestWriteCreatesParents(t *testing.T) {
	t.Parallel()
	tc := testContext(t)
	out := execute(t, NewWriteTool(), tc, `{"path":"/workspace/deep/nested/file.txt","content":"hi"}`)
	wantSuccess(t, out)
	real := filepath.Join(tc.Resolver.RealRoot("workspace"), "deep", "nested", "file.txt")
	data, err := os.ReadFile(real)
	if err != nil || string(data) != "hi" {
		t.Errorf("written file = %q, %v", data, err)
	}
}

func TestStrReplaceUniqueness(t *testing.T) {
	t.Parallel()
	tc := testContext(t)
	real := filepath.Join(tc.Resolver.RealRoot("workspace"), "doc.txt")
	if err := os.WriteFile(real, []byte("alpha beta alpha"), 0o644); err != nil {
		t.Fatal(err)
	}

	out := execute(t, NewStrReplaceTool(), tc,
		`{"path":"/workspace/doc.txt","old_text":"gamma","new_text":"x"}`)
	wantFailure(t, out, "not found")

	out = execute(t, NewStrReplaceTool(), tc,
		`{"path":"/workspace/doc.txt","old_text":"alpha","new_text":"x"}`)
	wantFailure(t, out, "2 times")

	out = execute(t, NewStrReplaceTool(), tc,
		`{"path":"/workspace/doc.txt","old_text":"beta","new_text":"delta"}`)
	wantSuccess(t, out)
	data, _ := os.ReadFile(real)
	if string(data) != "alpha delta alpha" {
		t.Errorf("file = %q", data)
	}
}

type recordingExecutor struct {
	calls int
}

func (r *recordingExecutor) Execute(ctx context.Context, req *sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	r.calls++
	return &sandbox.ExecResult{Stdout: "ok", ExitCode: 0}, nil
}
func (r *recordingExecutor) Available() bool { return true }
func (r *recordingExecutor) Name() string    { return "recording" }
func (r *recordingExecutor) Close() error    { return nil }

func TestExecAllowlistMissNeverSpawns(t *testing.T) {
	t.Parallel()
	tc := testContext(t)
	rec := &recordingExecutor{}
	tc.Executor = rec
	tc.ExecAllowed = []string{"ls", "cat"}
	tc.ExecTimeout = time.Second

	out := execute(t, NewExecTool(), tc, `{"command":"nmap"}`)
	wantFailure(t, out, "not in the allowed binaries list")
	if rec.calls != 0 {
		t.Error("allowlist miss reached the executor")
	}

	out = execute(t, NewExecTool(), tc, `{"command":"ls","args":["-l"]}`)
	wantSuccess(t, out)
	if rec.calls != 1 {
		t.Errorf("executor calls = %d, want 1", rec.calls)
	}
}

func TestExecUnconfigured(t *testing.T) {
	t.Parallel()
	tc := testContext(t)
	out := execute(t, NewExecTool(), tc, `{"command":"ls"}`)
	if out["code"] != "not_configured" {
		t.Errorf("code = %v, want not_configured", out["code"])
	}
}

type recordingScheduler struct {
	jobs []config.CronJob
}

func (r *recordingScheduler) AddOneShot(job config.CronJob) error {
	r.jobs = append(r.jobs, job)
	return nil
}

func TestSchedulePastTimestampRejected(t *testing.T) {
	t.Parallel()
	tc := testContext(t)
	rec := &recordingScheduler{}
	tc.Scheduler = rec

	past := time.Now().Add(-time.Hour).Format(time.RFC3339)
	out := execute(t, NewScheduleTool(), tc,
		`{"id":"remind","at":"`+past+`","prompt":"p"}`)
	if out["success"] != false {
		t.Fatal("past timestamp accepted")
	}
	if len(rec.jobs) != 0 {
		t.Error("rejected job reached the scheduler")
	}
}

func TestScheduleDefaults(t *testing.T) {
	t.Parallel()
	tc := testContext(t)
	rec := &recordingScheduler{}
	tc.Scheduler = rec

	future := time.Now().Add(time.Hour).Format(time.RFC3339)
	out := execute(t, NewScheduleTool(), tc,
		`{"id":"remind-me","at":"`+future+`","prompt":"check the oven"}`)
	wantSuccess(t, out)

	if len(rec.jobs) != 1 {
		t.Fatalf("scheduled %d jobs, want 1", len(rec.jobs))
	}
	job := rec.jobs[0]
	if job.Execution != "isolated" || job.Delivery != "announce" || job.Target != "last" {
		t.Errorf("job defaults = %+v", job)
	}
	if !job.Enabled || job.Prompt != "check the oven" {
		t.Errorf("job = %+v", job)
	}
}

func TestFetchAttachmentsSavesToWorkspace(t *testing.T) {
	t.Parallel()
	tc := testContext(t)
	var askedID string
	tc.DownloadAttachments = func(ctx context.Context, messageID string) ([]DownloadedFile, error) {
		askedID = messageID
		return []DownloadedFile{
			{Filename: "report.pdf", MediaType: "application/pdf", Data: []byte("pdf-bytes")},
			{Filename: "../sneaky.txt", MediaType: "text/plain", Data: []byte("x")},
		}, nil
	}

	out := execute(t, NewFetchAttachmentsTool(), tc, `{"message_id":"m42"}`)
	wantSuccess(t, out)
	if askedID != "m42" {
		t.Errorf("fetched message %q, want m42", askedID)
	}
	files, _ := out["files"].([]any)
	if len(files) != 2 || files[0] != "/workspace/attachments/report.pdf" {
		t.Fatalf("files = %v", out["files"])
	}
	// Path traversal in a filename is flattened to its base name.
	if files[1] != "/workspace/attachments/sneaky.txt" {
		t.Errorf("traversal filename saved as %v", files[1])
	}
	real := filepath.Join(tc.Resolver.RealRoot("workspace"), "attachments", "report.pdf")
	data, err := os.ReadFile(real)
	if err != nil || string(data) != "pdf-bytes" {
		t.Errorf("saved attachment = %q, %v", data, err)
	}
}

func TestFetchAttachmentsUnconfigured(t *testing.T) {
	t.Parallel()
	tc := testContext(t)
	out := execute(t, NewFetchAttachmentsTool(), tc, `{}`)
	if out["code"] != "not_configured" {
		t.Errorf("code = %v, want not_configured", out["code"])
	}
}

func TestFetchAttachmentsEmptyMessage(t *testing.T) {
	t.Parallel()
	tc := testContext(t)
	tc.DownloadAttachments = func(context.Context, string) ([]DownloadedFile, error) {
		return nil, nil
	}
	out := execute(t, NewFetchAttachmentsTool(), tc, `{}`)
	wantSuccess(t, out)
	if files, _ := out["files"].([]any); len(files) != 0 {
		t.Errorf("files = %v, want none", files)
	}
}

func TestReactTool(t *testing.T) {
	t.Parallel()
	tc := testContext(t)

	out := execute(t, NewReactTool(), tc, `{"emoji":"👍"}`)
	if out["code"] != "not_configured" {
		t.Errorf("code = %v, want not_configured", out["code"])
	}

	var gotEmoji, gotID string
	tc.React = func(ctx context.Context, emoji, messageID string) error {
		gotEmoji, gotID = emoji, messageID
		return nil
	}
	out = execute(t, NewReactTool(), tc, `{"emoji":"👍","message_id":"m7"}`)
	wantSuccess(t, out)
	if gotEmoji != "👍" || gotID != "m7" {
		t.Errorf("reacted %q to %q", gotEmoji, gotID)
	}

	out = execute(t, NewReactTool(), tc, `{"emoji":""}`)
	if out["success"] != false {
		t.Error("empty emoji accepted")
	}
}

func TestReadSkill(t *testing.T) {
	t.Parallel()
	tc := testContext(t)
	real := filepath.Join(tc.Resolver.RealRoot("skills"), "cooking.md")
	if err := os.WriteFile(real, []byte("+++\nsummary = \"cook\"\n+++\nsteps"), 0o644); err != nil {
		t.Fatal(err)
	}

	out := execute(t, NewReadSkillTool(), tc, `{"slug":"cooking"}`)
	wantSuccess(t, out)
	if s, _ := out["content"].(string); !strings.Contains(s, "steps") {
		t.Errorf("content = %q", s)
	}

	out = execute(t, NewReadSkillTool(), tc, `{"slug":"../../etc"}`)
	if out["success"] != false {
		t.Error("invalid slug accepted")
	}
}
