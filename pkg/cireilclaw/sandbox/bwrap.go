package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cireil/cireilclaw/pkg/cireilclaw/paths"
)

// tmpfsSize is the size of the private /tmp inside the jail.
const tmpfsSize = 64 << 20

// nixStoreDir marks a host whose system binaries live in a
// content-addressed store instead of /usr.
const nixStoreDir = "/nix/store"

// resolverFiles are bound read-only when present so name resolution
// works inside the jail.
var resolverFiles = []string{
	"/etc/passwd",
	"/etc/group",
	"/etc/nsswitch.conf",
	"/etc/resolv.conf",
}

// caBundles are common TLS trust store locations, bound read-only
// when present.
var caBundles = []string{
	"/etc/ssl/certs",
	"/etc/pki/tls/certs/ca-bundle.crt",
	"/etc/ssl/cert.pem",
}

// genericSystemDirs are bound read-only on hosts with a conventional
// filesystem layout.
var genericSystemDirs = []string{"/usr", "/bin", "/lib", "/lib64"}

// BwrapExecutor runs commands under bubblewrap with fresh user, PID,
// IPC, UTS, and mount namespaces. The agent's workspace, memories,
// and skills directories are the only writable mounts.
type BwrapExecutor struct {
	paths  *paths.Resolver
	logger *slog.Logger

	probeOnce sync.Once
	bwrap     string
	probeErr  error
}

// NewBwrapExecutor creates an executor jailing commands to the agent
// directories owned by res.
func NewBwrapExecutor(res *paths.Resolver, logger *slog.Logger) *BwrapExecutor {
	return &BwrapExecutor{
		paths:  res,
		logger: logger.With("component", "sandbox"),
	}
}

// Name returns the executor name.
func (e *BwrapExecutor) Name() string { return "bwrap" }

// Close is a no-op.
func (e *BwrapExecutor) Close() error { return nil }

// Available reports whether bubblewrap can run on this host.
func (e *BwrapExecutor) Available() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	_, err := e.bwrapPath()
	return err == nil
}

func (e *BwrapExecutor) bwrapPath() (string, error) {
	e.probeOnce.Do(func() {
		e.bwrap, e.probeErr = findBwrap()
	})
	return e.bwrap, e.probeErr
}

func findBwrap() (string, error) {
	for _, p := range []string{"/usr/bin/bwrap", "/usr/local/bin/bwrap"} {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	if p, err := exec.LookPath("bwrap"); err == nil {
		return p, nil
	}
	return "", errors.New("bwrap not found; install bubblewrap to enable sandboxed execution")
}

// Execute validates the request, builds the jail, and runs the
// command. Timeouts kill the whole process group and report exit
// code -1 with a note on stderr.
func (e *BwrapExecutor) Execute(ctx context.Context, req *ExecRequest) (*ExecResult, error) {
	if err := ValidateCommand(req.Command, req.AllowedBinaries); err != nil {
		return nil, err
	}

	bwrap, err := e.bwrapPath()
	if err != nil {
		return nil, err
	}

	sys, err := e.systemMounts(ctx, req.Command)
	if err != nil {
		return nil, err
	}

	env := baseEnv(sys.pathEnv)
	maps.Copy(env, e.workspaceEnv())

	argv := buildJailArgs(jailConfig{
		workspaceDir: e.paths.RealRoot("workspace"),
		memoriesDir:  e.paths.RealRoot("memories"),
		skillsDir:    e.paths.RealRoot("skills"),
		roBinds:      sys.roBinds,
		symlinks:     sys.symlinks,
		env:          env,
		execPath:     sys.execPath,
		args:         req.Args,
	})

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(tctx, bwrap, argv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// New process group so a kill reaches everything bwrap spawned,
	// even before --die-with-parent takes effect.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}

	e.logger.Debug("running sandboxed command",
		"command", req.Command, "args", len(req.Args), "timeout", timeout)

	start := time.Now()
	runErr := cmd.Run()

	res := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runErr != nil {
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			res.ExitCode = -1
			res.Killed = true
			if res.Stderr != "" && !strings.HasSuffix(res.Stderr, "\n") {
				res.Stderr += "\n"
			}
			res.Stderr += fmt.Sprintf("command timed out after %s", timeout)
			e.logger.Warn("sandboxed command timed out",
				"command", req.Command, "timeout", timeout)
			return res, nil
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("running bwrap: %w", runErr)
	}
	return res, nil
}

type systemLayout struct {
	roBinds  []string
	symlinks [][2]string
	execPath string
	pathEnv  string
}

// systemMounts decides how system binaries and libraries enter the
// jail. Content-addressed-store hosts get the binary's store closure
// and a /bin symlink; generic Unix hosts get the usual system
// directories read-only.
func (e *BwrapExecutor) systemMounts(ctx context.Context, command string) (*systemLayout, error) {
	resolved, err := exec.LookPath(command)
	if err != nil {
		return nil, fmt.Errorf("Command '%s' was not found on the host.", command)
	}

	layout := &systemLayout{
		roBinds: existingPaths(append(resolverFiles, caBundles...)),
	}

	if _, err := os.Stat(nixStoreDir); err == nil {
		realBin, err := filepath.EvalSymlinks(resolved)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", command, err)
		}
		closure, err := storeClosure(ctx, realBin)
		if err != nil {
			// Fall back to the whole store rather than failing the run.
			e.logger.Warn("store closure query failed, binding whole store", "error", err)
			closure = []string{nixStoreDir}
		}
		layout.roBinds = append(layout.roBinds, closure...)
		layout.symlinks = [][2]string{{realBin, "/bin/" + command}}
		layout.execPath = "/bin/" + command
		layout.pathEnv = "/bin"
		return layout, nil
	}

	layout.roBinds = append(layout.roBinds, existingPaths(genericSystemDirs)...)
	layout.execPath = resolved
	layout.pathEnv = "/usr/local/bin:/usr/bin:/bin"
	return layout, nil
}

// storeClosure returns the transitive runtime closure of a store path.
func storeClosure(ctx context.Context, path string) ([]string, error) {
	out, err := exec.CommandContext(ctx, "nix-store", "--query", "--requisites", path).Output()
	if err != nil {
		return nil, fmt.Errorf("querying closure of %s: %w", path, err)
	}
	var ps []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			ps = append(ps, line)
		}
	}
	if len(ps) == 0 {
		return nil, fmt.Errorf("empty closure for %s", path)
	}
	return ps, nil
}

func existingPaths(candidates []string) []string {
	var out []string
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// jailConfig is the fully resolved input to buildJailArgs. Everything
// host-dependent (which files exist, where the binary lives) is
// decided before this point so argument assembly stays deterministic.
type jailConfig struct {
	workspaceDir string
	memoriesDir  string
	skillsDir    string
	roBinds      []string
	symlinks     [][2]string
	env          map[string]string
	execPath     string
	args         []string
}

// buildJailArgs assembles the bwrap argument list: namespaces, agent
// mounts, a private /tmp, fresh /proc and /dev, read-only host binds,
// a cleared environment, then the command.
func buildJailArgs(cfg jailConfig) []string {
	argv := []string{
		"--unshare-user",
		"--unshare-pid",
		"--unshare-ipc",
		"--unshare-uts",
		"--die-with-parent",
		"--new-session",
		"--bind", cfg.workspaceDir, "/workspace",
		"--bind", cfg.memoriesDir, "/memories",
		"--bind", cfg.skillsDir, "/skills",
		"--size", strconv.Itoa(tmpfsSize), "--tmpfs", "/tmp",
		"--proc", "/proc",
		"--dev", "/dev",
	}

	for _, p := range cfg.roBinds {
		argv = append(argv, "--ro-bind", p, p)
	}
	for _, link := range cfg.symlinks {
		argv = append(argv, "--symlink", link[0], link[1])
	}

	argv = append(argv, "--clearenv")
	keys := make([]string, 0, len(cfg.env))
	for k := range cfg.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		argv = append(argv, "--setenv", k, cfg.env[k])
	}

	argv = append(argv, "--chdir", "/workspace", "--", cfg.execPath)
	return append(argv, cfg.args...)
}
