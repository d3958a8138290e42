// Package config loads and validates the TOML configuration tree that
// drives cireilclaw: the global integrations file plus, per agent, the
// engine, tools, heartbeat, cron, and channel credential files. It also
// resolves the on-disk layout rooted at $HOME/.cireilclaw.
package config

import (
	"os"
	"path/filepath"
)

// RootEnvVar overrides the root directory, mainly for tests and
// development trees.
const RootEnvVar = "CIREILCLAW_HOME"

// RootDir returns the cireilclaw root directory: $CIREILCLAW_HOME if
// set, otherwise $HOME/.cireilclaw.
func RootDir() string {
	if dir := os.Getenv(RootEnvVar); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".cireilclaw")
}

// AgentsDir returns the directory holding all agent roots.
func AgentsDir(root string) string { return filepath.Join(root, "agents") }

// IntegrationsFile returns the global integrations config path.
func IntegrationsFile(root string) string {
	return filepath.Join(root, "config", "integrations.toml")
}

// AgentLayout resolves the well-known files and directories inside one
// agent root ({root}/agents/{slug}).
type AgentLayout struct {
	Dir string
}

// NewAgentLayout returns the layout for an agent slug under root.
func NewAgentLayout(root, slug string) AgentLayout {
	return AgentLayout{Dir: filepath.Join(AgentsDir(root), slug)}
}

func (l AgentLayout) CoreFile() string      { return filepath.Join(l.Dir, "core.md") }
func (l AgentLayout) BlocksDir() string     { return filepath.Join(l.Dir, "blocks") }
func (l AgentLayout) SkillsDir() string     { return filepath.Join(l.Dir, "skills") }
func (l AgentLayout) WorkspaceDir() string  { return filepath.Join(l.Dir, "workspace") }
func (l AgentLayout) MemoriesDir() string   { return filepath.Join(l.Dir, "memories") }
func (l AgentLayout) ImagesDir() string     { return filepath.Join(l.Dir, "images") }
func (l AgentLayout) ConfigDir() string     { return filepath.Join(l.Dir, "config") }
func (l AgentLayout) EngineFile() string    { return filepath.Join(l.ConfigDir(), "engine.toml") }
func (l AgentLayout) ToolsFile() string     { return filepath.Join(l.ConfigDir(), "tools.toml") }
func (l AgentLayout) HeartbeatFile() string { return filepath.Join(l.ConfigDir(), "heartbeat.toml") }
func (l AgentLayout) CronFile() string      { return filepath.Join(l.ConfigDir(), "cron.toml") }
func (l AgentLayout) ChannelsDir() string   { return filepath.Join(l.ConfigDir(), "channels") }
func (l AgentLayout) DiscordFile() string   { return filepath.Join(l.ChannelsDir(), "discord.toml") }
func (l AgentLayout) MatrixFile() string    { return filepath.Join(l.ChannelsDir(), "matrix.toml") }
func (l AgentLayout) SessionsDB() string    { return filepath.Join(l.Dir, "sessions.db") }
func (l AgentLayout) HeartbeatChecklist() string {
	return filepath.Join(l.WorkspaceDir(), "HEARTBEAT.md")
}

// Scaffold creates the writable directory skeleton for a fresh agent.
func (l AgentLayout) Scaffold() error {
	for _, dir := range []string{
		l.BlocksDir(), l.SkillsDir(), l.WorkspaceDir(),
		l.MemoriesDir(), l.ImagesDir(), l.ChannelsDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
