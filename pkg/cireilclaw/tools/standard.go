package tools

import "github.com/cireil/cireilclaw/pkg/cireilclaw/config"

// RegisterStandard fills a registry with the standard tool set,
// honoring per-tool enablement from tools.toml. respond and
// no-response are always registered: without a terminal tool no turn
// could ever end.
func RegisterStandard(r *Registry, cfg *config.ToolsConfig) {
	r.Register(NewRespondTool())
	r.Register(NewNoResponseTool())

	optional := []*Tool{
		NewReadTool(),
		NewOpenFileTool(),
		NewCloseFileTool(),
		NewListDirTool(),
		NewWriteTool(),
		NewStrReplaceTool(),
		NewBraveSearchTool(),
		NewReadSkillTool(),
		NewExecTool(),
		NewScheduleTool(),
		NewSessionInfoTool(),
		NewReactTool(),
		NewFetchAttachmentsTool(),
	}
	for _, t := range optional {
		if cfg.Enabled(t.Name) {
			r.Register(t)
		}
	}
}
