package commands

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/cireil/cireilclaw/pkg/cireilclaw/config"
)

const defaultAPIBase = "https://openrouter.ai/api/v1"

const defaultCore = `You are a helpful assistant.

Edit this file to define who this agent is: persona, tone, standing
instructions. It is prepended to every conversation.
`

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new agent interactively",
		RunE:  runInit,
	}
}

func runInit(cmd *cobra.Command, _ []string) error {
	root := config.RootDir()

	var slug, apiBase, model, apiKey string
	apiBase = defaultAPIBase

	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Agent slug").
			Description("URL-safe name, e.g. mika").
			Value(&slug).
			Validate(func(s string) error {
				if !config.ValidSlug(s) {
					return fmt.Errorf("use lowercase letters, digits, and dashes")
				}
				layout := config.NewAgentLayout(root, s)
				if _, err := os.Stat(layout.Dir); err == nil {
					return fmt.Errorf("agent %q already exists", s)
				}
				return nil
			}),
		huh.NewInput().
			Title("API base URL").
			Description("OpenAI-compatible chat completions endpoint").
			Value(&apiBase),
		huh.NewInput().
			Title("Model").
			Placeholder("anthropic/claude-sonnet-4").
			Value(&model).
			Validate(func(s string) error {
				if s == "" {
					return fmt.Errorf("model is required")
				}
				return nil
			}),
		huh.NewInput().
			Title("API key").
			Description("Leave empty for keyless endpoints").
			EchoMode(huh.EchoModePassword).
			Value(&apiKey),
	))
	if err := form.Run(); err != nil {
		return err
	}

	engineCfg := &config.EngineConfig{APIBase: apiBase, APIKey: apiKey, Model: model}

	// Offer to keep the key out of the config file.
	if apiKey != "" && config.KeyringAvailable() {
		useKeyring := true
		confirm := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title("Store the API key in the OS keyring instead of engine.toml?").
				Value(&useKeyring),
		))
		if err := confirm.Run(); err != nil {
			return err
		}
		if useKeyring {
			if err := config.StoreAgentKey(slug, apiKey); err != nil {
				return err
			}
			engineCfg.APIKey = ""
		}
	}

	layout := config.NewAgentLayout(root, slug)
	if err := layout.Scaffold(); err != nil {
		return err
	}
	if err := os.MkdirAll(layout.ConfigDir(), 0o755); err != nil {
		return err
	}
	if err := config.SaveEngineConfig(layout.EngineFile(), engineCfg); err != nil {
		return err
	}
	if err := os.WriteFile(layout.CoreFile(), []byte(defaultCore), 0o644); err != nil {
		return err
	}

	fmt.Printf("Agent %q created at %s\n", slug, layout.Dir)
	fmt.Printf("Next steps:\n")
	fmt.Printf("  - edit %s\n", layout.CoreFile())
	fmt.Printf("  - add channel credentials under %s\n", layout.ChannelsDir())
	fmt.Printf("  - cireilclaw chat --agent %s\n", slug)
	return nil
}
