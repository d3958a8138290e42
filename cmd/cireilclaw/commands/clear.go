package commands

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/cireil/cireilclaw/pkg/cireilclaw/config"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/session"
)

func newClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete stored sessions",
		Long: `Delete the persisted conversation history. With --agent, only
that agent's sessions; without it, every agent's, after confirmation.`,
		RunE: runClear,
	}
	cmd.Flags().String("agent", "", "clear only this agent's sessions")
	return cmd
}

func runClear(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	root := config.RootDir()

	slug, _ := cmd.Flags().GetString("agent")
	var slugs []string
	if slug != "" {
		layout := config.NewAgentLayout(root, slug)
		if _, err := os.Stat(layout.Dir); err != nil {
			return fmt.Errorf("agent %q not found", slug)
		}
		slugs = []string{slug}
	} else {
		entries, err := os.ReadDir(config.AgentsDir(root))
		if err != nil {
			return fmt.Errorf("reading agents dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() && config.ValidSlug(e.Name()) {
				slugs = append(slugs, e.Name())
			}
		}
		if len(slugs) == 0 {
			fmt.Println("Nothing to clear.")
			return nil
		}

		confirmed := false
		confirm := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Delete the sessions of all %d agents?", len(slugs))).
				Value(&confirmed),
		))
		if err := confirm.Run(); err != nil {
			return err
		}
		if !confirmed {
			fmt.Println("Aborted.")
			return nil
		}
	}

	for _, s := range slugs {
		layout := config.NewAgentLayout(root, s)
		store, err := session.OpenStore(layout.SessionsDB(), layout.ImagesDir(), logger)
		if err != nil {
			logger.Error("could not open store", "agent", s, "error", err)
			continue
		}
		err = store.Clear()
		store.Close()
		if err != nil {
			logger.Error("could not clear sessions", "agent", s, "error", err)
			continue
		}
		fmt.Printf("Cleared sessions for %s\n", s)
	}
	return nil
}
