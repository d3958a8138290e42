package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cireil/cireilclaw/pkg/cireilclaw/config"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/harness"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/session"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to an agent from the terminal",
		Long: `Open a REPL against one agent. Each line runs a full engine turn;
the agent's responses print to stdout. Ctrl-C cancels an in-flight
turn, Ctrl-D exits.`,
		RunE: runChat,
	}
	cmd.Flags().String("agent", "", "agent slug (optional when only one agent exists)")
	return cmd
}

func runChat(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}

	h, err := harness.New(config.RootDir(), logger)
	if err != nil {
		return err
	}
	defer h.Stop()

	slug, _ := cmd.Flags().GetString("agent")
	if slug == "" {
		agents := h.Agents()
		if len(agents) != 1 {
			return fmt.Errorf("multiple agents configured; pick one with --agent")
		}
		slug = agents[0].Slug
	}
	ag, ok := h.Agent(slug)
	if !ok {
		return fmt.Errorf("agent %q not found", slug)
	}

	sess := session.NewCLISession(uuid.NewString())
	ag.AddSession(sess)
	h.RegisterPrinter(sess.ID, func(content string) {
		fmt.Printf("\n%s\n\n", content)
	})

	rl, err := readline.New(slug + "> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	fmt.Printf("Chatting with %s. Ctrl-D to exit.\n", slug)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if !sess.TryAcquire() {
			fmt.Println("still thinking, hold on")
			continue
		}
		msg := session.UserText(line)
		msg.ID = uuid.NewString()

		turnCtx, cancel := context.WithCancel(cmd.Context())
		turnDone := make(chan struct{})
		go func() {
			select {
			case <-sigs:
				cancel()
			case <-turnDone:
			}
		}()

		err = h.RunUserTurn(turnCtx, ag, sess, msg)
		close(turnDone)
		cancel()
		sess.Release()

		if err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "turn failed: %v\n", err)
		}
	}
}
