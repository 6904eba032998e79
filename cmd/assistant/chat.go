package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-assistant/core"
	"github.com/becomeliminal/nim-assistant/engine"
	"github.com/becomeliminal/nim-assistant/session"
)

func newChatCmd(root *rootOptions) *cobra.Command {
	var (
		owner     string
		sessionID string
		noTools   bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, root.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := session.LoadOrCreate(ctx, a.sessions, sessionID, owner)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session %s (Ctrl-D to quit)\n", sess.ID)
			return chatLoop(ctx, a, sess, !noTools, cmd.InOrStdin(), out)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "local", "memory owner id")
	cmd.Flags().StringVar(&sessionID, "session", "", "resume a session")
	cmd.Flags().BoolVar(&noTools, "no-tools", false, "disable tool execution")
	return cmd
}

func chatLoop(ctx context.Context, a *app, sess *core.Session, tools bool, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		for ev := range a.engine.Run(ctx, &engine.Input{
			Session:         sess,
			Message:         line,
			EnableMemory:    true,
			EnableKnowledge: true,
			EnableTools:     tools,
		}) {
			switch ev.Type {
			case core.EventToken:
				fmt.Fprint(out, ev.Value)
			case core.EventMemory:
				fmt.Fprintf(out, "[memory %s: %s] ", ev.Payload.Action, ev.Payload.Value)
			case core.EventError:
				fmt.Fprint(out, ev.Message)
			}
		}
		fmt.Fprintln(out)

		if err := a.sessions.Save(ctx, sess); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
