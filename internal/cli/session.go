package cli

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marromugi/gch4-sub003/internal/agent"
	"github.com/marromugi/gch4-sub003/internal/domain"
	"github.com/marromugi/gch4-sub003/internal/store"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Create and drive collection sessions",
	}

	cmd.AddCommand(newSessionCreateCmd())
	cmd.AddCommand(newSessionGetCmd())
	cmd.AddCommand(newSessionTurnCmd())
	cmd.AddCommand(newSessionListCmd())
	cmd.AddCommand(newSessionCloseCmd("complete", "Mark a session completed"))
	cmd.AddCommand(newSessionCloseCmd("abandon", "Mark a session abandoned"))
	cmd.AddCommand(newSessionReconcileCmd())
	return cmd
}

// signalContext is cancelled on SIGINT/SIGTERM so an interrupted turn
// commits nothing.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newSessionCreateCmd() *cobra.Command {
	var (
		kind   string
		schema string
		greet  bool
	)

	cmd := &cobra.Command{
		Use:   "create <parent-id>",
		Short: "Start a session for an application, job or form",
		Long: "Start a session. The parent is an application for application and\n" +
			"interview_feedback sessions, a job for policy_creation, and a form for form_response.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				ctx, stop := signalContext()
				defer stop()
				view, err := a.runner.CreateSession(ctx, agent.CreateRequest{
					Kind:            domain.SessionKind(kind),
					ParentID:        args[0],
					SchemaVersionID: schema,
					Greet:           greet,
				})
				if err != nil {
					return err
				}
				return printJSON(view)
			})
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(domain.KindApplication), "session kind (application, interview_feedback, policy_creation, form_response)")
	cmd.Flags().StringVar(&schema, "schema", "", "approved schema version ID")
	cmd.Flags().BoolVar(&greet, "greet", true, "run the greeter so the session opens with a message")
	cmd.MarkFlagRequired("schema")
	return cmd
}

func newSessionGetCmd() *cobra.Command {
	var replay bool

	cmd := &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show a session with its todos and messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				view, err := a.runner.GetSession(cmd.Context(), args[0], replay)
				if err != nil {
					return err
				}
				return printJSON(view)
			})
		},
	}

	cmd.Flags().BoolVar(&replay, "replay", false, "rebuild from the tool-call log and report drift")
	return cmd
}

func newSessionTurnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "turn <session-id> <message>",
		Short: "Send a user message and print the assistant reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := strings.Join(args[1:], " ")
			return withApp(func(a *app) error {
				ctx, stop := signalContext()
				defer stop()
				res, err := a.runner.ProcessTurn(ctx, args[0], message)
				if err != nil {
					if domain.IsRetryable(err) {
						fmt.Fprintln(cmd.ErrOrStderr(), "the turn can be retried")
					}
					return err
				}
				fmt.Println(res.AssistantMessage.Content)
				fmt.Fprintf(cmd.ErrOrStderr(), "\n[agent=%s turn=%d complete=%v fallback=%v]\n",
					res.CurrentAgent, res.TurnCount, res.IsComplete, res.ShouldFallback)
				return nil
			})
		},
	}
}

func newSessionListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := domain.SessionStatus(status)
			if status != "" && !st.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			return withApp(func(a *app) error {
				sessions, err := a.runner.ListSessions(cmd.Context(), store.ListFilter{Status: st, Limit: limit})
				if err != nil {
					return err
				}
				for _, s := range sessions {
					fmt.Printf("  %-36s %-18s %-9s agent=%-11s turns=%d\n",
						s.ID, s.Kind, s.Status, s.CurrentAgent, s.TurnCount)
				}
				if len(sessions) == 0 {
					fmt.Println("  (no sessions)")
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (active, completed, abandoned)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum sessions to show")
	return cmd
}

func newSessionCloseCmd(action, short string) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   action + " <session-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				finish := a.runner.CompleteSession
				if action == "abandon" {
					finish = a.runner.AbandonSession
				}
				s, err := finish(cmd.Context(), args[0], reason)
				if err != nil {
					return err
				}
				fmt.Printf("Session %s is %s\n", s.ID, s.Status)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the log")
	return cmd
}

func newSessionReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <session-id>",
		Short: "Replay the log and repair the snapshot if it drifted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				res, err := a.runner.ReconcileSession(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if len(res.Drift) == 0 {
					fmt.Println("Snapshot matches the log")
					return nil
				}
				fmt.Printf("Drift in: %s\n", strings.Join(res.Drift, ", "))
				if res.Repaired {
					fmt.Println("Snapshot repaired")
				}
				return nil
			})
		},
	}
}
