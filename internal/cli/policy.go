package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marromugi/gch4-sub003/internal/domain"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Author and publish review policies",
	}

	cmd.AddCommand(newPolicyCreateCmd())
	cmd.AddCommand(newPolicyListCmd())
	cmd.AddCommand(newPolicyShowCmd())
	cmd.AddCommand(newPolicySignalCmd())
	cmd.AddCommand(newPolicyTopicCmd())
	cmd.AddCommand(newPolicyLimitsCmd())
	cmd.AddCommand(newPolicyStepCmd("confirm", "Freeze a draft version"))
	cmd.AddCommand(newPolicyStepCmd("publish", "Make a confirmed version the job's effective policy"))
	cmd.AddCommand(newPolicyStepCmd("demote", "Return a published version to confirmed"))
	return cmd
}

func newPolicyCreateCmd() *cobra.Command {
	var lf limitFlags

	cmd := &cobra.Command{
		Use:   "create <job-id>",
		Short: "Create a draft policy version for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				v, err := a.policies.CreateDraft(cmd.Context(), args[0], lf.limits(cmd))
				if err != nil {
					return err
				}
				return printJSON(v)
			})
		},
	}

	lf.register(cmd)
	return cmd
}

func newPolicyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <job-id>",
		Short: "List a job's policy versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				versions, err := a.policies.List(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				for _, v := range versions {
					fmt.Printf("  v%-3d %-36s %-9s signals=%d topics=%d\n",
						v.Version, v.ID, v.Status, len(v.Signals), len(v.ProhibitedTopics))
				}
				if len(versions) == 0 {
					fmt.Println("  (no policy versions)")
				}
				return nil
			})
		},
	}
}

func newPolicyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <policy-version-id>",
		Short: "Show a policy version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				v, err := a.policies.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(v)
			})
		},
	}
}

func newPolicySignalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Edit the review signals of a draft",
	}

	var (
		label    string
		priority string
		category string
	)
	add := &cobra.Command{
		Use:   "add <policy-version-id> <key>",
		Short: "Append a signal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := domain.SignalPriority(priority)
			if !p.Valid() {
				return fmt.Errorf("priority must be must, want or nice; got %q", priority)
			}
			if label == "" {
				label = args[1]
			}
			return withApp(func(a *app) error {
				v, err := a.policies.AddSignal(cmd.Context(), args[0], domain.Signal{
					Key: args[1], Label: label, Priority: p, Category: category,
				})
				if err != nil {
					return err
				}
				return printSignals(v)
			})
		},
	}
	add.Flags().StringVar(&label, "label", "", "human-readable label (defaults to the key)")
	add.Flags().StringVar(&priority, "priority", string(domain.PriorityWant), "must, want or nice")
	add.Flags().StringVar(&category, "category", "", "optional grouping")

	remove := &cobra.Command{
		Use:   "remove <policy-version-id> <key>",
		Short: "Remove a signal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				v, err := a.policies.RemoveSignal(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return printSignals(v)
			})
		},
	}

	cmd.AddCommand(add, remove)
	return cmd
}

func printSignals(v *domain.PolicyVersion) error {
	for _, s := range v.Signals {
		fmt.Printf("  %d. %-20s %-5s %s\n", s.Position+1, s.Key, s.Priority, s.Label)
	}
	if len(v.Signals) == 0 {
		fmt.Println("  (no signals)")
	}
	return nil
}

func newPolicyTopicCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topic",
		Short: "Edit the prohibited topics of a draft",
	}

	edit := func(use, short string, fn func(a *app, ctx context.Context, id, topic string) (*domain.PolicyVersion, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <policy-version-id> <topic>",
			Short: short,
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				topic := strings.Join(args[1:], " ")
				return withApp(func(a *app) error {
					v, err := fn(a, cmd.Context(), args[0], topic)
					if err != nil {
						return err
					}
					for _, t := range v.ProhibitedTopics {
						fmt.Printf("  - %s\n", t.Topic)
					}
					return nil
				})
			},
		}
	}

	cmd.AddCommand(edit("add", "Prohibit a topic", func(a *app, ctx context.Context, id, topic string) (*domain.PolicyVersion, error) {
		return a.policies.AddTopic(ctx, id, topic)
	}))
	cmd.AddCommand(edit("remove", "Allow a topic again", func(a *app, ctx context.Context, id, topic string) (*domain.PolicyVersion, error) {
		return a.policies.RemoveTopic(ctx, id, topic)
	}))
	return cmd
}

func newPolicyLimitsCmd() *cobra.Command {
	var lf limitFlags

	cmd := &cobra.Command{
		Use:   "limits <policy-version-id>",
		Short: "Replace the caps and thresholds of a draft",
		Long:  "Replace the caps and thresholds of a draft. Flags that are not given are cleared.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				v, err := a.policies.SetLimits(cmd.Context(), args[0], lf.limits(cmd))
				if err != nil {
					return err
				}
				return printJSON(v)
			})
		},
	}

	lf.register(cmd)
	return cmd
}

func newPolicyStepCmd(step, short string) *cobra.Command {
	return &cobra.Command{
		Use:   step + " <policy-version-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				var (
					v   *domain.PolicyVersion
					err error
				)
				switch step {
				case "confirm":
					v, err = a.policies.Confirm(cmd.Context(), args[0])
				case "publish":
					v, err = a.runner.PublishPolicyVersion(cmd.Context(), args[0])
				case "demote":
					v, err = a.policies.Demote(cmd.Context(), args[0])
				}
				if err != nil {
					return err
				}
				fmt.Printf("Policy %s (job %s, v%d) is %s\n", v.ID, v.JobID, v.Version, v.Status)
				return nil
			})
		},
	}
}
