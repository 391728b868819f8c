package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent"
	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

func newChatCmd(root *rootOptions) *cobra.Command {
	var (
		threadID string
		name     string
		role     string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the assistant from the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := agent.NewFactory(*cfg, logger, agent.WithRegisterer(prometheus.NewRegistry())).Build(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if threadID == "" {
				threadID = uuid.NewString()
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "thread %s (empty line or Ctrl-D to quit)\n", threadID)

			user := ports.UserContext{DisplayName: name, Role: role}
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(out, "> ")
				if !scanner.Scan() {
					break
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					break
				}
				res, err := rt.Orchestrator.ProcessTurn(ctx, threadID, line, user)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\n[%s retries=%d]\n", res.FinalText, res.TerminalState, res.RetryCount)
			}
			return scanner.Err()
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "thread id to continue (default: new thread)")
	cmd.Flags().StringVar(&name, "name", "", "display name passed as user context")
	cmd.Flags().StringVar(&role, "role", "", "role passed as user context")
	return cmd
}
