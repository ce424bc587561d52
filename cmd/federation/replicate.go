package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AlexSeisler/DevbotKernelBackend/internal/model"
)

var replicateCmd = &cobra.Command{
	Use:   "replicate <source> <target>",
	Short: "Replicate the modules of a source repository into a target repository",
	Long: `Re-analyze <source>, build a replication plan, cut a new branch from the
default branch of <target>, commit every module in one commit and open a pull
request. Modules that fail are sent to the manual review queue.`,
	Args: cobra.ExactArgs(2),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		src, err := model.ParseRepoRef(args[0])
		if err != nil {
			return err
		}
		dst, err := model.ParseRepoRef(args[1])
		if err != nil {
			return err
		}
		o, err := a.orchestrator()
		if err != nil {
			return err
		}

		rep, runErr := o.Run(cmd.Context(), src, dst)
		out := cmd.OutOrStdout()
		if rep.Branch != "" {
			fmt.Fprintf(out, "Branch: %s\n", rep.Branch)
		}
		if rep.Commit.HasCommit() {
			fmt.Fprintf(out, "Commit: %s (%d files)\n", rep.Commit.CommitSHA, len(rep.Commit.Committed))
		}
		for _, r := range rep.Reviewed {
			fmt.Fprintf(out, "Review: %s (%s) %s\n", r.Path, r.Reason, r.Record)
		}
		if rep.PullRequest != nil {
			fmt.Fprintf(out, "Pull request #%d: %s\n", rep.PullRequest.Number, rep.PullRequest.URL)
		}
		return runErr
	}),
}
