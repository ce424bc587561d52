package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AlexSeisler/DevbotKernelBackend/internal/model"
)

var (
	reviewRepo    string
	reviewBranch  string
	reviewMessage string
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Inspect and resolve patches in the manual review queue",
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued patches",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		q, err := a.reviewQueue(nil)
		if err != nil {
			return err
		}
		names, err := q.List()
		if err != nil {
			return err
		}
		for i, n := range names {
			fmt.Fprintf(cmd.OutOrStdout(), "[%d] %s\n", i, n)
		}
		return nil
	}),
}

var reviewShowCmd = &cobra.Command{
	Use:   "show <index>",
	Short: "Show a queued patch",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		i, err := parseIndex(args[0])
		if err != nil {
			return err
		}
		q, err := a.reviewQueue(nil)
		if err != nil {
			return err
		}
		e, err := q.Show(i)
		if err != nil {
			return err
		}
		return printJSON(cmd, e.Record)
	}),
}

var reviewApproveCmd = &cobra.Command{
	Use:   "approve <index>",
	Short: "Commit a queued patch and remove it from the queue",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		i, err := parseIndex(args[0])
		if err != nil {
			return err
		}
		repo, err := model.ParseRepoRef(reviewRepo)
		if err != nil {
			return err
		}
		q, err := a.reviewQueue(a.pipeline())
		if err != nil {
			return err
		}
		res, err := q.Approve(cmd.Context(), i, repo, reviewBranch, reviewMessage)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Patch committed: %s on %s (%s)\n", res.CommitSHA, res.Branch, res.Mode)
		return nil
	}),
}

var reviewRejectCmd = &cobra.Command{
	Use:   "reject <index>",
	Short: "Discard a queued patch",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		i, err := parseIndex(args[0])
		if err != nil {
			return err
		}
		q, err := a.reviewQueue(nil)
		if err != nil {
			return err
		}
		name, err := q.Reject(i)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Discarded %s\n", name)
		return nil
	}),
}

func parseIndex(s string) (int, error) {
	i, err := strconv.Atoi(s)
	if err != nil || i < 0 {
		return 0, fmt.Errorf("invalid index %q", s)
	}
	return i, nil
}

func init() {
	reviewApproveCmd.Flags().StringVar(&reviewRepo, "repo", "", "Target repository (key or owner/name)")
	reviewApproveCmd.Flags().StringVar(&reviewBranch, "branch", "", "Target branch")
	reviewApproveCmd.Flags().StringVarP(&reviewMessage, "message", "m", "", "Commit message")
	_ = reviewApproveCmd.MarkFlagRequired("repo")
	_ = reviewApproveCmd.MarkFlagRequired("branch")

	reviewCmd.AddCommand(reviewListCmd, reviewShowCmd, reviewApproveCmd, reviewRejectCmd)
}
