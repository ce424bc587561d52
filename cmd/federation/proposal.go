package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AlexSeisler/DevbotKernelBackend/internal/model"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/proposal"
)

var (
	proposalFile   string
	proposalStatus string
)

var proposalCmd = &cobra.Command{
	Use:   "proposal",
	Short: "Submit and decide patch proposals",
}

var proposalSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a proposal from a JSON file",
	Long: `Submit a proposal read from a JSON file (or - for stdin):

  {
    "repo": "owner/name",
    "branch": "main",
    "proposed_by": "alice",
    "commit_message": "Update helpers",
    "patches": [
      {"file_path": "a.py", "base_content_hash": "<blob sha>", "updated_content": "..."}
    ]
  }

proposed_by defaults to replication.proposed_by.`,
	Args: cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		var r io.Reader = cmd.InOrStdin()
		if proposalFile != "-" {
			f, err := os.Open(proposalFile)
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}
		var req proposal.SubmitRequest
		if err := json.NewDecoder(r).Decode(&req); err != nil {
			return fmt.Errorf("reading proposal: %w", err)
		}
		if req.ProposedBy == "" {
			req.ProposedBy = a.cfg.Replication.ProposedBy
		}
		p, err := a.proposals().Submit(cmd.Context(), req)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), p.ID)
		return nil
	}),
}

var proposalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List proposals",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		ps, err := a.proposals().List(cmd.Context(), model.ProposalStatus(proposalStatus))
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tREPO\tBRANCH\tPATCHES\tBY")
		for _, p := range ps {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\n", p.ID, p.Status, p.RepoKey, p.Branch, len(p.Patches), p.ProposedBy)
		}
		return w.Flush()
	}),
}

var proposalShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a proposal",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		p, err := a.proposals().Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, p)
	}),
}

var proposalApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending proposal and commit its patches",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		results, err := a.proposals().Approve(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if results == nil {
			results = []*model.CommitResult{}
		}
		return printJSON(cmd, results)
	}),
}

var proposalRejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a pending proposal",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		if err := a.proposals().Reject(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rejected %s\n", args[0])
		return nil
	}),
}

func init() {
	proposalSubmitCmd.Flags().StringVarP(&proposalFile, "file", "f", "-", "Proposal JSON file, - for stdin")
	proposalListCmd.Flags().StringVar(&proposalStatus, "status", "", "Only list proposals with this status")

	proposalCmd.AddCommand(proposalSubmitCmd, proposalListCmd, proposalShowCmd, proposalApproveCmd, proposalRejectCmd)
}
