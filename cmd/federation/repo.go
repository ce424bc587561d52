package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AlexSeisler/DevbotKernelBackend/internal/model"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/plan"
)

var (
	importBranch string
	planOutput   string
)

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Manage registered repositories",
}

var repoImportCmd = &cobra.Command{
	Use:   "import <owner/name>",
	Short: "Register a repository and record its files",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		id, err := model.ParseRepoID(args[0])
		if err != nil {
			return err
		}
		repo, err := a.ingestor().Import(cmd.Context(), id, importBranch)
		if err != nil {
			return err
		}
		n, err := a.db.CountNodes(cmd.Context(), repo.Key)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %s (key %d, branch %s, %d files)\n", repo.ID, repo.Key, repo.DefaultBranch, n)
		return nil
	}),
}

var repoResolveCmd = &cobra.Command{
	Use:   "resolve <key|owner/name>",
	Short: "Translate between repository key and logical id",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		ref, err := model.ParseRepoRef(args[0])
		if err != nil {
			return err
		}
		repo, err := a.db.Repository(cmd.Context(), ref)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", repo.Key, repo.ID)
		return nil
	}),
}

var repoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered repositories",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		repos, err := a.db.ListRepositories(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tREPOSITORY\tBRANCH\tROOT")
		for _, r := range repos {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.Key, r.ID, r.DefaultBranch, shortSHA(r.RootContentHash))
		}
		return w.Flush()
	}),
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <key|owner/name>",
	Short: "Re-read a repository and rebuild its graph nodes",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		ref, err := model.ParseRepoRef(args[0])
		if err != nil {
			return err
		}
		repo, err := a.db.Repository(cmd.Context(), ref)
		if err != nil {
			return err
		}
		nodes, err := a.ingestor().Analyze(cmd.Context(), repo.Key)
		if err != nil {
			return err
		}
		counts := make(map[model.NodeType]int)
		for _, n := range nodes {
			counts[n.NodeType]++
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Analyzed %s: %d files, %d functions, %d classes\n",
			repo.ID, counts[model.NodeFile], counts[model.NodeFunction], counts[model.NodeClass])
		return nil
	}),
}

var planCmd = &cobra.Command{
	Use:   "plan <source> <target>",
	Short: "Build a replication plan from the graph",
	Long: `Build a replication plan listing the modules of <source> to copy into <target>.
Both repositories may be given as a key or as owner/name.

The plan is printed as YAML, or written to the file given with -o for use
with 'federation dry-run'.`,
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
		b, err := a.planner()
		if err != nil {
			return err
		}
		p, err := b.Build(cmd.Context(), src, dst)
		if err != nil {
			return err
		}
		if planOutput != "" {
			if err := plan.WriteFile(planOutput, p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote plan with %d modules (%d files) to %s\n", len(p.Modules), len(p.UniquePaths()), planOutput)
			return nil
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(p); err != nil {
			return err
		}
		return enc.Close()
	}),
}

var dryRunCmd = &cobra.Command{
	Use:   "dry-run <plan-file>",
	Short: "Preview the patches a plan would produce without writing",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		p, err := plan.ReadFile(args[0])
		if err != nil {
			return err
		}
		o, err := a.orchestrator()
		if err != nil {
			return err
		}
		previews, err := o.DryRun(cmd.Context(), p)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		invalid := 0
		for _, pv := range previews {
			if !pv.Valid {
				invalid++
				fmt.Fprintf(out, "INVALID %s: %s: %v\n\n", pv.Path, pv.Reason, pv.Err)
				continue
			}
			fmt.Fprintf(out, "VALID %s (base %s)\n", pv.Path, baseLabel(pv.TargetHash))
			if pv.Diff != "" {
				fmt.Fprintln(out, pv.Diff)
			}
		}
		fmt.Fprintf(out, "%d paths, %d invalid\n", len(previews), invalid)
		return nil
	}),
}

func shortSHA(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

func baseLabel(hash string) string {
	if hash == "" {
		return "new file"
	}
	return shortSHA(hash)
}

func init() {
	repoImportCmd.Flags().StringVar(&importBranch, "branch", "", "Branch to import (default: the repository's default branch)")
	planCmd.Flags().StringVarP(&planOutput, "output", "o", "", "Write the plan to this file")

	repoCmd.AddCommand(repoImportCmd, repoResolveCmd, repoListCmd)
}
