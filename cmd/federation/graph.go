package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AlexSeisler/DevbotKernelBackend/internal/model"
)

var (
	graphLinkedTo string
	graphWeight   float64
	graphNotes    string
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Inspect and extend a repository's federation graph",
}

var graphLinkCmd = &cobra.Command{
	Use:   "link <key|owner/name> <path> <type> <name>",
	Short: "Add a node to a repository's graph",
	Long: `Add a node to a repository's graph. <type> is one of file, function or class.

Nodes given --linked-to are kept when the repository is re-analyzed and are
planned as their own modules next to the analyzed node of the same name.`,
	Args: cobra.ExactArgs(4),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		ref, err := model.ParseRepoRef(args[0])
		if err != nil {
			return err
		}
		typ := model.NodeType(args[2])
		if !typ.Valid() {
			return fmt.Errorf("invalid node type %q: want file, function or class", args[2])
		}
		repo, err := a.db.Repository(cmd.Context(), ref)
		if err != nil {
			return err
		}
		n := model.GraphNode{
			OwnerRepoKey: repo.Key,
			FilePath:     args[1],
			NodeType:     typ,
			Name:         args[3],
			Weight:       graphWeight,
			Notes:        graphNotes,
		}
		if graphLinkedTo != "" {
			linked := graphLinkedTo
			n.CrossLinkedTo = &linked
		}
		if err := a.db.InsertNode(cmd.Context(), repo.Key, n); err != nil {
			return err
		}
		a.log.Info("graph node inserted", "repo", repo.ID, "path", n.FilePath, "type", n.NodeType, "name", n.Name)
		fmt.Fprintf(cmd.OutOrStdout(), "Linked %s %s in %s\n", n.NodeType, n.Name, repo.ID)
		return nil
	}),
}

var graphQueryCmd = &cobra.Command{
	Use:   "query <key|owner/name>",
	Short: "List a repository's graph nodes",
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
		nodes, err := a.db.QueryNodes(cmd.Context(), repo.Key)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TYPE\tPATH\tNAME\tLINKED\tWEIGHT\tNOTES")
		for _, n := range nodes {
			linked := "-"
			if n.CrossLinkedTo != nil {
				linked = *n.CrossLinkedTo
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", n.NodeType, n.FilePath, n.Name, linked, strconv.FormatFloat(n.Weight, 'g', -1, 64), n.Notes)
		}
		return w.Flush()
	}),
}

func init() {
	graphLinkCmd.Flags().StringVar(&graphLinkedTo, "linked-to", "", "Node this one is cross-linked to")
	graphLinkCmd.Flags().Float64Var(&graphWeight, "weight", 1, "Federation weight of the node")
	graphLinkCmd.Flags().StringVar(&graphNotes, "notes", "", "Free-form notes")

	graphCmd.AddCommand(graphLinkCmd, graphQueryCmd)
}
