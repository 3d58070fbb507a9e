package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/app"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/graphstore"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/staging"
)

const defaultReviewer = "graphctl"

func normalizeLabelsCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "normalize-labels",
		Short: "Strip the catch-all label from every graph node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				n, err := a.Promoter.NormalizeLabels(ctx)
				return map[string]int{"updated": n}, err
			})
		},
	}
}

func mergeDuplicatesCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge-duplicates",
		Short: "Merge graph nodes that name the same entity",
		Long: `Merge graph nodes of the same kind whose normalized names match.
Edges of merged nodes are moved to the surviving node.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var kinds []common.EntityKind
			for _, k := range e.v.GetStringSlice("kind") {
				kind := common.EntityKind(k)
				if !kind.Valid() {
					return common.NewError(common.InvalidConfig, "unknown entity kind %q", k)
				}
				kinds = append(kinds, kind)
			}
			return e.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Promoter.MergeDuplicateNodes(ctx, kinds...)
			})
		},
	}
	cmd.Flags().StringSlice("kind", nil, "entity kinds to merge (default Person and Company)")
	_ = e.v.BindPFlag("kind", cmd.Flags().Lookup("kind"))
	return cmd
}

func ensureIndicesCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "ensure-indices",
		Short: "Create the graph constraints and indices if missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				if err := a.Promoter.EnsureIndices(ctx); err != nil {
					return nil, err
				}
				return map[string]string{"status": "ok"}, nil
			})
		},
	}
}

type statsOutput struct {
	Graph   graphstore.Stats  `json:"graph"`
	Staging common.Statistics `json:"staging"`
}

func statsCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show graph counts and staging status counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				var out statsOutput
				var err error
				if out.Graph, err = a.Graph.Stats(ctx); err != nil {
					return nil, err
				}
				if out.Staging, err = a.Approval.Statistics(ctx, e.v.GetString("document")); err != nil {
					return nil, err
				}
				return out, nil
			})
		},
	}
}

func approveAllCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve-all",
		Short: "Approve every pending staged row",
		Long: `Approve every pending row of --document, or of all documents.
With --promote the approved rows are promoted to the graph whatever the
AUTO_PROMOTE policy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc := e.v.GetString("document")
			reviewer := e.v.GetString("reviewer")
			return e.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				if e.v.GetBool("promote") {
					return a.Approval.ApproveAndPromote(ctx, doc, reviewer)
				}
				return a.Approval.ApproveAllPending(ctx, doc, reviewer, e.v.GetString("notes"))
			})
		},
	}
	cmd.Flags().String("reviewer", defaultReviewer, "reviewer id recorded on the rows")
	cmd.Flags().String("notes", "", "review notes recorded on the rows")
	cmd.Flags().Bool("promote", false, "promote the approved rows")
	for _, name := range []string{"reviewer", "notes", "promote"} {
		_ = e.v.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	return cmd
}

func cleanPendingCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "clean-pending",
		Short: "Delete pending staged rows",
		Long:  `Delete the pending rows of --document, or of all documents. Reviewed rows are kept.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Approval.CleanPending(ctx, e.v.GetString("document"))
			})
		},
	}
}

func promoteCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Promote approved and modified rows to the graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := staging.Filter{
				DocumentID: e.v.GetString("document"),
				BatchID:    e.v.GetString("batch"),
			}
			return e.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Approval.Promote(ctx, f)
			})
		},
	}
	cmd.Flags().String("batch", "", "restrict to one ingestion batch")
	_ = e.v.BindPFlag("batch", cmd.Flags().Lookup("batch"))
	return cmd
}
