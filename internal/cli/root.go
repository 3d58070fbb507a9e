// Package cli implements graphctl, the maintenance command line of the
// graph service.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/app"
	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/config"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
)

// AppFactory returns an initialized App. graphctl closes it when the
// command returns.
type AppFactory func(ctx context.Context) (*app.App, error)

// DefaultApp builds the App from the environment.
func DefaultApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := app.New(cfg)
	if err := a.Initialize(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// env is shared by all commands of one root.
type env struct {
	v       *viper.Viper
	factory AppFactory
}

// NewRootCommand creates the graphctl command tree. Flags can also be set
// through GRAPHCTL_* environment variables, e.g. GRAPHCTL_OUTPUT=json.
func NewRootCommand(factory AppFactory) *cobra.Command {
	e := &env{v: viper.New(), factory: factory}

	root := &cobra.Command{
		Use:   "graphctl",
		Short: "Maintain the entity graph and its staging store",
		Long: `graphctl runs review and maintenance operations against the stores
configured in the environment (the same settings as the server).`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringP("output", "o", "yaml", "output format: yaml or json")
	root.PersistentFlags().String("document", "", "restrict to one document id")
	_ = e.v.BindPFlags(root.PersistentFlags())

	e.v.SetEnvPrefix("GRAPHCTL")
	e.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	e.v.AutomaticEnv()

	root.AddCommand(
		ingestCmd(e),
		normalizeLabelsCmd(e),
		mergeDuplicatesCmd(e),
		ensureIndicesCmd(e),
		statsCmd(e),
		approveAllCmd(e),
		cleanPendingCmd(e),
		promoteCmd(e),
	)
	return root
}

// Execute runs graphctl with the arguments of the process.
func Execute(ctx context.Context) error {
	return NewRootCommand(DefaultApp).ExecuteContext(ctx)
}

// run opens the App, runs fn and prints its result.
func (e *env) run(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) (any, error)) error {
	format := e.v.GetString("output")
	if format != "yaml" && format != "json" {
		return common.NewError(common.InvalidConfig, "unknown output format %q", format)
	}
	ctx := cmd.Context()
	a, err := e.factory(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	out, err := fn(ctx, a)
	if err != nil {
		return err
	}
	return writeOutput(cmd.OutOrStdout(), format, out)
}

// writeOutput writes v as JSON or YAML. YAML keys follow the JSON field names.
func writeOutput(w io.Writer, format string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	if format == "json" {
		var indented bytes.Buffer
		if err := json.Indent(&indented, data, "", "  "); err != nil {
			return err
		}
		indented.WriteByte('\n')
		_, err = indented.WriteTo(w)
		return err
	}
	var plain any
	if err := json.Unmarshal(data, &plain); err != nil {
		return err
	}
	out, err := yaml.Marshal(plain)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = w.Write(out)
	return err
}
