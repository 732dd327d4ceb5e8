package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	mcpgateway "github.com/vikashloomba/mcp-orchestrator-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpconfig"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpmgr"
)

const (
	rootUse              = "mcp-orchestrator"
	rootShortDescription = "connect to MCP servers and expose their tools"
	rootLongDescription  = `mcp-orchestrator connects to every MCP server listed in a configuration file,
loads the tools, prompts and resources each one declares, and either lists them,
calls one tool, or serves all of them through a single Streamable HTTP endpoint.`

	toolsUse              = "tools"
	toolsShortDescription = "list the unified tool set"
	callUse               = "call <server.tool> [json-arguments]"
	callShortDescription  = "call one tool"
	callUsageExample      = `  # Call a tool that needs approval without being asked
  mcp-orchestrator call --yes filesystem.read_file '{"path":"README.md"}'`
	serveUse              = "serve"
	serveShortDescription = "serve every loaded server through one MCP gateway"

	configFlagName        = "config"
	logLevelFlagName      = "log-level"
	timeoutFlagName       = "timeout"
	jsonFlagName          = "json"
	yesFlagName           = "yes"
	addrFlagName          = "addr"
	pathFlagName          = "path"
	configFlagDescription = "path to the MCP server configuration file"
	logLevelDescription   = "log level: debug, info, warn or error"
	timeoutDescription    = "default per-request timeout for servers without one"
	jsonFlagDescription   = "print JSON instead of a table"
	yesFlagDescription    = "approve every tool call without asking"
	addrFlagDescription   = "gateway listen address"
	pathFlagDescription   = "gateway MCP endpoint path"

	defaultConfigPath      = "mcp.yaml"
	defaultLogLevel        = "warn"
	defaultAddr            = ":8700"
	defaultPath            = "/mcp"
	shutdownTimeout        = 10 * time.Second
	approvalPromptTemplate = "Allow %s with arguments %s? [y/N] "
)

var errToolReportedError = errors.New("tool reported an error")

// app carries state shared by every command.
type app struct {
	registry *mcpmgr.ProcessRegistry
	logger   *slog.Logger

	configPath string
	logLevel   string
	timeout    time.Duration
}

func newApp(registry *mcpmgr.ProcessRegistry) *app {
	return &app{registry: registry, logger: slog.Default()}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:          rootUse,
		Short:        rootShortDescription,
		Long:         rootLongDescription,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(a.logLevel)); err != nil {
				return fmt.Errorf("invalid --%s %q", logLevelFlagName, a.logLevel)
			}
			a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, configFlagName, defaultConfigPath, configFlagDescription)
	root.PersistentFlags().StringVar(&a.logLevel, logLevelFlagName, defaultLogLevel, logLevelDescription)
	root.PersistentFlags().DurationVar(&a.timeout, timeoutFlagName, mcpmgr.DefaultTimeout, timeoutDescription)
	root.AddCommand(
		newToolsCommand(a),
		newCallCommand(a),
		newServeCommand(a),
	)
	return root
}

func newToolsCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   toolsUse,
		Short: toolsShortDescription,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withOrchestrator(cmd.Context(), nil, nil, func(ctx context.Context, orch *mcpmgr.Orchestrator, result *mcpmgr.OrchestrationResult) error {
				printServerErrors(cmd.ErrOrStderr(), result)
				if asJSON {
					return printToolsJSON(cmd.OutOrStdout(), result)
				}
				return printToolsTable(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, jsonFlagName, false, jsonFlagDescription)
	return cmd
}

func newCallCommand(a *app) *cobra.Command {
	var autoApprove bool
	cmd := &cobra.Command{
		Use:     callUse,
		Short:   callShortDescription,
		Example: callUsageExample,
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var toolArgs map[string]any
			if len(args) == 2 && strings.TrimSpace(args[1]) != "" {
				if err := json.Unmarshal([]byte(args[1]), &toolArgs); err != nil {
					return fmt.Errorf("arguments must be a JSON object: %w", err)
				}
			}
			var approver mcpmgr.Approver = mcpmgr.AutoApprover{}
			if !autoApprove {
				approver = &terminalApprover{in: bufio.NewReader(cmd.InOrStdin()), out: cmd.ErrOrStderr()}
			}
			return a.withOrchestrator(cmd.Context(), approver, nil, func(ctx context.Context, orch *mcpmgr.Orchestrator, result *mcpmgr.OrchestrationResult) error {
				printServerErrors(cmd.ErrOrStderr(), result)
				var callArgs any
				if toolArgs != nil {
					callArgs = toolArgs
				}
				res, err := orch.CallTool(ctx, args[0], callArgs)
				if res != nil {
					printToolResult(cmd.OutOrStdout(), res)
				}
				if err != nil {
					return err
				}
				if res != nil && res.IsError {
					return errToolReportedError
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&autoApprove, yesFlagName, false, yesFlagDescription)
	return cmd
}

func newServeCommand(a *app) *cobra.Command {
	var (
		addr        string
		path        string
		autoApprove bool
	)
	cmd := &cobra.Command{
		Use:   serveUse,
		Short: serveShortDescription,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			var approver mcpmgr.Approver
			if autoApprove {
				approver = mcpmgr.AutoApprover{}
			}
			return a.withOrchestrator(cmd.Context(), approver, reg, func(ctx context.Context, orch *mcpmgr.Orchestrator, result *mcpmgr.OrchestrationResult) error {
				printServerErrors(cmd.ErrOrStderr(), result)
				gw, err := mcpgateway.NewGateway(orch, &mcpgateway.Options{
					Addr:     addr,
					Path:     path,
					Logger:   a.logger,
					Gatherer: reg,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "serving %d tools on %s%s\n", len(result.Tools), addr, path)
				if err := gw.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, addrFlagName, defaultAddr, addrFlagDescription)
	cmd.Flags().StringVar(&path, pathFlagName, defaultPath, pathFlagDescription)
	cmd.Flags().BoolVar(&autoApprove, yesFlagName, false, yesFlagDescription)
	return cmd
}

// withOrchestrator loads the configuration, runs fn against the loaded
// servers and always shuts the orchestrator down afterwards.
func (a *app) withOrchestrator(ctx context.Context, approver mcpmgr.Approver, reg prometheus.Registerer, fn func(context.Context, *mcpmgr.Orchestrator, *mcpmgr.OrchestrationResult) error) error {
	configs, err := mcpconfig.Load(a.configPath, nil)
	if err != nil {
		return err
	}
	orch, err := mcpmgr.NewOrchestrator(&mcpmgr.OrchestratorOptions{
		Registry:          a.registry,
		Logger:            a.logger,
		DefaultTimeout:    a.timeout,
		Approver:          approver,
		MetricsRegisterer: reg,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := orch.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("orchestrator shutdown", "error", err)
		}
	}()

	result, err := orch.LoadAll(ctx, configs)
	if err != nil {
		return err
	}
	return fn(ctx, orch, result)
}

func printServerErrors(w io.Writer, result *mcpmgr.OrchestrationResult) {
	names := make([]string, 0, len(result.ServerErrors))
	for name := range result.ServerErrors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, msg := range result.ServerErrors[name] {
			fmt.Fprintf(w, "%s: %s\n", name, msg)
		}
	}
}

// toolView is the JSON shape printed by "tools --json".
type toolView struct {
	Name             string          `json:"name"`
	Server           string          `json:"server"`
	Description      string          `json:"description,omitempty"`
	RequiresApproval bool            `json:"requiresApproval"`
	Timeout          string          `json:"timeout"`
	InputSchema      json.RawMessage `json:"inputSchema,omitempty"`
}

func printToolsJSON(w io.Writer, result *mcpmgr.OrchestrationResult) error {
	views := make([]toolView, 0, len(result.Tools))
	for _, t := range result.Tools {
		views = append(views, toolView{
			Name:             t.QualifiedName,
			Server:           t.ServerName,
			Description:      t.Description,
			RequiresApproval: t.RequiresApproval,
			Timeout:          t.Timeout.String(),
			InputSchema:      t.InputSchema,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(views)
}

func printToolsTable(w io.Writer, result *mcpmgr.OrchestrationResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tAPPROVAL\tTIMEOUT\tDESCRIPTION")
	for _, t := range result.Tools {
		approval := "auto"
		if t.RequiresApproval {
			approval = "ask"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.QualifiedName, approval, t.Timeout, firstLine(t.Description))
	}
	return tw.Flush()
}

func printToolResult(w io.Writer, res *mcp.CallToolResult) {
	for _, c := range res.Content {
		switch c := c.(type) {
		case *mcp.TextContent:
			fmt.Fprintln(w, c.Text)
		default:
			raw, err := json.Marshal(c)
			if err != nil {
				continue
			}
			fmt.Fprintln(w, string(raw))
		}
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

// terminalApprover asks on the terminal before every call that needs
// approval.
type terminalApprover struct {
	in  *bufio.Reader
	out io.Writer
}

func (t *terminalApprover) Approve(ctx context.Context, req mcpmgr.ApprovalRequest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	args := string(req.Arguments)
	if args == "" {
		args = "{}"
	}
	fmt.Fprintf(t.out, approvalPromptTemplate, req.QualifiedName, args)
	answer, err := t.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

var _ mcpmgr.Approver = (*terminalApprover)(nil)
