package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"ZeeWorkflow/internal/bootstrap"
	"ZeeWorkflow/internal/config"
	"ZeeWorkflow/internal/workflow"
)

var (
	showTrace     bool
	maxIterations int
)

var runCmd = &cobra.Command{
	Use:   "run <goal>",
	Short: "Execute a workflow in-process and print the final answer",
	Example: `  zeectl run "Summarise the latest block on sepolia"
  zeectl run --trace --max-iterations 20 "Draft a release note"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		var extra []workflow.Option
		if maxIterations > 0 {
			extra = append(extra, workflow.WithMaxIterations(maxIterations))
		}
		result, err := env.template.Execute(cmd.Context(), goalFrom(args), extra...)
		if err != nil {
			if result != nil && showTrace {
				printTrace(cmd.ErrOrStderr(), result.Context)
			}
			return err
		}
		if showTrace {
			printTrace(cmd.ErrOrStderr(), result.Context)
		}
		if result.CapReached {
			fmt.Fprintf(cmd.ErrOrStderr(), "iteration cap reached after %d iterations\n", result.Iterations)
		}
		fmt.Fprintln(cmd.OutOrStdout(), result.Content)
		return nil
	},
}

var planCmd = &cobra.Command{
	Use:   "plan <goal>",
	Short: "Plan and route a goal without executing it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		tasks, err := env.template.Plan(cmd.Context(), goalFrom(args))
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), tasks)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the configuration and build the agent roster",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := loadEnvironment(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "config:   %s\n", env.path)
		fmt.Fprintf(out, "provider: %s\n", env.cfg.LLM.Provider)
		fmt.Fprintf(out, "tools:    %s\n", strings.Join(env.toolbox.Names(), ", "))
		for _, a := range env.cfg.Agents {
			fmt.Fprintf(out, "agent:    %s [%s]\n", a.Name, strings.Join(a.Tools, ", "))
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&showTrace, "trace", false, "print the shared context trace to stderr")
	runCmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "override workflow.max_iterations")
}

type environment struct {
	path     string
	cfg      *config.Config
	toolbox  *bootstrap.Toolbox
	template *workflow.Template
}

func (e *environment) close() {
	e.toolbox.Close()
}

func loadEnvironment(ctx context.Context) (*environment, error) {
	path := config.ResolvePath(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := bootstrap.InitLogger(cfg.Log); err != nil {
		return nil, err
	}
	generator, err := bootstrap.NewGenerator(cfg.LLM)
	if err != nil {
		return nil, err
	}
	toolbox, err := bootstrap.NewToolbox(ctx, cfg)
	if err != nil {
		return nil, err
	}
	template, err := bootstrap.NewTemplate(cfg, generator, toolbox.Tools)
	if err != nil {
		toolbox.Close()
		return nil, err
	}
	return &environment{path: path, cfg: cfg, toolbox: toolbox, template: template}, nil
}

func goalFrom(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func printTrace(w io.Writer, items []workflow.ContextItem) {
	for i, item := range items {
		fmt.Fprintf(w, "[%d] %s:\n%s\n\n", i+1, item.Role, item.Content)
	}
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
