package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/glimte/agentbus"
	"github.com/glimte/agentbus/config"
	"github.com/glimte/agentbus/contracts"
	"github.com/glimte/agentbus/health"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

type globalFlags struct {
	configPath string
	verbose    bool
	jsonOutput bool
}

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "agentbus",
		Short: "Ask questions over local documents with a bus of cooperating agents",
		Long: `agentbus runs a coordinator, an ingestion agent, a retrieval agent and a
response agent on an in-process message bus. Documents are indexed for the
lifetime of the process, so ask and chat take the files to search with --docs.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.SetIn(in)
	rootCmd.SetOut(out)

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "TOML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flags.jsonOutput, "json", false, "Print results as JSON")

	rootCmd.AddCommand(
		newIngestCmd(flags),
		newAskCmd(flags),
		newChatCmd(flags),
		newHealthCmd(flags),
	)
	return rootCmd
}

func newIngestCmd(flags *globalFlags) *cobra.Command {
	var metadata map[string]string

	cmd := &cobra.Command{
		Use:   "ingest <files...>",
		Short: "Process and index documents, then report the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			system, err := startSystem(ctx, flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer system.Close()

			result, err := system.Ingest(ctx, args, stringMap(metadata))
			if err != nil {
				return fmt.Errorf("ingestion failed: %w", err)
			}
			if flags.jsonOutput {
				return printJSON(cmd.OutOrStdout(), result.ToPayload(""))
			}
			printIngestion(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().StringToStringVarP(&metadata, "metadata", "m", nil, "Metadata attached to every chunk (key=value)")
	return cmd
}

func newAskCmd(flags *globalFlags) *cobra.Command {
	var (
		docs           []string
		conversationID string
		topK           int
	)

	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Answer one question from the given documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			system, err := startSystem(ctx, flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer system.Close()

			if err := ingestDocs(ctx, system, docs, cmd.ErrOrStderr()); err != nil {
				return err
			}

			answer, err := system.Ask(ctx, strings.Join(args, " "),
				agentbus.WithConversation(conversationID),
				agentbus.WithTopK(topK),
			)
			if err != nil {
				return describeError(err)
			}
			if flags.jsonOutput {
				return printJSON(cmd.OutOrStdout(), answer.ToPayload(""))
			}
			printAnswer(cmd.OutOrStdout(), answer)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&docs, "docs", "d", nil, "Documents to index before answering")
	cmd.Flags().StringVar(&conversationID, "conversation", contracts.DefaultConversationID, "Conversation ID")
	cmd.Flags().IntVarP(&topK, "top-k", "k", contracts.DefaultTopK, "Number of chunks to retrieve")
	return cmd
}

func newChatCmd(flags *globalFlags) *cobra.Command {
	var (
		docs           []string
		conversationID string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session over the given documents",
		Long: `Reads one question per line. Lines starting with a slash are commands:
  /ingest <files...>  index more documents
  /clear              remove all documents
  /forget             drop the conversation history
  /errors             show errors recorded by the coordinator
  /metrics            show handler metrics
  /quit               leave the session`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			system, err := startSystem(ctx, flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer system.Close()

			if err := ingestDocs(ctx, system, docs, cmd.ErrOrStderr()); err != nil {
				return err
			}

			return runChat(ctx, system, conversationID, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringSliceVarP(&docs, "docs", "d", nil, "Documents to index before the session")
	cmd.Flags().StringVar(&conversationID, "conversation", contracts.DefaultConversationID, "Conversation ID")
	return cmd
}

func newHealthCmd(flags *globalFlags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the agents and the configured backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			system, err := startSystem(ctx, flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer system.Close()

			checkCtx, checkCancel := context.WithTimeout(ctx, timeout)
			defer checkCancel()

			report := system.Health(checkCtx)
			if flags.jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				printHealth(cmd.OutOrStdout(), report)
			}
			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("system is %s", report.Status)
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Maximum time for all checks")
	return cmd
}

func runChat(ctx context.Context, system *agentbus.System, conversationID string, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "Ask a question, or /quit to leave.")
	scanner := bufio.NewScanner(in)

	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := chatCommand(ctx, system, conversationID, line, out)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		answer, err := system.Ask(ctx, line, agentbus.WithConversation(conversationID))
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", describeError(err))
			continue
		}
		printAnswer(out, answer)
	}
}

func chatCommand(ctx context.Context, system *agentbus.System, conversationID, line string, out io.Writer) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/ingest":
		if len(fields) < 2 {
			return false, fmt.Errorf("usage: /ingest <files...>")
		}
		result, err := system.Ingest(ctx, fields[1:], nil)
		if err != nil {
			return false, err
		}
		printIngestion(out, result)
	case "/clear":
		if err := system.Clear(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "All documents removed.")
	case "/forget":
		if err := system.ForgetConversation(ctx, conversationID); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "Conversation %s forgotten.\n", conversationID)
	case "/errors":
		printErrors(out, system)
	case "/metrics":
		return false, printJSON(out, system.Metrics())
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
	return false, nil
}

func startSystem(ctx context.Context, flags *globalFlags, logOut io.Writer) (*agentbus.System, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Log, flags.verbose, logOut)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	return agentbus.New(ctx, cfg, agentbus.WithLogger(logger))
}

func newLogger(cfg config.LogConfig, verbose bool, out io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, opts)), nil
	}
	return slog.New(slog.NewTextHandler(out, opts)), nil
}

func ingestDocs(ctx context.Context, system *agentbus.System, docs []string, out io.Writer) error {
	if len(docs) == 0 {
		return nil
	}
	result, err := system.Ingest(ctx, docs, nil)
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}
	if result.ErrorCount > 0 {
		printIngestion(out, result)
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// describeError prefixes the error tag so scripts can match on it
func describeError(err error) error {
	return fmt.Errorf("[%s] %w", contracts.ErrorType(err), err)
}

func stringMap(in map[string]string) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func printJSON(out io.Writer, v any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func printAnswer(out io.Writer, answer *contracts.Answer) {
	fmt.Fprintln(out, answer.Response)
	if len(answer.Sources) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Sources:")
		for _, source := range answer.Sources {
			fmt.Fprintf(out, "  - %s\n", source)
		}
	}
}

func printIngestion(out io.Writer, result *contracts.IngestionResult) {
	fmt.Fprintf(out, "Status: %s (%d processed, %d failed, %d chunks)\n",
		result.Status, result.ProcessedCount, result.ErrorCount, result.ChunkCount)
	for _, fe := range result.Errors {
		fmt.Fprintf(out, "  %s: %s\n", fe.FilePath, fe.Error)
	}
}

func printHealth(out io.Writer, report health.Report) {
	fmt.Fprintf(out, "Overall: %s (%s)\n", report.Status, report.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "%-12s %-10s %s\n", "Check", "Status", "Message")
	fmt.Fprintln(out, strings.Repeat("-", 60))
	for _, name := range report.Names() {
		check := report.Checks[name]
		fmt.Fprintf(out, "%-12s %-10s %s\n", name, check.Status, check.Message)
		if name != "agents" {
			continue
		}
		ids := make([]string, 0, len(check.Details))
		for id := range check.Details {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(out, "  %-20s %v\n", id, check.Details[id])
		}
	}
}

func printErrors(out io.Writer, system *agentbus.System) {
	records := system.RecentErrors()
	if len(records) == 0 {
		fmt.Fprintln(out, "No errors recorded.")
		return
	}
	for _, r := range records {
		fmt.Fprintf(out, "%s %-16s %-28s %s\n",
			r.ReceivedAt.Format(time.RFC3339), r.AgentID, r.ErrorType, r.Message)
	}
}
