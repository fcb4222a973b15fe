package commands

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fennec-asr/fennec-go/pkg/cli"
	"github.com/fennec-asr/fennec-go/pkg/fennec"
)

var (
	// Global flags
	cfgFile     string
	contextName string
	outputFile  string
	inputFile   string
	outputJSON  bool
	verbose     bool

	globalConfig *cli.Config
)

var rootCmd = &cobra.Command{
	Use:   "fennec",
	Short: "Fennec ASR CLI tool",
	Long: `fennec - A command line interface for the Fennec transcription API.

Supports batch transcription of audio files and realtime streaming
transcription from files or stdin.

Configuration is stored in ~/.fennec/ and supports multiple contexts,
similar to kubectl's context management.

Examples:
  # Set up a new context
  fennec config add-context myctx --api-key YOUR_API_KEY

  # Transcribe a file
  fennec -c myctx transcribe recording.wav

  # Stream a file in realtime and watch the live transcript
  fennec -c myctx stream recording.wav --live

  # Pipe structured output to another command
  fennec -c myctx transcribe recording.wav --json | jq '.text'
`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.fennec/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&contextName, "context", "c", "", "context name to use")
	rootCmd.PersistentFlags().StringVarP(&outputFile, "output", "o", "", "output file (default: stdout)")
	rootCmd.PersistentFlags().StringVarP(&inputFile, "file", "f", "", "request file (YAML or JSON)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output as JSON (for piping)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(transcribeCmd)
	rootCmd.AddCommand(streamCmd)
}

func initConfig() {
	var err error
	globalConfig, err = cli.LoadConfigWithPath(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing config: %v\n", err)
		os.Exit(1)
	}
}

func getConfig() *cli.Config {
	return globalConfig
}

// getContext resolves the context from the -c flag or the saved
// current context.
func getContext() (*cli.Context, error) {
	cfg := getConfig()
	if cfg == nil {
		return nil, fmt.Errorf("configuration not initialized")
	}
	ctx, err := cfg.ResolveContext(contextName)
	if err != nil {
		if contextName == "" {
			return nil, fmt.Errorf("no context specified. Use -c flag or set a default with 'fennec config use-context'")
		}
		return nil, err
	}
	return ctx, nil
}

// newClient builds an API client from the context configuration.
func newClient(ctx *cli.Context) *fennec.Client {
	var opts []fennec.Option
	if ctx.BaseURL != "" {
		opts = append(opts, fennec.WithBaseURL(ctx.BaseURL))
	}
	if ctx.WSURL != "" {
		opts = append(opts, fennec.WithWebSocketURL(ctx.WSURL))
	}
	if ctx.Timeout > 0 {
		opts = append(opts, fennec.WithTimeout(time.Duration(ctx.Timeout)*time.Second))
	}
	if verbose {
		opts = append(opts, fennec.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))))
	}
	return fennec.NewClient(ctx.APIKey, opts...)
}

func outputResult(result any) error {
	format := cli.FormatYAML
	if outputJSON {
		format = cli.FormatJSON
	}
	return cli.Output(result, cli.OutputOptions{
		Format: format,
		File:   outputFile,
	})
}

func printVerbose(format string, args ...any) {
	cli.PrintVerbose(verbose, format, args...)
}
