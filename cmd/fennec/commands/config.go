package commands

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fennec-asr/fennec-go/pkg/cli"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
	Long: `Manage CLI configuration and contexts.

Contexts allow you to manage multiple API configurations,
similar to kubectl's context management.

Configuration is stored in ~/.fennec/config.yaml`,
}

var configAddContextCmd = &cobra.Command{
	Use:   "add-context <name>",
	Short: "Add a new context",
	Long: `Add a new context with the specified name.

Example:
  fennec config add-context prod --api-key YOUR_API_KEY

  fennec config add-context staging \
    --api-key YOUR_API_KEY \
    --base-url https://staging.fennec-asr.com/api/v1 \
    --language en-US`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		apiKey, err := cmd.Flags().GetString("api-key")
		if err != nil {
			return fmt.Errorf("failed to read 'api-key' flag: %w", err)
		}
		if apiKey == "" {
			return fmt.Errorf("--api-key is required")
		}

		baseURL, _ := cmd.Flags().GetString("base-url")
		wsURL, _ := cmd.Flags().GetString("ws-url")
		timeout, _ := cmd.Flags().GetInt("timeout")
		language, _ := cmd.Flags().GetString("language")

		cfg := getConfig()
		if err := cfg.AddContext(name, &cli.Context{
			APIKey:   apiKey,
			BaseURL:  baseURL,
			WSURL:    wsURL,
			Timeout:  timeout,
			Language: language,
		}); err != nil {
			return err
		}

		cli.PrintSuccess("Context %q added", name)
		return nil
	},
}

var configDeleteContextCmd = &cobra.Command{
	Use:   "delete-context <name>",
	Short: "Delete a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getConfig()
		if err := cfg.DeleteContext(args[0]); err != nil {
			return err
		}
		cli.PrintSuccess("Context %q deleted", args[0])
		return nil
	},
}

var configUseContextCmd = &cobra.Command{
	Use:   "use-context <name>",
	Short: "Set the current context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getConfig()
		if err := cfg.UseContext(args[0]); err != nil {
			return err
		}
		cli.PrintSuccess("Switched to context %q", args[0])
		return nil
	},
}

var configListContextsCmd = &cobra.Command{
	Use:   "list-contexts",
	Short: "List all contexts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getConfig()
		names := cfg.ListContexts()
		if len(names) == 0 {
			cli.PrintInfo("No contexts configured. Add one with 'fennec config add-context'")
			return nil
		}
		sort.Strings(names)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CURRENT\tNAME\tAPI KEY\tBASE URL")
		for _, name := range names {
			ctx := cfg.Contexts[name]
			current := ""
			if name == cfg.CurrentContext {
				current = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				current, name, cli.MaskAPIKey(ctx.APIKey), ctx.BaseURL)
		}
		return w.Flush()
	},
}

var configCurrentContextCmd = &cobra.Command{
	Use:   "current-context",
	Short: "Show the current context",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getConfig()
		if cfg.CurrentContext == "" {
			return fmt.Errorf("no current context set")
		}
		fmt.Println(cfg.CurrentContext)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the configuration file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(getConfig().Path())
		return nil
	},
}

func init() {
	configAddContextCmd.Flags().String("api-key", "", "API key for authentication (required)")
	configAddContextCmd.Flags().String("base-url", "", "custom HTTP API base URL")
	configAddContextCmd.Flags().String("ws-url", "", "custom streaming endpoint URL")
	configAddContextCmd.Flags().Int("timeout", 0, "HTTP request timeout in seconds")
	configAddContextCmd.Flags().String("language", "", "default language hint, e.g. en-US")

	configCmd.AddCommand(configAddContextCmd)
	configCmd.AddCommand(configDeleteContextCmd)
	configCmd.AddCommand(configUseContextCmd)
	configCmd.AddCommand(configListContextsCmd)
	configCmd.AddCommand(configCurrentContextCmd)
	configCmd.AddCommand(configPathCmd)
}
