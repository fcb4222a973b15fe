package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// OutputFormat selects how results are rendered.
type OutputFormat string

const (
	// FormatYAML renders YAML (the terminal default).
	FormatYAML OutputFormat = "yaml"
	// FormatJSON renders indented JSON.
	FormatJSON OutputFormat = "json"
	// FormatText renders plain text for string results.
	FormatText OutputFormat = "text"
)

// OutputOptions configures result rendering.
type OutputOptions struct {
	// Format is the output format.
	Format OutputFormat

	// File is the output path; empty writes to stdout.
	File string

	// Writer overrides File when set.
	Writer io.Writer
}

// Output writes a result to the configured destination.
func Output(result any, opts OutputOptions) error {
	var w io.Writer = os.Stdout
	if opts.Writer != nil {
		w = opts.Writer
	} else if opts.File != "" {
		f, err := os.Create(opts.File)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	switch opts.Format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case FormatYAML, "":
		data, err := yaml.Marshal(result)
		if err != nil {
			return fmt.Errorf("format output: %w", err)
		}
		_, err = w.Write(data)
		return err
	case FormatText:
		switch v := result.(type) {
		case string:
			_, err := fmt.Fprintln(w, v)
			return err
		case []byte:
			_, err := w.Write(v)
			return err
		default:
			_, err := fmt.Fprintln(w, result)
			return err
		}
	default:
		return fmt.Errorf("unsupported output format: %s", opts.Format)
	}
}

// PrintSuccess prints a success message with a checkmark.
func PrintSuccess(format string, args ...any) {
	fmt.Printf("✓ "+format+"\n", args...)
}

// PrintError prints an error message to stderr.
func PrintError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

// PrintInfo prints an informational message.
func PrintInfo(format string, args ...any) {
	fmt.Printf("ℹ "+format+"\n", args...)
}

// PrintVerbose prints to stderr when verbose mode is on.
func PrintVerbose(verbose bool, format string, args ...any) {
	if verbose {
		fmt.Fprintf(os.Stderr, "[verbose] "+format+"\n", args...)
	}
}

// FormatDuration renders an audio duration in milliseconds, as the
// API reports it, in time.Duration notation ("1m1.5s").
func FormatDuration(ms int) string {
	return (time.Duration(ms) * time.Millisecond).String()
}

// FormatBytes renders a size in binary units.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(n)/float64(div), "KMG"[exp])
}
