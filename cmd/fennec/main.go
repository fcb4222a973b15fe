// Package main provides the fennec CLI tool.
//
// Usage:
//
//	fennec [flags] <command> [args]
//
// Commands:
//
//	transcribe - Batch transcription of audio files
//	stream     - Realtime streaming transcription
//	config     - Configuration management
//
// Configuration:
//
//	The CLI stores configuration in ~/.fennec/config.yaml
//	Use 'fennec config' commands to manage contexts.
package main

import (
	"fmt"
	"os"

	"github.com/fennec-asr/fennec-go/cmd/fennec/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
