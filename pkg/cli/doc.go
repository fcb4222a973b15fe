// Package cli provides shared utilities for the fennec command-line
// tool.
//
// This package includes:
//   - Configuration contexts stored in ~/.fennec/config.yaml
//   - Output formatting (JSON, YAML, raw)
//   - Request file loading (YAML/JSON)
//   - Terminal UI components for the live streaming view
//
// Contexts work like kubectl's: each names an API key plus optional
// endpoint overrides, and one context is current at a time.
package cli
