// Package llm provides text generator implementations.
//
// The factory creates generators based on provider configuration.
// Currently supports:
//   - Anthropic Claude
package llm
