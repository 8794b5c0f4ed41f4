// Package config provides process-level configuration for pactown.
//
// Configuration is loaded from environment variables using the env
// package. All values have sensible defaults for local use; only the
// LLM API key and the optional Redis backend require explicit setup.
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	start, end, _ := cfg.PortBounds()
//	fmt.Printf("allocator range %d-%d\n", start, end)
package config
