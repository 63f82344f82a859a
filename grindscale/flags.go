package main

import (
	"fmt"
	"strings"

	"github.com/itohio/grindscale/pkg/config"
)

// overrideStore applies a -store value: "memory", "yaml:<path>" or
// "sqlite:<path>". A backend without a path keeps the configured one.
func overrideStore(cfg *config.StoreConfig, value string) error {
	backend, path, _ := strings.Cut(value, ":")
	switch backend {
	case "memory", "yaml", "sqlite":
	default:
		return fmt.Errorf("unknown store backend %q", backend)
	}
	if backend != "memory" && path == "" && cfg.Path == "" {
		return fmt.Errorf("store backend %q needs a path", backend)
	}

	cfg.Backend = backend
	if path != "" {
		cfg.Path = path
	}
	return nil
}
