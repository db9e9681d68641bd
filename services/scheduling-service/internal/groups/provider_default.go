//go:build !protogen

package groups

import (
	"log/slog"
)

func NewDirectoryProvider(_ *slog.Logger, fallback map[string][]string, _ string) (Provider, error) {
	return NewStaticProvider(fallback), nil
}
