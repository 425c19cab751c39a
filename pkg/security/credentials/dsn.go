package credentials

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ledgerforge/eventledger/pkg/validators"
)

// ResolveConnectionString resolves a connection string (Postgres DSN,
// broker URL) through the standard chain: the runtimevar backend named
// by secretURL when set, then the environment variable envVar, then the
// literal fallback. The resolved value is logged at Debug with all but
// its tail masked.
func ResolveConnectionString(ctx context.Context, secretURL, envVar, fallback string) (string, error) {
	var providers []Provider

	if secretURL != "" {
		secret, err := NewSecretProvider(ctx, secretURL)
		if err != nil {
			return "", fmt.Errorf("open secret provider: %w", err)
		}
		defer secret.Close()
		providers = append(providers, secret)
	}
	if envVar != "" {
		providers = append(providers, NewEnvProvider(envVar))
	}
	if fallback != "" {
		providers = append(providers, NewStaticProvider(fallback, 0))
	}

	cred, err := NewChainProvider(providers...).Resolve(ctx)
	if err != nil {
		return "", err
	}

	slog.DebugContext(ctx, "resolved connection string",
		"source", cred.Source, "value", validators.MaskString(cred.Value))
	return cred.Value, nil
}
