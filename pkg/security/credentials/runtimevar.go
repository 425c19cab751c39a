package credentials

import (
	"context"
	"fmt"
	"strings"

	"gocloud.dev/runtimevar"
	// Drivers are opt-in; the binary that opens a URL imports the
	// matching driver package:
	//   _ "gocloud.dev/runtimevar/filevar"     file://
	//   _ "gocloud.dev/runtimevar/constantvar" constant://
	//   _ "gocloud.dev/runtimevar/httpvar"     http(s)://
	//   _ "gocloud.dev/runtimevar/awssecretsmanager" awssecretsmanager://
	//   _ "gocloud.dev/runtimevar/gcpsecretmanager"  gcpsecretmanager://
)

// SecretProvider resolves a connection string from a gocloud.dev
// runtimevar backend (secret manager, mounted file, HTTP endpoint).
// The variable is watched by gocloud, so Resolve returns the latest
// value the backend has published without re-fetching on every call.
type SecretProvider struct {
	url      string
	variable *runtimevar.Variable
}

// NewSecretProvider opens the runtimevar named by url. The URL's
// scheme selects the backend; its driver must be imported by the
// calling binary. URLs without an explicit decoder get
// "decoder=string" appended, since a connection string is always
// plain text.
func NewSecretProvider(ctx context.Context, url string) (*SecretProvider, error) {
	if url == "" {
		return nil, fmt.Errorf("secret url is required")
	}
	if !strings.Contains(url, "decoder=") {
		if strings.Contains(url, "?") {
			url += "&decoder=string"
		} else {
			url += "?decoder=string"
		}
	}

	variable, err := runtimevar.OpenVariable(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open secret variable %q: %w", url, err)
	}
	return &SecretProvider{url: url, variable: variable}, nil
}

// Resolve returns the variable's latest good snapshot, blocking until
// the backend has delivered one (bounded by ctx).
func (p *SecretProvider) Resolve(ctx context.Context) (Credential, error) {
	snapshot, err := p.variable.Latest(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("read secret variable: %w", err)
	}
	value, ok := snapshot.Value.(string)
	if !ok || value == "" {
		return Credential{}, fmt.Errorf("%w: secret variable holds no string value", ErrNotFound)
	}
	return Credential{Value: strings.TrimSpace(value), Source: "secret"}, nil
}

// Close stops watching the variable.
func (p *SecretProvider) Close() error {
	return p.variable.Close()
}
