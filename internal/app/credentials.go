package app

import (
	"context"
	"errors"
	"fmt"

	gateway "github.com/eugener/elrond/internal"
)

// resolveAPIKey picks the credential for one provider call, in order:
// a key supplied inline on the request, the caller's stored key, then the
// process-wide default from configuration. Inline keys are used once and
// never persisted.
func (s *TurnService) resolveAPIKey(ctx context.Context, userID, providerName string, inline map[string]string) (string, error) {
	if key := inline[providerName]; key != "" {
		return key, nil
	}

	key, err := s.creds.Retrieve(ctx, userID, providerName)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, gateway.ErrNotFound) {
		return "", err
	}

	if key := s.defaultKeys[providerName]; key != "" {
		return key, nil
	}
	return "", fmt.Errorf("provider %s: %w", providerName, gateway.ErrNoCredentials)
}
