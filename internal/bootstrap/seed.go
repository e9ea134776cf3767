// Package bootstrap seeds the credential store on first run.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/doggyhole/doggyhole-go/pkg/creds"
)

// IsFirstRun reports whether the credential store holds no users yet.
func IsFirstRun(ctx context.Context, store creds.Store) (bool, error) {
	names, err := store.Names(ctx)
	if err != nil {
		return false, fmt.Errorf("check first run: %w", err)
	}
	return len(names) == 0, nil
}

// Seed parses a USERS declaration and loads it into an empty credential
// store. A store that already holds users is left untouched, so restarts
// cannot clobber removals or additions made at runtime.
func Seed(ctx context.Context, store creds.Store, usersEnv string, logger zerolog.Logger) error {
	users, err := ParseUsers(usersEnv)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		return nil
	}

	first, err := IsFirstRun(ctx, store)
	if err != nil {
		return err
	}
	if !first {
		logger.Debug().Msg("Credential store already populated, skipping seed")
		return nil
	}

	for name, token := range users {
		if err := store.Set(ctx, name, token); err != nil {
			return fmt.Errorf("seed user %q: %w", name, err)
		}
	}

	logger.Info().Int("users", len(users)).Msg("Seeded credential store")
	return nil
}

// ParseUsers parses a comma-separated list of name:token pairs. Blank entries
// are skipped; malformed entries, duplicate names, and reused tokens are
// rejected so a bad declaration fails loudly instead of seeding half a store.
func ParseUsers(raw string) (map[string]string, error) {
	users := make(map[string]string)
	owners := make(map[string]string)

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		name, token, ok := strings.Cut(entry, ":")
		name = strings.TrimSpace(name)
		token = strings.TrimSpace(token)
		if !ok || name == "" || token == "" {
			return nil, fmt.Errorf("malformed user entry %q, want name:token", entry)
		}
		if _, dup := users[name]; dup {
			return nil, fmt.Errorf("duplicate user %q", name)
		}
		if owner, dup := owners[token]; dup {
			return nil, fmt.Errorf("user %q reuses the token of %q", name, owner)
		}

		users[name] = token
		owners[token] = name
	}
	return users, nil
}
