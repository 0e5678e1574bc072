// Package seed loads operator-provided service workers and the automation
// session credential into the database. It is safe to run repeatedly.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// WorkerRegistry inserts service workers by token.
type WorkerRegistry interface {
	Register(ctx context.Context, token string) (bool, error)
}

// SessionWriter stores an automation session credential under a label.
type SessionWriter interface {
	Upsert(ctx context.Context, label string, credential []byte) error
}

// Sealer encrypts a credential before it is stored.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
}

// Params configures a seed run. Sealer is optional; without it the session
// credential is stored as given.
type Params struct {
	Workers  WorkerRegistry
	Sessions SessionWriter
	Sealer   Sealer

	WorkerTokens      []string
	SessionLabel      string
	SessionCredential string
}

// Run registers every worker token and, when a credential is provided,
// stores the automation session.
func Run(ctx context.Context, p Params, logger *slog.Logger) error {
	var added, existing int
	for _, token := range p.WorkerTokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		ok, err := p.Workers.Register(ctx, token)
		if err != nil {
			return err
		}
		if ok {
			added++
		} else {
			existing++
		}
	}
	logger.Info("seed: service workers", "added", added, "existing", existing)

	if p.SessionCredential == "" {
		logger.Info("seed: no automation session credential provided")
		return nil
	}
	if p.SessionLabel == "" {
		return errors.New("seed: session label is required")
	}

	credential := []byte(p.SessionCredential)
	if p.Sealer != nil {
		sealed, err := p.Sealer.Seal(credential)
		if err != nil {
			return fmt.Errorf("sealing session credential: %w", err)
		}
		credential = sealed
	}
	if err := p.Sessions.Upsert(ctx, p.SessionLabel, credential); err != nil {
		return err
	}
	logger.Info("seed: stored automation session", "label", p.SessionLabel, "sealed", p.Sealer != nil)
	return nil
}
