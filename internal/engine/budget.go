package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"ipmf/internal/domain"
	"ipmf/internal/events"
	"ipmf/internal/repo"
)

// BudgetFor reads the ledger of a task.
func (e Engine) BudgetFor(ctx context.Context, taskID string) (domain.LedgerEntry, error) {
	if _, err := e.loadTask(ctx, nil, taskID); err != nil {
		return domain.LedgerEntry{}, err
	}
	return e.ledger().Query(ctx, nil, taskID)
}

// RegisterActor adds or updates an actor in the registry. by is recorded as
// the author of the change.
func (e Engine) RegisterActor(ctx context.Context, by, id string, role domain.Role, name string) (domain.Actor, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Actor{}, err
	}
	defer tx.Rollback()

	a, err := e.Actors().Register(ctx, tx, strings.TrimSpace(id), role, strings.TrimSpace(name))
	if err != nil {
		return domain.Actor{}, err
	}
	if by == "" {
		by = "local"
	}
	if err := e.events().Append(ctx, tx, "actor.register", "actor", a.ID, by, events.EventPayload{"role": string(a.Role)}); err != nil {
		return domain.Actor{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Actor{}, err
	}
	return a, nil
}

// IssueAPIKey mints a key for an actor. The plain key is returned once and only
// its hash is stored.
func (e Engine) IssueAPIKey(ctx context.Context, actorID, name string) (string, domain.APIKey, error) {
	if _, err := e.Actors().Resolve(ctx, actorID); err != nil {
		return "", domain.APIKey{}, err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("generate api key: %w", err)
	}
	plain := "ipmf_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := e.events().Append(ctx, tx, "apikey.issue", "actor", actorID, actorID, events.EventPayload{"key_id": key.ID, "name": name}); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}
