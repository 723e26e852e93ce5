package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/edward-labs/edward/internal/apperr"
	"github.com/edward-labs/edward/internal/kv"
)

// TTL bounds how long an inactive workflow survives in the store. Every save
// refreshes it.
const TTL = 3600 * time.Second

// ErrNotFound is returned when no workflow exists under an id.
var ErrNotFound = errors.New("workflow: not found")

// Store persists workflows as JSON in the key-value store.
type Store struct {
	kv *kv.Store
}

// NewStore creates a workflow store.
func NewStore(kvStore *kv.Store) *Store {
	return &Store{kv: kvStore}
}

func key(id string) string {
	return "workflow:" + id
}

// Save serializes the workflow and refreshes its TTL.
func (s *Store) Save(ctx context.Context, wf *Workflow) error {
	wf.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(wf)
	if err != nil {
		return apperr.Wrap(apperr.KindInfrastructure, "marshal workflow", err)
	}
	return s.kv.Set(ctx, key(wf.ID), data, TTL)
}

// Load fetches a workflow by id.
func (s *Store) Load(ctx context.Context, id string) (*Workflow, error) {
	data, err := s.kv.Get(ctx, key(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, apperr.Wrap(apperr.KindInfrastructure, "unmarshal workflow", err)
	}
	return &wf, nil
}

// Delete removes a workflow, used on explicit cancel.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.kv.Del(ctx, key(id))
}
