package studiosync

import (
	"context"
	"encoding/json"
	"fmt"
)

// Collection is a typed view of one entity type. T is converted to and
// from the record payload with encoding/json; its id field must use the
// "id" JSON key.
type Collection[T any] struct {
	engine *Engine
	entity string
}

// NewCollection registers t on e and returns its typed collection.
func NewCollection[T any](e *Engine, t EntityType) (*Collection[T], error) {
	if err := e.Register(t); err != nil {
		return nil, err
	}
	return &Collection[T]{engine: e, entity: t.Name}, nil
}

// Name returns the entity type name.
func (c *Collection[T]) Name() string { return c.entity }

// Get returns the merged view of the collection.
func (c *Collection[T]) Get(ctx context.Context) ([]T, error) {
	recs, err := c.engine.List(ctx, c.entity)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		v, err := decodeRecord[T](rec)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Find returns one live entity by id.
func (c *Collection[T]) Find(ctx context.Context, id string) (*T, error) {
	rec, err := c.engine.Get(ctx, c.entity, id)
	if err != nil {
		return nil, err
	}
	v, err := decodeRecord[T](*rec)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Create writes v and returns it with its assigned id.
func (c *Collection[T]) Create(ctx context.Context, v T) (T, error) {
	var zero T
	payload, err := encodePayload(v)
	if err != nil {
		return zero, err
	}
	rec, err := c.engine.Create(ctx, c.entity, payload)
	if err != nil {
		return zero, err
	}
	return decodeRecord[T](*rec)
}

// Update applies partial and returns the merged result. A nil result with
// ErrNotFound means the entity is unknown or deleted.
func (c *Collection[T]) Update(ctx context.Context, id string, partial map[string]any) (*T, error) {
	rec, err := c.engine.Update(ctx, c.entity, id, partial)
	if err != nil {
		return nil, err
	}
	v, err := decodeRecord[T](*rec)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// SoftDelete tombstones the entity.
func (c *Collection[T]) SoftDelete(ctx context.Context, id string) error {
	return c.engine.SoftDelete(ctx, c.entity, id)
}

// Restore clears the entity's tombstone.
func (c *Collection[T]) Restore(ctx context.Context, id string) (*T, error) {
	rec, err := c.engine.Restore(ctx, c.entity, id)
	if err != nil {
		return nil, err
	}
	v, err := decodeRecord[T](*rec)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Subscribe registers fn for events of this collection and for
// engine-wide events such as status changes.
func (c *Collection[T]) Subscribe(fn func(Event)) (unsubscribe func()) {
	return c.engine.Subscribe(func(ev Event) {
		if ev.Entity == "" || ev.Entity == c.entity {
			fn(ev)
		}
	})
}

// Status returns the engine connectivity status.
func (c *Collection[T]) Status() ConnectivityStatus {
	return c.engine.Status()
}

func encodePayload(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if id, ok := payload[FieldID]; ok && idString(id) == "" {
		delete(payload, FieldID)
	}
	return payload, nil
}

func decodeRecord[T any](rec Record) (T, error) {
	var v T
	data, err := json.Marshal(recordRow(rec))
	if err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %s/%s: %v", ErrInvalidPayload, rec.Entity, rec.ID, err)
	}
	return v, nil
}
