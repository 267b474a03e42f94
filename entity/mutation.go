package entity

import (
	"encoding/json"
	"fmt"
	"time"

	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
)

// MutationKind names the remote operation a pending mutation replays.
type MutationKind string

const (
	MutationCreateUser     MutationKind = "create_user"
	MutationAddCartItem    MutationKind = "add_cart_item"
	MutationUpdateCartItem MutationKind = "update_cart_item"
	MutationRemoveCartItem MutationKind = "remove_cart_item"
	MutationCreateProduct  MutationKind = "create_product"
)

// Valid reports whether m is a known mutation kind.
func (m MutationKind) Valid() bool {
	return m.EntityKind() != ""
}

// EntityKind returns the collection a mutation kind targets.
func (m MutationKind) EntityKind() Kind {
	switch m {
	case MutationCreateUser:
		return KindUser
	case MutationCreateProduct:
		return KindProduct
	case MutationAddCartItem, MutationUpdateCartItem, MutationRemoveCartItem:
		return KindCartItem
	}
	return ""
}

// HasPayload reports whether the kind carries an entity snapshot.
func (m MutationKind) HasPayload() bool {
	return m != MutationRemoveCartItem
}

// PendingMutation is a queued local change not yet confirmed remotely. It is
// never modified once enqueued.
type PendingMutation struct {
	ID string `json:"id"`
	// Seq orders the queue. Assigned by the store on enqueue.
	Seq       int64           `json:"seq"`
	Kind      MutationKind    `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TargetID  string          `json:"target_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewMutation builds a mutation whose payload is the JSON snapshot of e.
func NewMutation(kind MutationKind, e Entity) (*PendingMutation, error) {
	if !kind.Valid() {
		return nil, syncErrors.NewValidationError(syncErrors.OpEnqueue, fmt.Errorf("unknown mutation kind %q", kind))
	}
	if e.Kind() != kind.EntityKind() {
		return nil, syncErrors.NewValidationError(syncErrors.OpEnqueue,
			fmt.Errorf("mutation %s cannot carry a %s", kind, e.Kind()))
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, syncErrors.NewSerializationError(syncErrors.OpEnqueue, err)
	}
	return &PendingMutation{
		Kind:     kind,
		Payload:  payload,
		TargetID: e.Key(),
	}, nil
}

// NewRemoval builds a payload-less mutation targeting key.
func NewRemoval(kind MutationKind, key string) *PendingMutation {
	return &PendingMutation{Kind: kind, TargetID: key}
}

// Validate checks the mutation is replayable.
func (m *PendingMutation) Validate() error {
	if !m.Kind.Valid() {
		return syncErrors.NewSerializationError(syncErrors.OpDecode, fmt.Errorf("unknown mutation kind %q", m.Kind))
	}
	if m.Kind.HasPayload() {
		if len(m.Payload) == 0 || !json.Valid(m.Payload) {
			return syncErrors.NewSerializationError(syncErrors.OpDecode,
				fmt.Errorf("mutation %s has malformed payload", m.ID))
		}
	} else if m.TargetID == "" {
		return syncErrors.NewSerializationError(syncErrors.OpDecode,
			fmt.Errorf("mutation %s has no target", m.ID))
	}
	return nil
}

// DecodePayload decodes the entity snapshot carried by m.
func DecodePayload[T Entity](m PendingMutation) (T, error) {
	var v T
	if len(m.Payload) == 0 {
		return v, syncErrors.NewSerializationError(syncErrors.OpDecode,
			fmt.Errorf("mutation %s has no payload", m.ID))
	}
	if err := json.Unmarshal(m.Payload, &v); err != nil {
		return v, syncErrors.NewSerializationError(syncErrors.OpDecode, err)
	}
	if v.Key() == "" {
		return v, syncErrors.NewSerializationError(syncErrors.OpDecode,
			fmt.Errorf("mutation %s payload has no key", m.ID))
	}
	return v, nil
}
