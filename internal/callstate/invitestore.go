package callstate

import (
	"context"
	"encoding/json"

	"callagent/internal/invite"
	"callagent/internal/kvstore"
)

const inviteKeyPrefix = "callInvite:v1:"

// InviteStore persists each active invite so a session can be rebuilt after
// the process (and with it the registry) dies mid-call.
type InviteStore struct {
	store kvstore.Store
}

func NewInviteStore(store kvstore.Store) *InviteStore {
	return &InviteStore{store: store}
}

func (s *InviteStore) Save(ctx context.Context, inv *invite.Invite) error {
	raw, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, inviteKeyPrefix+inv.CallID, string(raw))
}

// Load returns nil for a missing, unreadable, or corrupt record; every
// caller treats "no invite" as "nothing to do".
func (s *InviteStore) Load(ctx context.Context, callID string) *invite.Invite {
	raw, ok, err := s.store.Get(ctx, inviteKeyPrefix+callID)
	if err != nil || !ok {
		return nil
	}
	var inv invite.Invite
	if err := json.Unmarshal([]byte(raw), &inv); err != nil {
		return nil
	}
	return &inv
}

func (s *InviteStore) Remove(ctx context.Context, callID string) error {
	return s.store.Delete(ctx, inviteKeyPrefix+callID)
}
