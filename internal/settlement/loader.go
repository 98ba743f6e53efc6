package settlement

import (
	"PerpSettle/internal/state"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// AccountHandle is an account supplied to a call. Owner is the authority
// that holds the account's storage, not the trader.
type AccountHandle struct {
	Key     uuid.UUID
	Owner   uuid.UUID
	Account *state.Account
}

// Env carries what every settlement operation needs besides its state.
type Env struct {
	// ProgramID is the authority expected to own account storage.
	ProgramID uuid.UUID
	Emitter   Emitter
	Log       zerolog.Logger
}

func (e *Env) emit(r Record) {
	if e.Emitter != nil {
		e.Emitter.Emit(r)
	}
}

// LoadResult is the outcome of resolving an account referenced by an event.
type LoadResult int

const (
	Found LoadResult = iota
	// NotFound: the caller did not supply the account. Draining stops so a
	// later call can retry with it.
	NotFound
	// WrongOwner: a testing group treats the event as processed.
	WrongOwner
)

func (r LoadResult) String() string {
	switch r {
	case Found:
		return "found"
	case NotFound:
		return "not_found"
	case WrongOwner:
		return "wrong_owner"
	default:
		return "unknown"
	}
}

// loadAccount resolves key among handles. Outside testing groups a foreign
// owner is an error rather than a skip.
func (e *Env) loadAccount(role string, key uuid.UUID, handles []AccountHandle, group *state.Group) (*state.Account, LoadResult, error) {
	for i := range handles {
		h := &handles[i]
		if h.Key != key {
			continue
		}
		if h.Owner != e.ProgramID {
			if group.IsTesting() {
				e.Log.Warn().
					Str("role", role).
					Str("account", key.String()).
					Str("owner", h.Owner.String()).
					Msg("account not owned by program, skipping event")
				return nil, WrongOwner, nil
			}
			return nil, WrongOwner, errors.Wrapf(ErrAccountOwnedByWrongProgram, "%s account %s", role, key)
		}
		return h.Account, Found, nil
	}
	e.Log.Info().
		Str("role", role).
		Str("account", key.String()).
		Msg("unable to find account")
	return nil, NotFound, nil
}
