package httpapi

import (
	"context"
	"errors"
	"sync"
	"time"

	"tokodraft/backend/internal/catalog"
	"tokodraft/backend/internal/domain"
	"tokodraft/backend/internal/draft"
	"tokodraft/backend/internal/engine"
	"tokodraft/backend/internal/xid"
)

var errSessionNotFound = errors.New("form session not found")

// session is one mounted form: a UI tab working on a transaction entry.
// Sessions on the same kind share the kind's draft slot (last-write-wins;
// concurrent tabs are explicitly out of scope).
type session struct {
	id        string
	kind      domain.TransactionKind
	owner     string
	form      *engine.Form
	createdAt time.Time
}

type sessionRegistry struct {
	client   catalog.Client
	storage  draft.Storage
	debounce time.Duration
	refdata  *engine.OptionCache

	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionRegistry(client catalog.Client, storage draft.Storage, debounce time.Duration) *sessionRegistry {
	return &sessionRegistry{
		client:   client,
		storage:  storage,
		debounce: debounce,
		refdata:  engine.NewOptionCache(client),
		sessions: make(map[string]*session),
	}
}

// Open hydrates a form from the kind's draft slot and registers a session
// for it. Hydration happens before the session id is returned, so the first
// snapshot the UI fetches already contains the restored rows.
func (r *sessionRegistry) Open(ctx context.Context, kind domain.TransactionKind, owner string) *session {
	store := draft.NewStore(r.storage, draft.SlotKey(kind), r.debounce)
	form := engine.NewForm(ctx, kind, r.client, store, r.refdata)

	sess := &session{
		id:        xid.New("form"),
		kind:      kind,
		owner:     owner,
		form:      form,
		createdAt: time.Now().UTC(),
	}

	r.mu.Lock()
	r.sessions[sess.id] = sess
	r.mu.Unlock()
	return sess
}

func (r *sessionRegistry) Get(id string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, errSessionNotFound
	}
	return sess, nil
}

// Close unmounts a session: outstanding fetches are canceled and the
// pending draft save, if any, is flushed.
func (r *sessionRegistry) Close(ctx context.Context, id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return errSessionNotFound
	}
	return sess.form.Close(ctx)
}
