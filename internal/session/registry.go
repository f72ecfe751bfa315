// Package session tracks connected client instances on the server.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"betterclock/internal/model"
)

var (
	// ErrNotFound is returned by Disconnect for an absent (client, instance) pair.
	ErrNotFound = errors.New("session not found")
	// ErrInvalid is returned by Connect for an empty client id.
	ErrInvalid = errors.New("invalid session")
)

type key struct {
	clientID   string
	instanceID string
}

// Registry is the single writer of the session set.
type Registry struct {
	clock clockwork.Clock

	mu       sync.RWMutex
	sessions map[key]model.ClientSession
}

// NewRegistry returns an empty registry. A nil clock uses the real clock.
func NewRegistry(clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{clock: clock, sessions: make(map[key]model.ClientSession)}
}

// Connect registers an instance and returns its id. An empty instanceID gets
// a fresh one; an existing pair is left untouched.
func (r *Registry) Connect(clientID, instanceID, remoteAddr string, metadata map[string]string) (model.ClientSession, error) {
	if clientID == "" {
		return model.ClientSession{}, fmt.Errorf("%w: client_id required", ErrInvalid)
	}
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	k := key{clientID: clientID, instanceID: instanceID}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[k]; ok {
		return copySession(existing), nil
	}
	s := model.ClientSession{
		ClientID:    clientID,
		InstanceID:  instanceID,
		ConnectedAt: r.clock.Now(),
		RemoteAddr:  remoteAddr,
		Metadata:    copyMetadata(metadata),
	}
	r.sessions[k] = s
	return copySession(s), nil
}

// Disconnect removes exactly the matching pair.
func (r *Registry) Disconnect(clientID, instanceID string) error {
	k := key{clientID: clientID, instanceID: instanceID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[k]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, clientID, instanceID)
	}
	delete(r.sessions, k)
	return nil
}

// List returns copies ordered by ConnectedAt, then ClientID, then InstanceID.
func (r *Registry) List() []model.ClientSession {
	r.mu.RLock()
	out := make([]model.ClientSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, copySession(s))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.ConnectedAt.Equal(b.ConnectedAt) {
			return a.ConnectedAt.Before(b.ConnectedAt)
		}
		if a.ClientID != b.ClientID {
			return a.ClientID < b.ClientID
		}
		return a.InstanceID < b.InstanceID
	})
	return out
}

// Count returns the number of connected instances.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func copySession(s model.ClientSession) model.ClientSession {
	s.Metadata = copyMetadata(s.Metadata)
	return s
}

func copyMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
