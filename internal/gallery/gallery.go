// Package gallery holds the in-memory set of enrolled faces the
// recognition engine matches against. The gallery owns its arrays and
// user map outright; all mutation goes through its methods and no
// caller keeps a reference across operations.
package gallery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/your-org/facegate/internal/observability"
	"github.com/your-org/facegate/internal/storage"
)

// UserInfo is the roster entry mirrored from the store.
type UserInfo struct {
	EnrollID int
	Name     string
	HasFace  bool
	IsActive bool
}

// EmbedFunc turns a stored base-64 face record into an embedding.
type EmbedFunc func(record string) ([]float32, error)

// Gallery keeps parallel labels/embeddings slices plus a user map.
// Invariant: labels[i] and embeddings[i] describe the same user, each
// enroll id appears at most once, and every id in labels has a user
// entry with HasFace set.
type Gallery struct {
	mu         sync.RWMutex
	labels     []int
	embeddings [][]float32
	users      map[int]UserInfo
}

func New() *Gallery {
	return &Gallery{users: make(map[int]UserInfo)}
}

// LoadAll rebuilds the gallery from the store. The replacement triple
// is built off to the side and swapped in under one lock so readers
// never observe a half-populated gallery. Rows without a persisted
// embedding are run through embed; rows that fail to embed are skipped
// with a warning.
func (g *Gallery) LoadAll(ctx context.Context, repo storage.Repository, embed EmbedFunc) error {
	snapshot, err := repo.SnapshotActiveFaceUsers(ctx)
	if err != nil {
		return fmt.Errorf("snapshot face users: %w", err)
	}

	labels := make([]int, 0, len(snapshot))
	embeddings := make([][]float32, 0, len(snapshot))
	users := make(map[int]UserInfo, len(snapshot))

	for id := range snapshot {
		row, err := repo.FetchFaceRow(ctx, id)
		if err != nil {
			return fmt.Errorf("fetch face row %d: %w", id, err)
		}
		if row == nil {
			continue
		}

		emb := row.Embedding
		if len(emb) == 0 {
			emb, err = embed(row.Record)
			if err != nil {
				slog.Warn("skip unembeddable face row", "enroll_id", id, "error", err)
				continue
			}
		}

		labels = append(labels, id)
		embeddings = append(embeddings, emb)
		users[id] = UserInfo{
			EnrollID: id,
			Name:     row.Name,
			HasFace:  true,
			IsActive: row.IsActive,
		}
	}

	g.mu.Lock()
	g.labels = labels
	g.embeddings = embeddings
	g.users = users
	g.mu.Unlock()

	observability.GallerySize.Set(float64(len(labels)))
	slog.Info("gallery loaded", "entries", len(labels))
	return nil
}

// Upsert adds or replaces the embedding and roster entry for an id.
func (g *Gallery) Upsert(enrollID int, embedding []float32, name string, isActive bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.removeLocked(enrollID)
	g.labels = append(g.labels, enrollID)
	g.embeddings = append(g.embeddings, embedding)
	g.users[enrollID] = UserInfo{
		EnrollID: enrollID,
		Name:     name,
		HasFace:  true,
		IsActive: isActive,
	}
	observability.GallerySize.Set(float64(len(g.labels)))
}

// Remove drops an id from both the embedding list and the user map.
func (g *Gallery) Remove(enrollID int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(enrollID)
	observability.GallerySize.Set(float64(len(g.labels)))
}

func (g *Gallery) removeLocked(enrollID int) {
	for i, id := range g.labels {
		if id == enrollID {
			g.labels = append(g.labels[:i], g.labels[i+1:]...)
			g.embeddings = append(g.embeddings[:i], g.embeddings[i+1:]...)
			break
		}
	}
	delete(g.users, enrollID)
}

// SetActive mutates the roster entry in place. Returns false when the
// id is not present.
func (g *Gallery) SetActive(enrollID int, active bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	u, ok := g.users[enrollID]
	if !ok {
		return false
	}
	u.IsActive = active
	g.users[enrollID] = u
	return true
}

// User returns a copy of the roster entry for an id.
func (g *Gallery) User(enrollID int) (UserInfo, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	u, ok := g.users[enrollID]
	return u, ok
}

// Users returns a copy of the whole roster.
func (g *Gallery) Users() map[int]UserInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[int]UserInfo, len(g.users))
	for id, u := range g.users {
		out[id] = u
	}
	return out
}

// IDs returns the enrolled ids currently holding embeddings.
func (g *Gallery) IDs() []int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]int, len(g.labels))
	copy(out, g.labels)
	return out
}

// Len returns the number of embeddings.
func (g *Gallery) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.labels)
}

// Scan iterates the parallel (label, embedding) pairs under the shared
// lock. fn must not retain the embedding slice or call back into the
// gallery.
func (g *Gallery) Scan(fn func(enrollID int, embedding []float32)) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for i, id := range g.labels {
		fn(id, g.embeddings[i])
	}
}
