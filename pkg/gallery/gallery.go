// Package gallery owns the enrolled identities and the classifier built from them.
//
// Writers (enrollment and deletion) are serialized by a mutex. Readers take
// an immutable classifier snapshot with Snapshot, which never blocks.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrCodeEU/faceguard/pkg/logging"
	"github.com/MrCodeEU/faceguard/pkg/recognition"
	"github.com/MrCodeEU/faceguard/pkg/storage"
)

// ErrEmptyIdentity is returned when an identity is upserted without vectors.
var ErrEmptyIdentity = errors.New("identity has no vectors")

// ErrIdentityNotFound is returned when deleting an unknown identity.
var ErrIdentityNotFound = storage.ErrIdentityNotFound

// Identity summarizes one enrolled person.
type Identity struct {
	Name      string    `json:"name"`
	Vectors   int       `json:"vectors"`
	Samples   int       `json:"samples"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Service is the in-memory gallery backed by a Store.
type Service struct {
	store   storage.Store
	samples *storage.SampleDir
	k       int

	mu         sync.Mutex
	identities map[string]storage.Record

	classifier atomic.Pointer[recognition.Classifier]
}

// New creates an empty gallery. Call Load to read the store. samples may be nil.
func New(store storage.Store, samples *storage.SampleDir, k int) *Service {
	return &Service{
		store:      store,
		samples:    samples,
		k:          k,
		identities: make(map[string]storage.Record),
	}
}

// Load replaces the gallery with the store contents. A store failure leaves
// the gallery empty and is only logged; the station keeps running with
// every face treated as a stranger.
func (s *Service) Load(ctx context.Context) {
	log := logging.Component("gallery")

	s.mu.Lock()
	defer s.mu.Unlock()

	s.identities = make(map[string]storage.Record)

	records, err := s.store.LoadAll(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to load identities, starting with an empty gallery")
		s.classifier.Store(nil)
		return
	}

	for _, rec := range records {
		if len(rec.Vectors) == 0 {
			log.Warnf("Skipping identity %s with no vectors", rec.Name)
			continue
		}
		s.identities[rec.Name] = rec
	}
	s.rebuild()
	log.Infof("Loaded %d identities", len(s.identities))
}

// Upsert replaces the vectors for name, persists them and rebuilds the
// classifier. On a store error the gallery is left unchanged.
func (s *Service) Upsert(ctx context.Context, name string, vectors [][]float32) error {
	if err := storage.ValidateName(name); err != nil {
		return err
	}
	if len(vectors) == 0 {
		return ErrEmptyIdentity
	}
	dim := len(vectors[0])
	for _, v := range vectors {
		if len(v) != dim || dim == 0 {
			return fmt.Errorf("%w: vectors for %s", recognition.ErrDimensionMismatch, name)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for other, rec := range s.identities {
		if other != name && len(rec.Vectors[0]) != dim {
			return fmt.Errorf("%w: %s has %d, gallery has %d", recognition.ErrDimensionMismatch, name, dim, len(rec.Vectors[0]))
		}
	}

	rec := storage.Record{Name: name, Vectors: copyVectors(vectors), UpdatedAt: time.Now()}
	if err := s.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist identity %s: %w", name, err)
	}

	s.identities[name] = rec
	s.rebuild()
	logging.Component("gallery").Infof("Enrolled %s with %d vectors", name, len(vectors))
	return nil
}

// Delete removes name from the store, its samples from disk, and rebuilds.
func (s *Service) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.identities[name]; !ok {
		return ErrIdentityNotFound
	}
	if err := s.store.Delete(ctx, name); err != nil && !errors.Is(err, storage.ErrIdentityNotFound) {
		return fmt.Errorf("failed to delete identity %s: %w", name, err)
	}

	delete(s.identities, name)
	s.rebuild()

	if s.samples != nil {
		if err := s.samples.Remove(name); err != nil {
			logging.Component("gallery").WithError(err).Warnf("Failed to remove samples for %s", name)
		}
	}
	logging.Component("gallery").Infof("Deleted %s", name)
	return nil
}

// Snapshot returns the current classifier, or nil when no one is enrolled.
func (s *Service) Snapshot() *recognition.Classifier {
	return s.classifier.Load()
}

// Has reports whether name is enrolled.
func (s *Service) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.identities[name]
	return ok
}

// Identities lists enrolled people sorted by name.
func (s *Service) Identities() []Identity {
	s.mu.Lock()
	out := make([]Identity, 0, len(s.identities))
	for name, rec := range s.identities {
		out = append(out, Identity{Name: name, Vectors: len(rec.Vectors), UpdatedAt: rec.UpdatedAt})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if s.samples != nil {
		for i := range out {
			out[i].Samples = s.samples.Count(out[i].Name)
		}
	}
	return out
}

// rebuild refits the classifier from s.identities. Callers hold s.mu.
func (s *Service) rebuild() {
	if len(s.identities) == 0 {
		s.classifier.Store(nil)
		return
	}

	gallery := make(map[string][][]float32, len(s.identities))
	for name, rec := range s.identities {
		gallery[name] = rec.Vectors
	}
	c, err := recognition.Fit(gallery, s.k)
	if err != nil {
		logging.Component("gallery").WithError(err).Error("Failed to build classifier")
		s.classifier.Store(nil)
		return
	}
	s.classifier.Store(c)
}

func copyVectors(in [][]float32) [][]float32 {
	out := make([][]float32, len(in))
	for i, v := range in {
		out[i] = append([]float32(nil), v...)
	}
	return out
}
