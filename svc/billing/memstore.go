package billing

import (
	"context"
	"sync"
	"time"
)

// MemoryTrainerStore is an in-memory TrainerStore for tests and local
// development. The mutex gives it the same all-or-nothing ApplySignal
// semantics the mongo store gets from its conditional update.
type MemoryTrainerStore struct {
	mu       sync.RWMutex
	trainers map[string]*Trainer
}

func NewMemoryTrainerStore() *MemoryTrainerStore {
	return &MemoryTrainerStore{trainers: make(map[string]*Trainer)}
}

// cloneTrainer detaches a record from the store. The signal-mark map must be
// copied too: callers read it without the store lock, while ApplySignal keeps
// writing to the stored one.
func cloneTrainer(t *Trainer) Trainer {
	cp := *t
	if t.LastSignals != nil {
		cp.LastSignals = make(map[SignalSource]SignalMark, len(t.LastSignals))
		for src, mark := range t.LastSignals {
			cp.LastSignals[src] = mark
		}
	}
	return cp
}

func (s *MemoryTrainerStore) Get(_ context.Context, id string) (*Trainer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trainers[id]
	if !ok {
		return nil, ErrTrainerNotFound
	}
	cp := cloneTrainer(t)
	return &cp, nil
}

func (s *MemoryTrainerStore) Ensure(_ context.Context, t *Trainer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trainers[t.ID]; ok {
		return nil
	}
	now := time.Now().UTC()
	cp := *t
	cp.IsActive = false
	cp.SubscriptionStatus = StatusNone
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.trainers[t.ID] = &cp
	return nil
}

func (s *MemoryTrainerStore) FindByOriginalTransactionID(_ context.Context, originalTransactionID string) (*Trainer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.trainers {
		if t.IOSOriginalTransactionID == originalTransactionID {
			cp := cloneTrainer(t)
			return &cp, nil
		}
	}
	return nil, ErrTrainerNotFound
}

func (s *MemoryTrainerStore) ListWithBillingCustomer(_ context.Context) ([]Trainer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Trainer
	for _, t := range s.trainers {
		if t.BillingCustomerID != "" {
			out = append(out, cloneTrainer(t))
		}
	}
	return out, nil
}

func (s *MemoryTrainerStore) ListWithIOSReceipt(_ context.Context) ([]Trainer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Trainer
	for _, t := range s.trainers {
		if t.IOSOriginalTransactionID != "" && t.IOSLatestReceipt != "" {
			out = append(out, cloneTrainer(t))
		}
	}
	return out, nil
}

func (s *MemoryTrainerStore) SetBillingCustomerID(_ context.Context, id, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trainers[id]
	if !ok {
		return ErrTrainerNotFound
	}
	if t.BillingCustomerID != "" {
		return nil
	}
	t.BillingCustomerID = customerID
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryTrainerStore) ApplySignal(_ context.Context, id string, sig Signal, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trainers[id]
	if !ok {
		return ErrTrainerNotFound
	}
	// Re-check under the lock; this is the in-memory stand-in for the mongo
	// store's conditional update.
	if !Admit(t.LastSignals, sig) {
		return ErrStaleSignal
	}

	patch.applyTo(t)
	if t.LastSignals == nil {
		t.LastSignals = make(map[SignalSource]SignalMark)
	}
	t.LastSignals[sig.Source] = SignalMark{At: sig.OccurredAt, SequenceHint: sig.SequenceHint}
	t.LastSignalSource = sig.Source
	t.UpdatedAt = time.Now().UTC()
	return nil
}
