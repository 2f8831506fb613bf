package command

import (
	"errors"
	"sort"
)

// ErrSequenceNotFound is returned when replaying a sequence that was never created.
var ErrSequenceNotFound = errors.New("sequence not found")

// Sequence is a named, ordered list of state commands.
type Sequence struct {
	Name   string
	States []StateCommand
}

// Store keeps sequences in memory. It is not safe for concurrent use; the
// Interpreter is its only user.
type Store struct {
	sequences map[string]Sequence
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{sequences: make(map[string]Sequence)}
}

// Put stores seq, replacing any sequence with the same name.
func (s *Store) Put(seq Sequence) {
	seq.States = append([]StateCommand(nil), seq.States...)
	s.sequences[seq.Name] = seq
}

// Get returns the sequence called name.
func (s *Store) Get(name string) (Sequence, bool) {
	seq, ok := s.sequences[name]
	return seq, ok
}

// Names returns the stored sequence names in sorted order.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.sequences))
	for name := range s.sequences {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of stored sequences.
func (s *Store) Len() int {
	return len(s.sequences)
}
