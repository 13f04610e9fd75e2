package consensus

import (
	"crypto/ed25519"
	"errors"
)

// ValidatorID is the index of a validator in the committee order. It is
// stable for the whole round and is the identity used in every vote map.
type ValidatorID uint16

// Validator describes one committee member.
type Validator struct {
	ID        ValidatorID
	PublicKey ed25519.PublicKey
	Alias     string
}

// ValidatorSet is the ordered, immutable-per-round committee. n must be
// 3f+1 for the quorum arithmetic to tolerate f faulty members.
type ValidatorSet struct {
	validators []Validator
	byID       map[ValidatorID]int
}

// NewValidatorSet builds a set from the committee order. The ids must be
// unique; they are usually 0..n-1 but the set does not require it.
func NewValidatorSet(validators []Validator) (*ValidatorSet, error) {
	if len(validators) == 0 {
		return nil, errors.New("empty validator committee")
	}
	byID := make(map[ValidatorID]int, len(validators))
	for i, v := range validators {
		if _, ok := byID[v.ID]; ok {
			return nil, errors.New("duplicate validator id in committee")
		}
		byID[v.ID] = i
	}
	return &ValidatorSet{validators: validators, byID: byID}, nil
}

// Len returns the committee size n.
func (s *ValidatorSet) Len() int {
	return len(s.validators)
}

// F returns the number of faulty validators tolerated: (n-1)/3.
func (s *ValidatorSet) F() int {
	return (len(s.validators) - 1) / 3
}

// Quorum returns the number of matching votes needed to advance a
// phase: n - f, i.e. 2f+1 for n = 3f+1.
func (s *ValidatorSet) Quorum() int {
	return len(s.validators) - s.F()
}

// PrimaryID returns the validator designated to propose the block for
// the given height and view: committee[(height+view) mod n]. The
// formula is fixed; every honest node must compute the same primary.
func (s *ValidatorSet) PrimaryID(height uint64, view uint8) ValidatorID {
	i := (height + uint64(view)) % uint64(len(s.validators))
	return s.validators[i].ID
}

// IndexOf returns the committee position of the given id.
func (s *ValidatorSet) IndexOf(id ValidatorID) (int, bool) {
	i, ok := s.byID[id]
	return i, ok
}

// Get returns the validator with the given id.
func (s *ValidatorSet) Get(id ValidatorID) (Validator, bool) {
	i, ok := s.byID[id]
	if !ok {
		return Validator{}, false
	}
	return s.validators[i], true
}

// Ordered returns the committee in its canonical order.
func (s *ValidatorSet) Ordered() []Validator {
	out := make([]Validator, len(s.validators))
	copy(out, s.validators)
	return out
}

// IndexByKey returns the id of the validator holding the given public
// key, or false if the key is not in the committee.
func (s *ValidatorSet) IndexByKey(key ed25519.PublicKey) (ValidatorID, bool) {
	for _, v := range s.validators {
		if string(v.PublicKey) == string(key) {
			return v.ID, true
		}
	}
	return 0, false
}
