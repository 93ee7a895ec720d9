package device

import "sync"

// Store holds the latest poll sections and the latest push message for one
// device and resolves attributes from them.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Snapshots are swapped whole under the write lock, so Resolve never
//     observes a partially applied update.
type Store struct {
	profile *Profile

	mu   sync.RWMutex
	poll map[Section]Fields
	push Fields
}

// NewStore creates an empty store for the given profile.
func NewStore(profile *Profile) *Store {
	return &Store{
		profile: profile,
		poll:    make(map[Section]Fields),
	}
}

// ApplyPoll merges or replaces one poll section according to the profile's
// merge strategy.
//
// Null values never erase a previously known value. An empty payload is
// treated as a malformed response and leaves the section untouched, even
// under full replacement.
//
// Returns:
//   - bool: true if the section changed
func (s *Store) ApplyPoll(section Section, fields Fields) bool {
	if len(fields) == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.poll[section]
	var next Fields

	switch s.profile.Merge {
	case MergeKeys:
		next = prev.clone()
		if next == nil {
			next = make(Fields, len(fields))
		}
		for k, v := range fields {
			if v != nil {
				next[k] = v
			}
		}
	default:
		next = make(Fields, len(fields))
		for k, v := range fields {
			if v != nil {
				next[k] = v
				continue
			}
			if old, ok := prev[k]; ok {
				next[k] = old
			}
		}
	}

	s.poll[section] = next
	return true
}

// ApplyPush replaces the push snapshot with the keys of fields the profile
// knows about. Unknown keys are ignored. A message carrying no known keys is
// dropped and the previous snapshot is kept.
//
// Returns:
//   - bool: true if the snapshot was replaced
func (s *Store) ApplyPush(fields Fields) bool {
	next := make(Fields, len(fields))
	for k, v := range fields {
		if s.profile.IsPushKey(k) && v != nil {
			next[k] = v
		}
	}
	if len(next) == 0 {
		return false
	}

	s.mu.Lock()
	s.push = next
	s.mu.Unlock()
	return true
}

// Resolve applies the rule for attribute. Attributes the profile does not
// define resolve to Unknown.
func (s *Store) Resolve(attribute string) Value {
	rule, ok := s.profile.Rule(attribute)
	if !ok {
		return Unknown
	}
	return s.ResolveRule(rule)
}

// ResolveRule resolves a rule: push paths first, then poll paths, then the
// default.
func (s *Store) ResolveRule(rule Rule) Value {
	s.mu.RLock()
	push := s.push
	poll := s.poll[rule.Section]
	s.mu.RUnlock()

	if v, ok := first(push, rule.Push, rule.Convert); ok {
		return known(v, SourcePush)
	}
	if v, ok := first(poll, rule.Poll, rule.Convert); ok {
		return known(v, SourcePoll)
	}
	if rule.Default != nil {
		return known(rule.Default, SourceDefault)
	}
	return Unknown
}

// Poll returns a copy of one poll section.
func (s *Store) Poll(section Section) Fields {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.poll[section].clone()
}

// Push returns a copy of the push snapshot.
func (s *Store) Push() Fields {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.push.clone()
}

// first returns the first path present in fields whose value converts.
func first(fields Fields, paths []string, convert Converter) (any, bool) {
	for _, path := range paths {
		raw, ok := fields.Lookup(path)
		if !ok {
			continue
		}
		if convert == nil {
			return raw, true
		}
		if v, ok := convert(raw); ok {
			return v, true
		}
	}
	return nil, false
}
