package snapshot

// CompareTo treats s as the target side and other as the authoritative
// side. It does not mutate either tree. Divergence (same name, different
// kind or size) is reported on the authoritative side in Missing, because
// the caller repairs divergence by copying from the authoritative tree.
func (s *Snapshot) CompareTo(other *Snapshot) CompareResult {
	var result CompareResult
	s.compareInto(other, &result)
	return result
}

func (s *Snapshot) compareInto(other *Snapshot, result *CompareResult) {
	s.mu.Lock()
	selfChildren := make(map[string]*Snapshot, len(s.children))
	for name, c := range s.children {
		selfChildren[name] = c
	}
	s.mu.Unlock()

	other.mu.Lock()
	otherRemaining := make(map[string]*Snapshot, len(other.children))
	for name, c := range other.children {
		otherRemaining[name] = c
	}
	other.mu.Unlock()

	for name, selfChild := range selfChildren {
		otherChild, ok := otherRemaining[name]
		if !ok {
			result.Extra = append(result.Extra, selfChild)
			continue
		}
		delete(otherRemaining, name)

		if selfChild.IsDir() != otherChild.IsDir() || selfChild.Size() != otherChild.Size() {
			result.Missing = append(result.Missing, otherChild)
		}
		selfChild.compareInto(otherChild, result)
	}

	for _, rem := range otherRemaining {
		result.Missing = append(result.Missing, rem)
	}
}
