package mesh

// Lookup resolves the honesty flag of a numeric peer id. ok is false for peers
// missing from the identity table.
type Lookup interface {
	Honest(id int64) (honest bool, ok bool)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(id int64) (bool, bool)

// Honest implements Lookup.
func (f LookupFunc) Honest(id int64) (bool, bool) { return f(id) }

// Classifier partitions mesh snapshots into honest and attacker peers.
type Classifier struct {
	lookup Lookup
}

// NewClassifier returns a classifier backed by lookup. A nil lookup treats
// every peer as unknown.
func NewClassifier(lookup Lookup) Classifier {
	return Classifier{lookup: lookup}
}

// Classify splits snapshot by honesty. Members unknown to the lookup land in
// neither set.
func (c Classifier) Classify(snapshot map[int64]struct{}) (honest, attacker map[int64]struct{}) {
	honest = make(map[int64]struct{})
	attacker = make(map[int64]struct{})
	if c.lookup == nil {
		return honest, attacker
	}
	for id := range snapshot {
		h, ok := c.lookup.Honest(id)
		if !ok {
			continue
		}
		if h {
			honest[id] = struct{}{}
		} else {
			attacker[id] = struct{}{}
		}
	}
	return honest, attacker
}

// Count is Classify without materialising the subsets.
func (c Classifier) Count(snapshot map[int64]struct{}) (honest, attacker int) {
	if c.lookup == nil {
		return 0, 0
	}
	for id := range snapshot {
		h, ok := c.lookup.Honest(id)
		if !ok {
			continue
		}
		if h {
			honest++
		} else {
			attacker++
		}
	}
	return honest, attacker
}
