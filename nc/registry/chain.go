// SPDX-FileCopyrightText: (c) 2024 The rcs-collector authors
// SPDX-License-Identifier: AGPL-3.0-only

package registry

// buildChain walks the successor links starting from the local node's own
// anonymizer record. Traversal stops at a missing successor, an empty Next,
// or after len(anonymizers) hops, which caps cyclic successor links.
func buildChain(anonymizers []*Element, localInstance string) ([]*Element, error) {
	if len(anonymizers) == 0 {
		return nil, nil
	}

	byID := make(map[string]*Element, len(anonymizers))
	var self *Element
	for _, e := range anonymizers {
		byID[e.ID] = e
		if self == nil && e.Instance == localInstance {
			self = e
		}
	}
	if self == nil {
		return nil, ErrNoLocalElement
	}

	chain := []*Element{self}
	cursor := self
	for len(chain) < len(anonymizers) {
		if len(cursor.Next) == 0 || cursor.Next[0] == "" {
			break
		}
		next, ok := byID[cursor.Next[0]]
		if !ok {
			break
		}
		chain = append(chain, next)
		cursor = next
	}
	return chain, nil
}

// Chain returns the frozen local forwarding chain. The first entry is
// always the local node's own record.
func (r *Registry) Chain() []*Element {
	chain := make([]*Element, len(r.chain))
	copy(chain, r.chain)
	return chain
}

// ForwardingChain returns the chain prefix preceding target, or the whole
// chain if target is not a member.
func (r *Registry) ForwardingChain(target *Element) []*Element {
	for i, e := range r.chain {
		if e.ID == target.ID {
			return r.Chain()[:i]
		}
	}
	return r.Chain()
}
