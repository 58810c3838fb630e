package collab

import (
	"golang.org/x/exp/slices"

	"github.com/coedit/collab/protocol"
)

// Pairwise position shift rules. For an incoming operation O
// transformed against an already applied operation E:
//
//   - E insert, E.position <= O.position: O.position += len(E.content)
//   - E delete, E.position < O.position:  O.position -= E.length
//
// These are a practical approximation, not a convergent ot algorithm.
// Positions are floored at zero so the position invariant holds before
// apply time clamping.

func TransformOperation(incoming *protocol.Operation, existing *protocol.Operation) *protocol.Operation {
	out := incoming.Clone()
	transformInPlace(out, existing)
	return out
}

func transformInPlace(incoming *protocol.Operation, existing *protocol.Operation) {
	switch existing.Type {
	case protocol.OpInsert:
		if existing.Position <= incoming.Position {
			incoming.Position += len([]rune(existing.Content))
		}
	case protocol.OpDelete:
		if existing.Position < incoming.Position {
			incoming.Position -= existing.Length
			if incoming.Position < 0 {
				incoming.Position = 0
			}
		}
	}
}

// TransformAgainst transforms `incoming` against every existing
// operation with an earlier (or equal) timestamp, processing the
// existing operations in the order they were recorded.
func TransformAgainst(incoming *protocol.Operation, existing []*protocol.Operation) *protocol.Operation {
	out := incoming.Clone()
	for _, e := range existing {
		if e.Timestamp <= incoming.Timestamp {
			transformInPlace(out, e)
		}
	}
	return out
}

// TransformPosition shifts a bare cursor or selection offset for an
// applied operation.
func TransformPosition(position int, existing *protocol.Operation) int {
	switch existing.Type {
	case protocol.OpInsert:
		if existing.Position <= position {
			position += len([]rune(existing.Content))
		}
	case protocol.OpDelete:
		if existing.Position < position {
			position -= existing.Length
			if position < existing.Position {
				position = existing.Position
			}
		}
	}
	return position
}

// SortOperations returns a copy ordered by timestamp, ties broken by
// id. Merge resolution applies conflicting operations in this order.
func SortOperations(ops []*protocol.Operation) []*protocol.Operation {
	out := append([]*protocol.Operation{}, ops...)
	slices.SortStableFunc(out, func(a *protocol.Operation, b *protocol.Operation) int {
		if a.Timestamp < b.Timestamp {
			return -1
		}
		if b.Timestamp < a.Timestamp {
			return 1
		}
		if a.Id == b.Id {
			return 0
		}
		if a.Id.LessThan(b.Id) {
			return -1
		}
		return 1
	})
	return out
}
