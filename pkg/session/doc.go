// Package session holds in-process sessions and warm-starts them from a
// memory pack written by a previous run.
//
// Invariants:
// - Session ids are unique within a Store; the first registration wins.
// - Sessions are only mutated through Store methods; readers get copies.
// - Hydration runs at most once per Hydrator and never returns an error.
//
// Usage:
//
//	store := session.NewStore()
//	h := session.NewHydrator(session.HydratorConfig{Path: packPath, MaxBytes: 1 << 20, Store: store})
//	restored := h.Hydrate(ctx)
//	_ = restored
package session
