// Package stage defines the fixed, table-driven sequence of stages a test
// session passes through, and the ordering and dependency operations the
// rest of tankapi builds on.
package stage

// Stage names a single step of a session's execution pipeline.
type Stage string

const (
	Init        Stage = "init"
	Lock        Stage = "lock"
	Configure   Stage = "configure"
	Prepare     Stage = "prepare"
	Start       Stage = "start"
	Poll        Stage = "poll"
	End         Stage = "end"
	PostProcess Stage = "postprocess"
	Unlock      Stage = "unlock"
	Finished    Stage = "finished"
)

// entry is one row of the stage table: a stage and the stage that must have
// completed successfully before it may run. The empty predecessor means
// "always eligible".
type entry struct {
	name        Stage
	predecessor Stage
}

// table is the canonical, ordered stage sequence. Index order is the
// canonical order used by IsEarlier. This is the single source of truth:
// no switch statement anywhere else in tankapi encodes stage order.
var table = []entry{
	{Init, ""},
	{Lock, Init},
	{Configure, Lock},
	{Prepare, Configure},
	{Start, Prepare},
	{Poll, Start},
	{End, Lock},
	{PostProcess, End},
	{Unlock, Lock},
	{Finished, ""},
}

var index = func() map[Stage]int {
	m := make(map[Stage]int, len(table))
	for i, e := range table {
		m[e.name] = i
	}
	return m
}()

var predecessors = func() map[Stage]Stage {
	m := make(map[Stage]Stage, len(table))
	for _, e := range table {
		m[e.name] = e.predecessor
	}
	return m
}()

// IsValid reports whether s names a known stage.
func IsValid(s Stage) bool {
	_, ok := index[s]
	return ok
}

// IsEarlier reports whether a precedes b in canonical order. It is a strict
// total order: irreflexive, and transitive over the ten known stages.
func IsEarlier(a, b Stage) bool {
	ia, aok := index[a]
	ib, bok := index[b]
	if !aok || !bok {
		return false
	}
	return ia < ib
}

// Predecessor returns the stage that must be in the done set before s may
// run, and false if s has no predecessor requirement (Init, Finished).
func Predecessor(s Stage) (Stage, bool) {
	p, ok := predecessors[s]
	if !ok || p == "" {
		return "", false
	}
	return p, true
}

// NonTerminal returns the stages the Worker's main loop iterates over, in
// canonical order, excluding the terminal Finished marker.
func NonTerminal() []Stage {
	out := make([]Stage, 0, len(table)-1)
	for _, e := range table {
		if e.name == Finished {
			continue
		}
		out = append(out, e.name)
	}
	return out
}

// All returns every known stage in canonical order, including Finished.
func All() []Stage {
	out := make([]Stage, len(table))
	for i, e := range table {
		out[i] = e.name
	}
	return out
}
