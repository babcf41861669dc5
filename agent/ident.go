// Package agent provides the strong types shared across the runtime's
// subsystems: agent identifiers and the execution context threaded through
// every invocation.
package agent

// Ident is the strong type for an agent slug (e.g. "research-lead"). Use this
// type when referencing agents in maps or APIs to avoid accidental mixing
// with free-form strings.
type Ident string

// String satisfies fmt.Stringer.
func (i Ident) String() string { return string(i) }
