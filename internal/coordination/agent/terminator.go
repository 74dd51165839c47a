// Package agent implements the agent registry and the heartbeat liveness
// monitor. Agents move Starting -> Running -> {Stopped, Killed}; terminal
// rows are kept for audit.
package agent

// ProcessTerminator force-kills an agent's OS process. Kill is best-effort:
// it reports whether the signal was delivered and never panics. Injectable
// for tests.
type ProcessTerminator interface {
	Kill(pid int) bool
}

// OSTerminator kills processes via OS signals.
type OSTerminator struct{}
