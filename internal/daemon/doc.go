// Package daemon runs the single long-lived process that drives every
// registered repository's snapshot, push, and drift-check cadences. It is
// the one component that ever calls ShadowEngine, Reconciler's polling
// counterpart, and the registry's Touch* methods on a schedule rather than
// in response to a CLI invocation.
package daemon
