// Package reconcile implements the three foreground operations that pull
// shadow state back into the user's visible branch: sync (fast-forward
// the working tree to the newest cross-machine tip), restore (negotiate
// overwriting one dirty path), and finalize (octopus-squash every
// machine's shadow stream into one commit on the user branch).
package reconcile
