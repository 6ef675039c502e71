// Package shadow implements the snapshot routine: building a shadow
// commit from the working tree via an isolated index, gated by
// busy-state and large-file checks, and advancing the shadow ref with a
// compare-and-swap update-ref.
package shadow
