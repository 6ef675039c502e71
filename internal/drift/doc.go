// Package drift implements the "roaming radar": per-repo detection of
// shadow commits pushed by other machines, and the on-disk cache that lets
// the status dashboard answer instantly without ever touching the network.
package drift
