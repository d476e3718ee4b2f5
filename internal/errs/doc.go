// Package errs defines the cluster's error kinds (spec.md §7) as a small
// closed set of intents rather than a deep type hierarchy, in keeping with
// the "tagged variants over class hierarchies" design note (spec.md §9).
// Every recoverable and terminal error that crosses a package boundary in
// Meridian is wrapped in an *errs.Error so that callers can branch on Kind
// instead of on a package-specific sentinel.
package errs
