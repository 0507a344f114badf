package buftype

import "github.com/tux3fs/coretux3/log"

// Assert enforces a B-tree or buffer-cache invariant. In ordinary builds
// it panics, preserving a Go stack trace for the caller's recover/test
// harness; once a program has called UseReleaseAssertions it instead
// calls log.Crit, which logs and terminates the process — matching
// spec.md §7's "Invariant: assertion; panic in debug, abort in release".
// No build tag selects the release behavior.
func Assert(cond bool, context string) {
	if cond {
		return
	}
	assertFail(context)
}

var assertFail = func(context string) {
	panic(NewInvariant(context))
}

// UseReleaseAssertions switches Assert to the release-build abort policy.
// Call once at process start from a build that wants the release
// semantics instead of the default panic-for-tests behavior.
func UseReleaseAssertions() {
	assertFail = func(context string) {
		log.Crit("invariant violated", "context", context)
	}
}
