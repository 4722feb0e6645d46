// Package xerror provides the test-setup helper that turns a two-value
// constructor call into a single value, panicking on error. It exists so
// capture-core tests can write xerror.Unwrap(New(cfg)) or
// xerror.Unwrap(ipc.Dial(addr, class)) inline in a test body instead of the
// usual if-err-t.Fatal boilerplate, the same role it plays wrapping
// net.ParseMAC/netip.ParsePrefix in the modules' dataplane test fixtures.
package xerror

// Unwrap returns t, panicking if e is non-nil. Only meant for test and
// setup code where a construction failure is a bug in the test itself, not
// a condition to handle.
func Unwrap[T any](t T, e error) T {
	if e != nil {
		panic(e)
	}
	return t
}
