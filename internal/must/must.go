// Package must provides a set of functions that check for errors and panic on
// error. Convenient for tests and command-line tools that need to fail on error.
package must

import (
	"k8s.io/klog/v2"
)

// M logs and panics if err is not nil.
//
// It is used by the other variants (M1, M2), and if a different error behavior
// is wanted (like log.Fatalf), just reassign M and the others will pick it up.
var M = func(err error) {
	if err != nil {
		klog.Errorf("Must not error: %+v\nPanicking ...\n\n", err)
		panic(err)
	}
}

// M1 checks that there is no error with M(err) and then returns the value given.
func M1[T1 any](value1 T1, err error) T1 {
	M(err)
	return value1
}

// M2 checks that there is no error with M(err) and then returns the values given.
func M2[T1 any, T2 any](value1 T1, value2 T2, err error) (T1, T2) {
	M(err)
	return value1, value2
}
