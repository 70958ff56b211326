package devices

import "fmt"

// ArgKind discriminates the native representations a kernel argument can be
// marshaled to. The typed validation lives in package kernels; a Runtime only
// ever sees already-validated Args.
type ArgKind uint8

const (
	// ArgBuffer is a device allocation passed by reference: Buffer + byte Offset.
	ArgBuffer ArgKind = iota

	// ArgWord is a size argument passed as a raw 64-bit integer. Signed sizes
	// are two's-complement encoded in Word.
	ArgWord

	// ArgScalar is a numeric scalar passed by value as its raw bit pattern,
	// Width bytes wide, in the low bits of Word.
	ArgScalar
)

// String implements fmt.Stringer.
func (k ArgKind) String() string {
	switch k {
	case ArgBuffer:
		return "buffer"
	case ArgWord:
		return "word"
	case ArgScalar:
		return "scalar"
	}
	return fmt.Sprintf("ArgKind(%d)", k)
}

// Arg is one kernel argument in its device-native representation.
type Arg struct {
	Kind ArgKind

	// Buffer and Offset are set for ArgBuffer.
	Buffer Buffer
	Offset int

	// Word holds the raw integer for ArgWord, or the bit pattern for ArgScalar.
	Word uint64

	// Width is the byte width of an ArgScalar (1, 2, 4 or 8).
	Width uint8
}

// Completion is the token returned by asynchronous device operations.
//
// Done is closed when the operation completed; Err reports the operation's
// failure and must only be consulted after Done is closed. Runtime.Synchronize
// is the blocking form.
type Completion interface {
	Done() <-chan struct{}
	Err() error
}

// completed is an already-observed Completion.
type completed struct {
	err error
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

func (c completed) Done() <-chan struct{} { return closedChan }
func (c completed) Err() error            { return c.err }

// Completed returns a Completion that is already done with the given error.
// Useful for synchronous runtimes and test fakes.
func Completed(err error) Completion {
	return completed{err: err}
}
