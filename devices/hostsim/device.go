package hostsim

import (
	"sync"
	"sync/atomic"

	"github.com/BillTheBest/Theano/devices"
	"github.com/BillTheBest/Theano/types/xsync"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// device is one simulated device: a memory budget and a FIFO queue goroutine.
type device struct {
	num      devices.DeviceNum
	caps     devices.Capabilities
	memLimit int64
	memUsed  atomic.Int64

	mu       sync.Mutex
	queue    chan *operation
	closed   bool
	finished chan struct{}
}

// operation is one unit of queued work; its completion latch carries the
// execution error.
type operation struct {
	run  func() error
	done *xsync.LatchWithValue[error]
}

// completion adapts an operation's latch to devices.Completion.
type completion struct {
	done *xsync.LatchWithValue[error]
}

func (c completion) Done() <-chan struct{} { return c.done.WaitChan() }

func (c completion) Err() error {
	if !c.done.Test() {
		return nil
	}
	return c.done.Wait()
}

func newDevice(num devices.DeviceNum, caps devices.Capabilities, memLimit int64) *device {
	dev := &device{
		num:      num,
		caps:     caps,
		memLimit: memLimit,
		queue:    make(chan *operation, 64),
		finished: make(chan struct{}),
	}
	go dev.run()
	return dev
}

// run consumes the queue: one operation at a time, in submission order.
func (dev *device) run() {
	defer close(dev.finished)
	for op := range dev.queue {
		op.done.Trigger(op.run())
	}
}

// submit enqueues work and returns its completion token. Submission blocks
// only when the queue buffer is full, never for the work itself.
func (dev *device) submit(run func() error) devices.Completion {
	op := &operation{run: run, done: xsync.NewLatchWithValue[error]()}
	dev.mu.Lock()
	if dev.closed {
		dev.mu.Unlock()
		op.done.Trigger(errors.Errorf("hostsim: device %d already finalized", dev.num))
		return completion{done: op.done}
	}
	dev.queue <- op
	dev.mu.Unlock()
	return completion{done: op.done}
}

// drain closes the queue and waits for queued work to finish.
func (dev *device) drain() {
	dev.mu.Lock()
	if dev.closed {
		dev.mu.Unlock()
		return
	}
	dev.closed = true
	close(dev.queue)
	dev.mu.Unlock()
	<-dev.finished
}

// allocate reserves size bytes against the device's memory budget.
func (dev *device) allocate(size int) (*simBuffer, error) {
	if size <= 0 {
		return nil, errors.Errorf("hostsim: invalid allocation size %d", size)
	}
	used := dev.memUsed.Add(int64(size))
	if used > dev.memLimit {
		dev.memUsed.Add(int64(-size))
		return nil, errors.Wrapf(devices.ErrAllocation,
			"hostsim: device %d out of memory: %s requested, %s of %s in use",
			dev.num, humanize.IBytes(uint64(size)),
			humanize.IBytes(uint64(used-int64(size))), humanize.IBytes(uint64(dev.memLimit)))
	}
	klog.V(2).Infof("hostsim: device %d allocated %s (%s in use)",
		dev.num, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(used)))
	return &simBuffer{dev: dev, data: make([]byte, size)}, nil
}

// simBuffer is a device allocation: host bytes counted against the device's
// memory budget.
type simBuffer struct {
	dev   *device
	data  []byte
	freed atomic.Bool
}

func (buf *simBuffer) free() error {
	if buf.freed.Swap(true) {
		return errors.Errorf("hostsim: buffer finalized twice")
	}
	buf.dev.memUsed.Add(int64(-len(buf.data)))
	return nil
}

// Call is the view a KernelFunc gets of one launch: the marshaled arguments
// and the work partition.
type Call struct {
	Args   []devices.Arg
	Local  []uint64
	Global []uint64
}

// KernelFunc is the Go implementation of a kernel entry point, executed on
// the device's queue goroutine. Returning an error fails the launch's
// completion with devices.ErrLaunch.
type KernelFunc func(call *Call) error

// GlobalSize returns the product of the global work sizes: the total number
// of work items of the launch.
func (c *Call) GlobalSize() uint64 {
	size := uint64(1)
	for _, g := range c.Global {
		size *= g
	}
	return size
}

// Data returns the bytes of the buffer argument at index i, starting at the
// argument's byte offset.
func (c *Call) Data(i int) ([]byte, error) {
	if i < 0 || i >= len(c.Args) {
		return nil, errors.Errorf("hostsim: argument index %d out of range", i)
	}
	arg := c.Args[i]
	if arg.Kind != devices.ArgBuffer {
		return nil, errors.Errorf("hostsim: argument %d is %s, not a buffer", i, arg.Kind)
	}
	buf, err := asBuffer(arg.Buffer)
	if err != nil {
		return nil, err
	}
	return buf.data[arg.Offset:], nil
}

// Word returns the raw 64-bit value of the size or scalar argument at index i.
func (c *Call) Word(i int) (uint64, error) {
	if i < 0 || i >= len(c.Args) {
		return 0, errors.Errorf("hostsim: argument index %d out of range", i)
	}
	arg := c.Args[i]
	if arg.Kind == devices.ArgBuffer {
		return 0, errors.Errorf("hostsim: argument %d is a buffer, not a word", i)
	}
	return arg.Word, nil
}
