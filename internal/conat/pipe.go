package conat

import "sync"

// pipeBuffer smooths bursts between in-process endpoints without
// letting either side run unbounded.
const pipeBuffer = 64

// pipeConn is one end of an in-process frame transport. Closing
// either end closes both, mirroring net.Pipe. Used for the host's own
// service connections and throughout the tests, so in-process traffic
// exercises the same server paths as websocket traffic.
type pipeConn struct {
	in   <-chan Frame
	out  chan<- Frame
	done chan struct{}
	once *sync.Once
}

// newFramePipe returns two connected frame transports.
func newFramePipe() (a, b frameConn) {
	ab := make(chan Frame, pipeBuffer)
	ba := make(chan Frame, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeConn{in: ba, out: ab, done: done, once: once},
		&pipeConn{in: ab, out: ba, done: done, once: once}
}

func (p *pipeConn) ReadFrame() (Frame, error) {
	select {
	case f := <-p.in:
		return f, nil
	case <-p.done:
		// Drain frames written before close.
		select {
		case f := <-p.in:
			return f, nil
		default:
			return Frame{}, errConnClosed
		}
	}
}

func (p *pipeConn) WriteFrame(f Frame) error {
	select {
	case p.out <- f:
		return nil
	case <-p.done:
		return errConnClosed
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
