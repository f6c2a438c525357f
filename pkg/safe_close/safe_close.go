package safe_close

import "sync"

// SafeClose coordinates the shutdown of a service and its sub goroutines so
// that CloseWait returns only after every attached goroutine has exited.
//
//  1. The main service goroutine waits on ReceiveCloseSignal and calls Done
//     before it returns.
//  2. Sub goroutines are started through Attach and wait on ReceiveCloseSignal.
//  3. On a fatal error any goroutine may call SendCloseSignal. CloseWait must
//     not be called from inside the service or it will deadlock.
//  4. External callers close the service with CloseWait.
type SafeClose struct {
	m           sync.Mutex
	wg          sync.WaitGroup
	closeSignal chan struct{}
	done        chan struct{}
	doneOnce    sync.Once
	closeErr    error
}

func NewSafeClose() *SafeClose {
	return &SafeClose{
		closeSignal: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// CloseWait sends a close signal and blocks until Done has been called and
// all attached goroutines have exited. It is safe to call multiple times.
func (s *SafeClose) CloseWait() {
	s.SendCloseSignal(nil)
	s.wg.Wait()
	<-s.done
}

// SendCloseSignal sends a close signal. The first non-nil err wins.
func (s *SafeClose) SendCloseSignal(err error) {
	s.m.Lock()
	defer s.m.Unlock()

	select {
	case <-s.closeSignal:
		return
	default:
		if err != nil {
			s.closeErr = err
		}
		close(s.closeSignal)
	}
}

// Err returns the error passed to the first SendCloseSignal, if any.
func (s *SafeClose) Err() error {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closeErr
}

func (s *SafeClose) ReceiveCloseSignal() <-chan struct{} {
	return s.closeSignal
}

// Attach runs f in a new goroutine tracked by CloseWait. f must call done
// when it finishes and should watch closeSignal. If the service was already
// closed, f does not run.
func (s *SafeClose) Attach(f func(done func(), closeSignal <-chan struct{})) {
	s.m.Lock()
	select {
	case <-s.closeSignal:
		s.m.Unlock()
		return
	default:
		s.wg.Add(1)
	}
	s.m.Unlock()

	go func() {
		f(s.wg.Done, s.closeSignal)
	}()
}

// Done notifies CloseWait that the main goroutine finished.
// It is safe to call multiple times.
func (s *SafeClose) Done() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}
