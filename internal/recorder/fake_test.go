package recorder

import (
	"errors"
	"sync"
	"sync/atomic"
)

type fakeProcess struct {
	pid  int
	done chan struct{}
	once sync.Once
	code atomic.Int64

	terminated atomic.Bool
	killed     atomic.Bool
	// ignoreTerm keeps the process alive after Terminate.
	ignoreTerm bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.code.Store(int64(code))
		close(p.done)
	})
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Terminate() error {
	p.terminated.Store(true)
	if !p.ignoreTerm {
		p.exit(255)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.exit(-1)
	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) ExitCode() int         { return int(p.code.Load()) }

type fakeLauncher struct {
	mu       sync.Mutex
	specs    []LaunchSpec
	procs    []*fakeProcess
	err      error
	hangTerm bool

	// When gate is set, Launch signals entered and blocks until gate is
	// closed.
	gate    chan struct{}
	entered chan struct{}
}

// block makes the next launches wait for the returned release func.
func (l *fakeLauncher) block() (entered <-chan struct{}, release func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gate = make(chan struct{})
	l.entered = make(chan struct{}, 8)
	gate := l.gate
	return l.entered, func() { close(gate) }
}

func (l *fakeLauncher) Launch(spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	gate, entered := l.gate, l.entered
	l.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	p := newFakeProcess(1000 + len(l.procs))
	p.ignoreTerm = l.hangTerm
	l.specs = append(l.specs, spec)
	l.procs = append(l.procs, p)
	if spec.Output != nil {
		spec.Output("Input #0, flv, from '" + spec.SourceURL + "'")
	}
	return p, nil
}

func (l *fakeLauncher) launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) proc(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

var errNoBinary = errors.New("exec: \"ffmpeg\": executable file not found in $PATH")
