package device

import (
	"sync"
	"time"
)

// poller is the goroutine/channel-backed event-loop abstraction spec.md
// describes abstractly (register fd-readable / periodic-timer /
// notifier callbacks, then dispatch). Rather than wrapping a raw
// epoll/kqueue fd set, each registration here owns a goroutine that
// blocks on the real suspension point (a channel recv, a socket read, a
// ticker) and invokes its callback inline — the "dispatch loop" is
// simply those goroutines running concurrently, coordinated by a
// shared WaitGroup and cancellation channel.
type poller struct {
	wg     sync.WaitGroup
	cancel chan struct{}
	once   sync.Once
}

func newPoller() *poller {
	return &poller{cancel: make(chan struct{})}
}

// registerReadable starts a goroutine that repeatedly calls fn until
// fn reports done or the poller is closed. fn should perform one
// blocking read/drain cycle and return (done bool).
func (p *poller) registerReadable(fn func() (done bool)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.cancel:
				return
			default:
			}
			if fn() {
				return
			}
		}
	}()
}

// registerPeriodic starts a goroutine that invokes fn every interval
// until the poller is closed.
func (p *poller) registerPeriodic(interval time.Duration, fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-p.cancel:
				return
			case <-t.C:
				fn()
			}
		}
	}()
}

// notifier is a one-shot, idempotent trigger: notify() may be called
// any number of times but only ever fires its channel once per arm.
type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{})}
}

func (n *notifier) notify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	select {
	case <-n.ch:
		// already fired
	default:
		close(n.ch)
	}
}

func (n *notifier) wait() <-chan struct{} { return n.ch }

// rearm replaces the notifier's channel so it can fire again, used by
// the "yield" notifier which is triggered repeatedly across the
// device's lifetime.
func (n *notifier) rearm() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ch = make(chan struct{})
}

// registerNotifier starts a goroutine invoking fn each time n fires,
// rearming n automatically afterward (for repeatable notifiers like
// "yield"). For one-shot notifiers like "exit", pass rearm=false.
func (p *poller) registerNotifier(n *notifier, rearm bool, fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.cancel:
				return
			case <-n.wait():
				fn()
				if !rearm {
					return
				}
				n.rearm()
			}
		}
	}()
}

// close signals every registered goroutine to exit and waits for them.
func (p *poller) close() {
	p.once.Do(func() { close(p.cancel) })
	p.wg.Wait()
}
