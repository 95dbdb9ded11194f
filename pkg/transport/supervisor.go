package transport

import (
	"context"
	"sync"
)

// link is one live connection of a backend.
type link interface {
	// serve reads from the connection until it fails or is closed.
	serve() error
	close() error
}

// supervisor keeps a backend's link up: it dials with the retry policy,
// serves until the link drops and dials again. It gives up after a full round
// of failed attempts; Connect starts it again.
type supervisor struct {
	opts Options
	d    *dispatcher
	dial func(context.Context) (link, error)
	// up and down are called as the link comes and goes, before state hooks.
	up   func(link)
	down func(error)

	mu        sync.Mutex
	running   bool
	connected bool
	current   link
	cancel    context.CancelFunc
	done      chan struct{}
}

// Connect starts the supervisor and waits until the first link is up or the
// first round of attempts fails.
func (s *supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	first := make(chan error, 1)
	go s.run(runCtx, first)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *supervisor) run(ctx context.Context, first chan<- error) {
	defer close(s.done)
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	reported := false
	for {
		l, err := retry(ctx, s.opts.ReconnectAttempts, s.opts.ReconnectBackoff, s.d.logger, s.dial)
		if err != nil {
			if !reported {
				first <- err
			}
			s.d.logger.WithError(err).Warn("Giving up on event channel")
			return
		}
		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			_ = l.close()
			if !reported {
				first <- ctx.Err()
			}
			return
		}
		s.current = l
		s.connected = true
		s.mu.Unlock()
		if s.up != nil {
			s.up(l)
		}
		s.d.notifyState(true)
		s.d.logger.Debug("Event channel up")
		if !reported {
			first <- nil
			reported = true
		}

		serveErr := l.serve()

		s.mu.Lock()
		s.current = nil
		s.connected = false
		s.mu.Unlock()
		_ = l.close()
		if s.down != nil {
			s.down(serveErr)
		}
		s.d.notifyState(false)

		if ctx.Err() != nil {
			return
		}
		s.d.logger.WithError(serveErr).Info("Event channel lost, reconnecting")
	}
}

// Connected reports whether a link is up.
func (s *supervisor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Close stops the supervisor and waits for its goroutine to exit.
func (s *supervisor) Close() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	done, current := s.done, s.current
	s.mu.Unlock()

	if current != nil {
		_ = current.close()
	}
	<-done
	return nil
}
