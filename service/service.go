// Package service gives long running components a start-once, stop-once lifecycle.
package service

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	logging "github.com/sirupsen/logrus"
)

// ServiceCore is implemented by each component.
type ServiceCore interface {
	Name() string
	OnStart(ctx context.Context) error
	OnStop() error
}

/*
BaseService guarantees that OnStart and OnStop run at most once. Starting an already
started service and stopping an already stopped one are no-ops. A service that was
stopped before it started never starts.

	svc := NewBaseService(NewRunner("coordinator", coord.Run))
	svc.Start(ctx) // calls OnStart
	svc.Stop()     // calls OnStop
*/
type BaseService struct {
	name    string
	start   uint32 // atomic
	started uint32 // atomic
	stopped uint32 // atomic
	quit    chan struct{}

	impl ServiceCore
}

func NewBaseService(impl ServiceCore) *BaseService {
	return &BaseService{
		name: impl.Name(),
		quit: make(chan struct{}),
		impl: impl,
	}
}

func (bs *BaseService) Name() string {
	return bs.name
}

// Start reports whether this call started the service.
func (bs *BaseService) Start(ctx context.Context) (bool, error) {
	if !atomic.CompareAndSwapUint32(&bs.start, 0, 1) {
		logging.WithField("service", bs.name).Debug("not starting service -- already started")
		return false, nil
	}
	if atomic.LoadUint32(&bs.stopped) == 1 {
		logging.WithField("service", bs.name).Info("not starting service -- already stopped")
		return false, nil
	}
	logging.WithField("service", bs.name).Info("starting service")
	if err := bs.impl.OnStart(ctx); err != nil {
		// revert flag
		atomic.StoreUint32(&bs.start, 0)
		return false, errors.Wrapf(err, "could not start %s", bs.name)
	}
	atomic.StoreUint32(&bs.started, 1)
	return true, nil
}

// Stop reports whether this call stopped the service.
func (bs *BaseService) Stop() bool {
	if !atomic.CompareAndSwapUint32(&bs.stopped, 0, 1) {
		logging.WithField("service", bs.name).Debug("stopping service (ignoring: already stopped)")
		return false
	}
	logging.WithField("service", bs.name).Info("stopping service")
	if atomic.LoadUint32(&bs.started) == 1 {
		if err := bs.impl.OnStop(); err != nil {
			logging.WithField("service", bs.name).WithError(err).Error("could not stop service")
		}
	}
	close(bs.quit)
	return true
}

func (bs *BaseService) IsRunning() bool {
	return atomic.LoadUint32(&bs.started) == 1 && atomic.LoadUint32(&bs.stopped) == 0
}

func (bs *BaseService) String() string {
	return bs.name
}

// Wait blocks until the service is stopped.
func (bs *BaseService) Wait() {
	<-bs.quit
}

// Runner adapts a blocking Run(ctx) loop, as the coordinator, signer and transports have,
// to ServiceCore.
type Runner struct {
	name   string
	run    func(ctx context.Context) error
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
	// OnExit is called when run returns by itself, e.g. because the transport closed.
	OnExit func(err error)
}

func NewRunner(name string, run func(ctx context.Context) error) *Runner {
	return &Runner{name: name, run: run}
}

func (r *Runner) Name() string { return r.name }

func (r *Runner) OnStart(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		err := r.run(ctx)
		if err != nil && errors.Cause(err) != context.Canceled {
			logging.WithField("service", r.name).WithError(err).Error("service exited")
		}
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		if ctx.Err() == nil && r.OnExit != nil {
			r.OnExit(err)
		}
	}()
	return nil
}

func (r *Runner) OnStop() error {
	r.cancel()
	<-r.done
	return nil
}

// Err is what the loop returned, once it has returned.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Registry starts services in registration order and stops them in reverse.
type Registry struct {
	mu       sync.Mutex
	services []*BaseService
}

func NewRegistry(services ...*BaseService) *Registry {
	return &Registry{services: services}
}

func (r *Registry) Register(s *BaseService) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services = append(r.services, s)
}

// StartAll stops whatever already started when one service fails to start.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	services := append([]*BaseService(nil), r.services...)
	r.mu.Unlock()
	for i, s := range services {
		if _, err := s.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				services[j].Stop()
			}
			return err
		}
	}
	return nil
}

func (r *Registry) StopAll() {
	r.mu.Lock()
	services := append([]*BaseService(nil), r.services...)
	r.mu.Unlock()
	for i := len(services) - 1; i >= 0; i-- {
		services[i].Stop()
	}
}

func (r *Registry) Get(name string) (*BaseService, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.services {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}
