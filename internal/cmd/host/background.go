package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sagemathinc/project-host/internal/codex"
	"github.com/sagemathinc/project-host/internal/conat"
	"github.com/sagemathinc/project-host/internal/core"
	"github.com/sagemathinc/project-host/internal/fsserve"
	"github.com/sagemathinc/project-host/internal/lro"
	"github.com/sagemathinc/project-host/internal/master"
	"github.com/sagemathinc/project-host/internal/proxy"
	"github.com/sagemathinc/project-host/internal/transport"
)

// aclEvictionInterval is the interval at which the authorizer drops
// expired decision and collaborator cache entries.
const aclEvictionInterval = time.Minute

// lroSweepInterval is the interval at which the operation runtime
// expires overdue operations and evicts old terminal ones.
const lroSweepInterval = time.Minute

// revocationSweepInterval is the interval at which the proxy rechecks
// live websockets against the revocation table. A revoked socket
// closes within one interval of the revocation landing.
const revocationSweepInterval = 30 * time.Second

// BackgroundListeners groups the periodic maintenance loops and the
// local bus services that participate in the managed lifecycle.
type BackgroundListeners []transport.Listener

// ProvideBackgroundListeners constructs the background transport
// listeners. Centralising construction here keeps the Host struct free
// of concrete infrastructure types.
func ProvideBackgroundListeners(auth *core.Authorizer, ops *lro.Runtime, prox *proxy.Handler, srv *conat.Server, control *master.Control, files *fsserve.Service, opsSvc *lro.Service, codexSvc *codex.Service) BackgroundListeners {
	return BackgroundListeners{
		&aclEvictionListener{auth: auth},
		&lroSweeperListener{ops: ops},
		&revocationSweepListener{prox: prox},
		&busServicesListener{srv: srv, services: []*conat.Service{
			control.Definition(),
			files.Definition(),
			opsSvc.Definition(),
			codexSvc.Definition(),
		}},
	}
}

// aclEvictionListener adapts Authorizer.StartEvictionLoop to the
// transport.Listener interface so it participates in the managed
// lifecycle alongside other servers.
type aclEvictionListener struct {
	auth *core.Authorizer
}

func (l *aclEvictionListener) Start(ctx context.Context) error {
	l.auth.StartEvictionLoop(ctx, aclEvictionInterval)
	return nil
}

func (l *aclEvictionListener) Stop(_ context.Context) error {
	return nil // evictor stops when its context is cancelled
}

// lroSweeperListener adapts Runtime.StartSweeper to the
// transport.Listener interface.
type lroSweeperListener struct {
	ops *lro.Runtime
}

func (l *lroSweeperListener) Start(ctx context.Context) error {
	l.ops.StartSweeper(ctx, lroSweepInterval)
	return nil
}

func (l *lroSweeperListener) Stop(_ context.Context) error {
	return nil // sweeper stops when its context is cancelled
}

// revocationSweepListener adapts Handler.StartRevocationSweep to the
// transport.Listener interface.
type revocationSweepListener struct {
	prox *proxy.Handler
}

func (l *revocationSweepListener) Start(ctx context.Context) error {
	l.prox.StartRevocationSweep(ctx, revocationSweepInterval)
	return nil
}

func (l *revocationSweepListener) Stop(_ context.Context) error {
	return nil // sweep stops when its context is cancelled
}

// busServicesListener serves the host's bus services over an
// in-process hub connection: the control service, the per-project file
// and operation services, and the codex credential service.
type busServicesListener struct {
	srv      *conat.Server
	services []*conat.Service

	mu     sync.Mutex
	client *conat.Client
}

func (l *busServicesListener) Start(ctx context.Context) error {
	client := l.srv.InProcess(core.Hub())
	l.mu.Lock()
	l.client = client
	l.mu.Unlock()

	for _, svc := range l.services {
		if err := client.Serve(ctx, svc); err != nil {
			return fmt.Errorf("serve %s: %w", svc.Subject, err)
		}
	}
	<-ctx.Done()
	return nil
}

func (l *busServicesListener) Stop(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client != nil {
		return l.client.Close()
	}
	return nil
}
