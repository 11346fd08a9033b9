package grpc

import (
	"context"
	"sync"
	"time"

	"github.com/teranos/vetta/errors"
	"github.com/teranos/vetta/module"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Proxy implements module.Module by forwarding calls to a module process.
// From the registry's perspective a Proxy is indistinguishable from a built-in module.
//
// When the Proxy launched the process itself, Refresh checks the binary on disk:
// if it changed, a replacement process is started, calls are redirected to it
// and the old process is stopped. Otherwise Refresh is forwarded over RPC.
type Proxy struct {
	name   string
	spec   *launchSpec
	logger *zap.SugaredLogger

	mu   sync.RWMutex
	proc *process
	meta module.Metadata
}

var (
	_ module.Module         = (*Proxy)(nil)
	_ module.ImageProcessor = (*Proxy)(nil)
	_ module.HealthChecker  = (*Proxy)(nil)
)

// Dial connects to a module server that is already running at target.
// The returned Proxy does not own a process; Close only closes the connection.
func Dial(ctx context.Context, name, target string, logger *zap.SugaredLogger, opts ...grpc.DialOption) (*Proxy, error) {
	proc, err := connect(ctx, target, DefaultStartTimeout, opts...)
	if err != nil {
		return nil, err
	}
	return newProxy(ctx, name, nil, proc, logger)
}

// startProxy launches the binary described by spec and connects to it
func startProxy(ctx context.Context, spec launchSpec, logger *zap.SugaredLogger) (*Proxy, error) {
	proc, err := spawn(ctx, spec, logger)
	if err != nil {
		return nil, err
	}
	return newProxy(ctx, spec.name, &spec, proc, logger)
}

func newProxy(ctx context.Context, name string, spec *launchSpec, proc *process, logger *zap.SugaredLogger) (*Proxy, error) {
	meta, err := fetchMetadata(ctx, proc.client, name)
	if err != nil {
		proc.stop(logger)
		return nil, err
	}

	logger.Infof("Connected to '%s' module v%s at %s", name, meta.Version, proc.addr)

	return &Proxy{
		name:   name,
		spec:   spec,
		logger: logger,
		proc:   proc,
		meta:   meta,
	}, nil
}

// fetchMetadata asks the module for its metadata. The configured identifier
// always wins over the name the module reports.
func fetchMetadata(ctx context.Context, client ModuleServiceClient, name string) (module.Metadata, error) {
	resp, err := client.Metadata(ctx, &emptypb.Empty{})
	if err != nil {
		return module.Metadata{}, errors.Wrapf(err, "failed to get metadata from module %s", name)
	}
	fields := resp.GetFields()
	return module.Metadata{
		Name:        name,
		Version:     fields["version"].GetStringValue(),
		Requires:    fields["requires"].GetStringValue(),
		Description: fields["description"].GetStringValue(),
	}, nil
}

func (p *Proxy) current() (*process, module.Metadata) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.proc, p.meta
}

// Metadata returns the metadata fetched at load or last refresh
func (p *Proxy) Metadata() module.Metadata {
	_, meta := p.current()
	return meta
}

// PID returns the process id of the module process, or 0 for attached servers
func (p *Proxy) PID() int {
	proc, _ := p.current()
	return proc.pid()
}

// ProcessImage forwards an image to the module
func (p *Proxy) ProcessImage(ctx context.Context, image []byte) (any, error) {
	proc, _ := p.current()
	resp, err := proc.client.ProcessImage(ctx, wrapperspb.Bytes(image))
	if err != nil {
		return nil, errors.Wrapf(err, "module %s failed to process image", p.name)
	}
	return resp.AsInterface(), nil
}

// Refresh reloads the module, replacing the process when its binary changed
func (p *Proxy) Refresh(ctx context.Context) error {
	proc, _ := p.current()

	if p.spec != nil {
		stamp, err := statBinary(p.spec.binary)
		if err != nil {
			return errors.Wrapf(err, "module binary for %s disappeared", p.name)
		}
		if proc.stamp.changed(stamp) || !proc.running() {
			return p.respawn(ctx, proc)
		}
	}

	if _, err := proc.client.Refresh(ctx, &emptypb.Empty{}); err != nil {
		return errors.Wrapf(err, "module %s refresh failed", p.name)
	}

	meta, err := fetchMetadata(ctx, proc.client, p.name)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.meta = meta
	p.mu.Unlock()
	return nil
}

// respawn starts a replacement process, redirects the proxy, then stops old
func (p *Proxy) respawn(ctx context.Context, old *process) error {
	next, err := spawn(ctx, *p.spec, p.logger)
	if err != nil {
		return errors.Wrapf(err, "failed to restart module %s", p.name)
	}
	meta, err := fetchMetadata(ctx, next.client, p.name)
	if err != nil {
		next.stop(p.logger)
		return err
	}

	p.mu.Lock()
	p.proc = next
	p.meta = meta
	p.mu.Unlock()

	p.logger.Infow("Module process replaced",
		"module", p.name,
		"old_pid", old.pid(),
		"pid", next.pid(),
		"version", meta.Version,
	)

	old.stop(p.logger)
	return nil
}

// Health reports the module's gRPC health status
func (p *Proxy) Health(ctx context.Context) module.HealthStatus {
	proc, meta := p.current()
	details := map[string]interface{}{
		"address": proc.addr,
		"version": meta.Version,
	}
	if pid := proc.pid(); pid != 0 {
		details["pid"] = pid
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	resp, err := proc.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return module.HealthStatus{Healthy: false, Message: err.Error(), Details: details}
	}
	status := resp.GetStatus()
	return module.HealthStatus{
		Healthy: status == healthpb.HealthCheckResponse_SERVING,
		Message: status.String(),
		Details: details,
	}
}

// Close closes the connection and stops the process if the proxy owns it
func (p *Proxy) Close() error {
	proc, _ := p.current()
	proc.stop(p.logger)
	return nil
}
