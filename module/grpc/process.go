package grpc

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/teranos/vetta/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	// DefaultStartTimeout bounds how long a freshly launched module may take to report SERVING
	DefaultStartTimeout = 10 * time.Second

	// stopGrace is how long a module gets to exit after SIGINT before it is killed
	stopGrace = 3 * time.Second
)

// launchSpec describes how to start one module binary
type launchSpec struct {
	name         string
	binary       string
	args         []string
	env          map[string]string
	startTimeout time.Duration
}

// binaryStamp identifies a version of a binary on disk
type binaryStamp struct {
	modTime time.Time
	size    int64
}

// changed reports whether the binary was rebuilt or replaced since s
func (s binaryStamp) changed(now binaryStamp) bool {
	return !s.modTime.Equal(now.modTime) || s.size != now.size
}

func statBinary(path string) (binaryStamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return binaryStamp{}, err
	}
	return binaryStamp{modTime: info.ModTime(), size: info.Size()}, nil
}

// process is one running module binary plus the connection to it.
// A process built by connect (no cmd) is a connection to a server vetta did not start.
type process struct {
	cmd    *exec.Cmd
	done   chan struct{}
	stamp  binaryStamp
	addr   string
	conn   *grpc.ClientConn
	client ModuleServiceClient
	health healthpb.HealthClient

	stopOnce sync.Once
}

// spawn launches the module binary on a free port and waits until it is serving
func spawn(ctx context.Context, spec launchSpec, logger *zap.SugaredLogger) (*process, error) {
	stamp, err := statBinary(spec.binary)
	if err != nil {
		return nil, errors.Wrapf(err, "module binary not found for %s: %s", spec.name, spec.binary)
	}

	port, err := freePort()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate port for module %s", spec.name)
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	args := append([]string{"--port", strconv.Itoa(port)}, spec.args...)

	// Not CommandContext: the process must outlive the reload that started it
	cmd := exec.Command(spec.binary, args...)
	cmd.Env = os.Environ()
	for key, value := range spec.env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}
	cmd.Stdout = &processLogger{logger: logger, name: spec.name, level: "info"}
	cmd.Stderr = &processLogger{logger: logger, name: spec.name, level: "error"}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start module %s (binary=%s, args=%v)",
			spec.name, spec.binary, args)
	}

	p := &process{cmd: cmd, done: make(chan struct{}), stamp: stamp, addr: addr}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()

	if err := p.dial(addr); err != nil {
		p.stop(logger)
		return nil, err
	}

	timeout := spec.startTimeout
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	if err := p.waitReady(ctx, timeout); err != nil {
		p.stop(logger)
		return nil, errors.Wrapf(err, "module %s did not become ready", spec.name)
	}

	logger.Debugw("Module process started", "module", spec.name, "pid", cmd.Process.Pid, "address", addr)
	return p, nil
}

// connect attaches to a module server that is already running
func connect(ctx context.Context, addr string, timeout time.Duration, opts ...grpc.DialOption) (*process, error) {
	p := &process{addr: addr}
	if err := p.dial(addr, opts...); err != nil {
		return nil, err
	}
	if err := p.waitReady(ctx, timeout); err != nil {
		p.conn.Close()
		return nil, errors.Wrapf(err, "module at %s did not become ready", addr)
	}
	return p, nil
}

func (p *process) dial(addr string, opts ...grpc.DialOption) error {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return errors.Wrapf(err, "failed to create client for %s", addr)
	}
	p.conn = conn
	p.client = NewModuleServiceClient(conn)
	p.health = healthpb.NewHealthClient(conn)
	return nil
}

// waitReady polls the health service until the module reports SERVING
func (p *process) waitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.exited():
			return errors.Newf("module process exited during startup (%s)", p.cmd.ProcessState)
		default:
		}

		checkCtx, cancel := context.WithTimeout(ctx, time.Second)
		resp, err := p.health.Check(checkCtx, &healthpb.HealthCheckRequest{Service: ServiceName})
		cancel()
		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			return nil
		}

		time.Sleep(100 * time.Millisecond)
	}

	return errors.Newf("timeout waiting for module at %s", p.addr)
}

// exited is closed once a launched process has exited. Never closes for attached servers.
func (p *process) exited() <-chan struct{} {
	if p.done == nil {
		return nil
	}
	return p.done
}

func (p *process) running() bool {
	if p.done == nil {
		return true
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *process) pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// stop closes the connection and terminates the process: SIGINT first, SIGKILL after stopGrace
func (p *process) stop(logger *zap.SugaredLogger) {
	p.stopOnce.Do(func() {
		if p.conn != nil {
			p.conn.Close()
		}
		if p.cmd == nil || p.cmd.Process == nil {
			return
		}

		if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
			p.cmd.Process.Kill()
		}
		select {
		case <-p.done:
		case <-time.After(stopGrace):
			logger.Warnw("Module process did not exit after interrupt, killing", "pid", p.pid())
			p.cmd.Process.Kill()
			<-p.done
		}
	})
}

// freePort asks the kernel for an unused loopback port
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// processLogger forwards module output line by line
type processLogger struct {
	logger *zap.SugaredLogger
	name   string
	level  string

	mu  sync.Mutex
	buf strings.Builder
}

func (l *processLogger) Write(p []byte) (n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf.Write(p)
	for {
		line, rest, found := strings.Cut(l.buf.String(), "\n")
		if !found {
			break
		}
		l.buf.Reset()
		l.buf.WriteString(rest)

		if line = strings.TrimSpace(line); line != "" {
			if l.level == "error" {
				l.logger.Errorw("Module output", "module", l.name, "message", line)
			} else {
				l.logger.Infow("Module output", "module", l.name, "message", line)
			}
		}
	}
	return len(p), nil
}
