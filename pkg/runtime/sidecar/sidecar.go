// Package sidecar runs the SDXL engine as a child process and talks to it over HTTP.
package sidecar

import (
	"context"
	"fmt"
	"image"
	"os"
	"strings"
	"time"

	"github.com/hpcloud/tail"
	process "github.com/mudler/go-processmanager"
	"github.com/mudler/sdxl-worker/pkg/model"
	"github.com/mudler/xlog"
	"github.com/phayes/freeport"
)

// Runtime implements model.Runtime against a sidecar. When it started the
// process itself, Close stops it.
type Runtime struct {
	client  *Client
	process *process.Process
	tails   []*tail.Tail
	address string
}

// Dial connects to an already running sidecar without checking it.
func Dial(baseURL string) *Runtime {
	return &Runtime{client: NewClient(baseURL), address: baseURL}
}

// Connect dials a sidecar managed outside this process and waits for it to report healthy.
func Connect(ctx context.Context, baseURL string, startupTimeout time.Duration) (*Runtime, error) {
	r := Dial(baseURL)
	if err := r.client.WaitHealthy(ctx, startupTimeout); err != nil {
		return nil, err
	}
	xlog.Info("sidecar ready", "address", baseURL)
	return r, nil
}

// Start launches command on a free local port and waits for it to report healthy.
// The sidecar receives "--addr host:port" after args.
func Start(ctx context.Context, command string, args []string, startupTimeout time.Duration) (*Runtime, error) {
	if command == "" {
		return nil, fmt.Errorf("sidecar command is not set")
	}
	port, err := freeport.GetFreePort()
	if err != nil {
		return nil, fmt.Errorf("failed allocating free port: %w", err)
	}
	serverAddress := fmt.Sprintf("127.0.0.1:%d", port)

	xlog.Debug("starting sidecar", "command", command, "address", serverAddress)

	p := process.New(
		process.WithTemporaryStateDir(),
		process.WithName(command),
		process.WithArgs(append(append([]string{}, args...), "--addr", serverAddress)...),
		process.WithEnvironment(os.Environ()...),
	)
	if err := p.Run(); err != nil {
		return nil, fmt.Errorf("failed starting sidecar: %w", err)
	}
	xlog.Debug("sidecar state dir", "dir", p.StateDir())

	r := &Runtime{
		client:  NewClient("http://" + serverAddress),
		process: p,
		address: serverAddress,
	}
	for stream, path := range map[string]string{"stderr": p.StderrPath(), "stdout": p.StdoutPath()} {
		if t := follow(path, serverAddress, stream); t != nil {
			r.tails = append(r.tails, t)
		}
	}
	if err := r.client.WaitHealthy(ctx, startupTimeout); err != nil {
		_ = r.Close()
		return nil, err
	}
	xlog.Info("sidecar ready", "address", serverAddress)
	return r, nil
}

// follow forwards the lines of a sidecar log file to the debug log until the tail is stopped.
func follow(path, address, stream string) *tail.Tail {
	t, err := tail.TailFile(path, tail.Config{Follow: true})
	if err != nil {
		xlog.Debug("could not tail sidecar output", "stream", stream, "error", err)
		return nil
	}
	go func() {
		for line := range t.Lines {
			xlog.Debug("sidecar", "address", address, "stream", stream, "line", strings.TrimRight(line.Text, "\r"))
		}
	}()
	return t
}

func (r *Runtime) Address() string {
	return r.address
}

func (r *Runtime) Load(ctx context.Context, location string, opts model.LoadOptions) (model.Pipeline, error) {
	var res loadResponse
	if err := r.client.post(ctx, "/load", loadRequest{Location: location, LoadOptions: opts}, &res); err != nil {
		return nil, err
	}
	if res.Handle == "" {
		return nil, fmt.Errorf("/load: sidecar returned no handle")
	}
	return &Pipeline{client: r.client, handle: res.Handle}, nil
}

func (r *Runtime) EmptyCache() {
	if err := r.client.post(context.Background(), "/empty_cache", struct{}{}, nil); err != nil {
		xlog.Warn("failed to empty device cache", "error", err)
	}
}

func (r *Runtime) Close() error {
	for _, t := range r.tails {
		if err := t.Stop(); err != nil {
			xlog.Debug("failed stopping sidecar log tail", "file", t.Filename, "error", err)
		}
		t.Cleanup()
	}
	r.tails = nil

	if r.process == nil {
		return nil
	}
	xlog.Debug("stopping sidecar", "address", r.address)
	err := r.process.Stop()
	r.process = nil
	return err
}

type Pipeline struct {
	client *Client
	handle string
}

func (p *Pipeline) UseScheduler(name string) error {
	return p.client.post(context.Background(), "/scheduler", handleRequest{Handle: p.handle, Name: name}, nil)
}

func (p *Pipeline) To(device model.Device) error {
	return p.client.post(context.Background(), "/to", handleRequest{Handle: p.handle, Device: string(device)}, nil)
}

func (p *Pipeline) toggle(name string) error {
	return p.client.post(context.Background(), "/toggle", handleRequest{Handle: p.handle, Name: name}, nil)
}

func (p *Pipeline) EnableAttentionSlicing() error { return p.toggle("attention_slicing") }

func (p *Pipeline) EnableModelCPUOffload() error { return p.toggle("model_cpu_offload") }

func (p *Pipeline) EnableMemoryEfficientAttention() error {
	return p.toggle("memory_efficient_attention")
}

func (p *Pipeline) Generate(ctx context.Context, params model.GenerateParams) ([]image.Image, error) {
	var res generateResponse
	if err := p.client.post(ctx, "/generate", generateRequest{Handle: p.handle, GenerateParams: params}, &res); err != nil {
		return nil, err
	}
	return decodeImages(res.Images)
}

func (p *Pipeline) Release() error {
	return p.client.post(context.Background(), "/release", handleRequest{Handle: p.handle}, nil)
}
