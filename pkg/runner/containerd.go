package runner

import (
	"context"
	"fmt"
	"sort"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/openscience-archive/osa/pkg/log"
)

const (
	// DefaultNamespace is the containerd namespace for archive containers
	DefaultNamespace = "osa"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// DefaultRunTimeout bounds a run whose limits declare no timeout.
	DefaultRunTimeout = 10 * time.Minute
)

// ContainerdRunner implements Runner over containerd. Each Run pulls the
// image if needed, creates a one-shot container with the spec's bind
// mounts, waits for it to exit, and cleans the container up.
type ContainerdRunner struct {
	client    *containerd.Client
	namespace string
	logger    zerolog.Logger
}

// NewContainerdRunner connects to containerd.
func NewContainerdRunner(socketPath string) (*ContainerdRunner, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRunner{
		client:    client,
		namespace: DefaultNamespace,
		logger:    log.WithComponent("runner"),
	}, nil
}

// SetNamespace overrides the containerd namespace. No-op for an empty
// name.
func (r *ContainerdRunner) SetNamespace(namespace string) {
	if namespace != "" {
		r.namespace = namespace
	}
}

// Close closes the containerd client connection.
func (r *ContainerdRunner) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Run executes one container to completion.
func (r *ContainerdRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	timeout := DefaultRunTimeout
	if spec.Limits.TimeoutSecs > 0 {
		timeout = time.Duration(spec.Limits.TimeoutSecs) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	imageRef := spec.Image
	if spec.Digest != "" {
		imageRef = spec.Image + "@" + spec.Digest
	}
	image, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack)
	if err != nil {
		return Result{}, fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(renderEnv(spec.Env)),
	}
	if len(spec.Mounts) > 0 {
		opts = append(opts, oci.WithMounts(renderMounts(spec.Mounts)))
	}
	if spec.Limits.MemoryBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.Limits.MemoryBytes)))
	}
	if spec.Limits.CPUMillis > 0 {
		// containerd takes CPU as CFS quota against a 100ms period.
		opts = append(opts, oci.WithCPUCFS(spec.Limits.CPUMillis*100, 100000))
	}

	container, err := r.client.NewContainer(
		ctx,
		spec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		if err := container.Delete(context.WithoutCancel(ctx), containerd.WithSnapshotCleanup); err != nil {
			r.logger.Warn().Err(err).Str("container", spec.ID).Msg("Container cleanup failed")
		}
	}()

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create task: %w", err)
	}
	defer func() {
		if _, err := task.Delete(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn().Err(err).Str("container", spec.ID).Msg("Task cleanup failed")
		}
	}()

	statusC, err := task.Wait(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to wait for task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return Result{}, fmt.Errorf("failed to start task: %w", err)
	}

	r.logger.Debug().
		Str("container", spec.ID).
		Str("image", imageRef).
		Dur("timeout", timeout).
		Msg("Container started")

	select {
	case status := <-statusC:
		if err := status.Error(); err != nil {
			return Result{}, fmt.Errorf("task wait failed: %w", err)
		}
		return Result{ExitCode: status.ExitCode()}, nil
	case <-ctx.Done():
		// Timeout or cancellation: force kill, then report the cause.
		if err := task.Kill(context.WithoutCancel(ctx), syscall.SIGKILL); err != nil {
			r.logger.Warn().Err(err).Str("container", spec.ID).Msg("Kill after timeout failed")
		}
		<-statusC
		return Result{}, fmt.Errorf("container %s: %w", spec.ID, ctx.Err())
	}
}

func renderEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func renderMounts(mounts []Mount) []specs.Mount {
	out := make([]specs.Mount, 0, len(mounts))
	for _, m := range mounts {
		options := []string{"rbind"}
		if m.ReadOnly {
			options = append(options, "ro")
		} else {
			options = append(options, "rw")
		}
		out = append(out, specs.Mount{
			Source:      m.HostPath,
			Destination: m.ContainerPath,
			Type:        "bind",
			Options:     options,
		})
	}
	return out
}
