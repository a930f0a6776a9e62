// Command framebench renders frames on a software device through pooled
// transient buffers and prints the pool state afterwards.
//
//	framebench -config bench.yaml -frames 600 -slots 3 -workers 4
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/holmberd/go-framepool"
	"github.com/holmberd/go-framepool/internal/softgpu"
)

type deviceConfig struct {
	MemoryLimit uint64        `yaml:"memory_limit"`
	Latency     time.Duration `yaml:"latency"`
	RefreshRate float64       `yaml:"refresh_rate"` // Frames per second; 0 is unpaced.
}

type benchConfig struct {
	framepool.Config `yaml:",inline"`
	Device           deviceConfig `yaml:"device"`
	MaxUpload        int          `yaml:"max_upload"`
}

func defaultBenchConfig() benchConfig {
	return benchConfig{
		Config: framepool.DefaultConfig(),
		Device: deviceConfig{
			MemoryLimit: 256 * framepool.MiB,
			Latency:     2 * time.Millisecond,
		},
		MaxUpload: 16 * framepool.KiB,
	}
}

func readBenchConfig(path string) (benchConfig, error) {
	c := defaultBenchConfig()
	if path == "" {
		return c, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return c, err
	}
	defer f.Close()

	d := yaml.NewDecoder(f)
	d.KnownFields(true)
	if err := d.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return c, fmt.Errorf("read config %s: %w", path, err)
	}
	if c.MaxUpload <= 0 {
		return c, errors.New("invalid config: max_upload must be positive")
	}
	return c, c.Validate()
}

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (default: built-in defaults)")
	frames := flag.Int("frames", 300, "Number of frames to render")
	slots := flag.Int("slots", 3, "Number of frames in flight")
	workers := flag.Int("workers", 1, "Goroutines allocating from a shared pool; 1 disables the shared pool")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed for upload sizes")
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	config, err := readBenchConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *frames < 0 || *slots <= 0 || *workers <= 0 {
		logger.Error("frames must not be negative, slots and workers must be positive")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	b := &bench{
		config:  config,
		logger:  logger,
		rng:     rand.New(rand.NewSource(*seed)),
		frames:  *frames,
		slots:   *slots,
		workers: *workers,
	}
	if err := b.run(ctx, os.Stdout); err != nil {
		logger.Error("bench failed", "error", err)
		os.Exit(1)
	}
}

type bench struct {
	config  benchConfig
	logger  *slog.Logger
	rng     *rand.Rand
	frames  int
	slots   int
	workers int
}

func (b *bench) run(ctx context.Context, out io.Writer) error {
	device := softgpu.NewDevice(softgpu.DeviceConfig{
		MemoryLimit: b.config.Device.MemoryLimit,
		Logger:      b.logger,
	})
	factory := framepool.NewDeviceBufferFactory(device, device.MemoryTypes())
	poolOpts := []framepool.PoolOption{
		framepool.WithLogger(b.logger),
		framepool.WithPoolConfig(b.config.Pool),
	}
	vertex := framepool.NewBufferPool(factory, framepool.BufferUsageVertex, poolOpts...)
	index := framepool.NewBufferPool(factory, framepool.BufferUsageIndex, poolOpts...)

	refresh := rate.Inf
	if b.config.Device.RefreshRate > 0 {
		refresh = rate.Limit(b.config.Device.RefreshRate)
	}
	surface := softgpu.NewSurface(b.slots, refresh)
	queue := softgpu.NewQueue(device, b.config.Device.Latency)
	ring := make([]framepool.FrameSlot, b.slots)
	for i := range ring {
		ring[i] = framepool.FrameSlot{Commands: softgpu.NewCommandBuffer(), Fence: softgpu.NewFence(true)}
	}
	controller, err := framepool.NewFrameController(b.config.Frame, surface, queue, ring,
		[]*framepool.BufferPool{vertex, index}, framepool.WithFrameLogger(b.logger))
	if err != nil {
		return err
	}
	defer func() {
		// Nothing may be released while the device still reads from it.
		queue.WaitIdle()
		vertex.Teardown()
		index.Teardown()
		if s := device.Stats(); s.Buffers != 0 || s.Allocations != 0 {
			b.logger.Error("device objects leaked", "buffers", s.Buffers, "allocations", s.Allocations)
		}
	}()

	if interval := b.config.Pool.TrimInterval; interval > 0 {
		trimCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			framepool.NewTrimWorker(interval, b.logger, vertex, index).Run(trimCtx)
		}()
		defer func() {
			cancel()
			<-done
		}()
	}

	start := time.Now()
	for i := range b.frames {
		if err := controller.RenderFrame(ctx, b.recordFrame(vertex, index)); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
	}
	if err := controller.WaitIdle(ctx); err != nil {
		return err
	}
	elapsed := time.Since(start)
	b.logger.Info("rendered frames",
		"frames", controller.Frames(),
		"presented", surface.Presented(),
		"elapsed", elapsed,
	)

	if b.workers > 1 {
		if err := b.hammer(ctx, factory, out); err != nil {
			return err
		}
	}

	if err := device.Hazards(); err != nil {
		return err
	}
	fmt.Fprint(out, vertex.Dump())
	fmt.Fprint(out, index.Dump())
	return nil
}

// recordFrame returns a recorder that uploads a random mesh and draws it.
func (b *bench) recordFrame(vertex, index *framepool.BufferPool) func(*framepool.Frame) error {
	return func(f *framepool.Frame) error {
		cmd, ok := f.Commands().(*softgpu.CommandBuffer)
		if !ok {
			return fmt.Errorf("unexpected command buffer %T", f.Commands())
		}
		meshes := 1 + b.rng.Intn(4)
		for range meshes {
			vertices := b.randomBytes()
			vh, err := f.Upload(vertex, vertices)
			if err != nil {
				return err
			}
			ih, err := f.Upload(index, b.randomBytes())
			if err != nil {
				return err
			}
			if err := cmd.Bind(vh); err != nil {
				return err
			}
			if err := cmd.Bind(ih); err != nil {
				return err
			}
			if err := cmd.Draw(uint32(len(vertices) / 12)); err != nil {
				return err
			}
		}
		return nil
	}
}

func (b *bench) randomBytes() []byte {
	data := make([]byte, 1+b.rng.Intn(b.config.MaxUpload))
	for i := range data {
		data[i] = byte(b.rng.Intn(256))
	}
	return data
}

// hammer runs one goroutine per worker against a shared pool, each on a slot
// of its own.
func (b *bench) hammer(ctx context.Context, factory framepool.BufferFactory, out io.Writer) error {
	shared := framepool.NewBufferPool(factory, framepool.BufferUsageUniform,
		framepool.WithLogger(b.logger), framepool.WithPoolConfig(b.config.Pool))
	defer shared.Teardown()

	g, ctx := errgroup.WithContext(ctx)
	for w := range b.workers {
		seed := b.rng.Int63()
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seed))
			for range b.frames {
				if err := ctx.Err(); err != nil {
					return err
				}
				for range 8 {
					size := uint64(1 + rng.Intn(b.config.MaxUpload))
					if _, err := shared.Allocate(w, size); err != nil {
						return fmt.Errorf("worker %d: %w", w, err)
					}
				}
				shared.FreeAll(w)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Fprint(out, shared.Dump())
	return nil
}
