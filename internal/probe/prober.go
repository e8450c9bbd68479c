// Package probe answers "what is actually running here": it scans a fixed set
// of web ports, resolves the owning process, fingerprints the server and
// checks that it answers HTTP.
package probe

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/leozw/certiroute/internal/command"
	"github.com/leozw/certiroute/internal/config"
	"github.com/leozw/certiroute/internal/core"
	"github.com/leozw/certiroute/internal/metrics"
)

// SnapshotCache holds the latest detection snapshot. Store replaces it
// whole.
type SnapshotCache interface {
	// Load returns nil, nil before the first scan.
	Load(ctx context.Context) (*core.DetectionSnapshot, error)
	Store(ctx context.Context, snapshot core.DetectionSnapshot) error
}

type MemoryCache struct {
	latest atomic.Pointer[core.DetectionSnapshot]
}

func (m *MemoryCache) Load(context.Context) (*core.DetectionSnapshot, error) {
	return m.latest.Load(), nil
}

func (m *MemoryCache) Store(_ context.Context, snapshot core.DetectionSnapshot) error {
	m.latest.Store(&snapshot)
	return nil
}

type Prober struct {
	cfg     config.ProbeConfig
	owners  OwnerResolver
	probes  []VersionProbe
	cache   SnapshotCache
	client  *http.Client
	metrics *metrics.Collector
	logger  *zap.Logger
	now     func() time.Time

	// one Detect at a time; concurrent scans would race on the cache swap
	detectMu sync.Mutex
}

func NewProber(cfg config.ProbeConfig, owners OwnerResolver, probes []VersionProbe, cache SnapshotCache, collector *metrics.Collector, logger *zap.Logger) *Prober {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if len(cfg.Ports) == 0 {
		cfg.Ports = []int{80, 443, 3000, 8000, 8080, 8443}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = time.Second
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = 3 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 5 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cache == nil {
		cache = &MemoryCache{}
	}
	return &Prober{
		cfg:     cfg,
		owners:  owners,
		probes:  probes,
		cache:   cache,
		client:  newLivenessClient(cfg),
		metrics: collector,
		logger:  logger.With(zap.String("component", "probe")),
		now:     time.Now,
	}
}

// NewSystemProber wires the OS process table and the stock version probes.
func NewSystemProber(cfg config.ProbeConfig, cache SnapshotCache, collector *metrics.Collector, logger *zap.Logger) *Prober {
	runner := command.NewExec(cfg.CommandTimeout)
	return NewProber(cfg, SystemOwners{}, DefaultProbes(runner), cache, collector, logger)
}

// Ports returns the candidate web ports.
func (p *Prober) Ports() []int {
	return append([]int(nil), p.cfg.Ports...)
}

func (p *Prober) isSecure(port int) bool {
	for _, s := range p.cfg.SecurePorts {
		if s == port {
			return true
		}
	}
	return false
}

// Detect scans, fingerprints every open port with bounded concurrency and
// replaces the cached snapshot with the result. It is the only writer of the
// cache.
func (p *Prober) Detect(ctx context.Context) ([]core.HostDetection, error) {
	const op = "probe.detect"

	p.detectMu.Lock()
	defer p.detectMu.Unlock()

	started := p.now()
	scan, err := p.ScanPorts(ctx, nil)
	if err != nil {
		return nil, err
	}

	detections := make([]core.HostDetection, len(scan.Open))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for i, port := range scan.Open {
		g.Go(func() error {
			detections[i] = p.detectPort(gctx, port)
			return nil
		})
	}
	_ = g.Wait()

	// A cancelled scan must not replace a complete snapshot with a partial one.
	if err := ctx.Err(); err != nil {
		return nil, core.E(core.KindExternalTransient, op, "scan interrupted", err)
	}

	snapshot := core.DetectionSnapshot{ScannedAt: p.now().UTC(), Detections: detections}
	if err := p.cache.Store(ctx, snapshot); err != nil {
		return nil, core.Storage(op, err)
	}

	took := p.now().Sub(started)
	p.metrics.RecordScan(snapshot, took)
	p.logger.Info("Host scan complete",
		zap.Ints("open", scan.Open),
		zap.Int("detections", len(detections)),
		zap.Duration("took", took),
	)
	return detections, nil
}

func (p *Prober) detectPort(ctx context.Context, port int) core.HostDetection {
	d := core.HostDetection{Port: port, IsSecure: p.isSecure(port)}

	info := p.IdentifyOwner(ctx, port)
	if info != nil {
		d.ProcessName = info.Name
		d.PID = info.PID
	} else {
		p.logger.Debug("No owning process resolved", zap.Int("port", port))
	}

	id := p.Fingerprint(ctx, port, info)
	d.ServerType = id.ServerType
	d.ServerVersion = id.ServerVersion

	d.Liveness = p.ProbeLiveness(ctx, port, d.IsSecure)
	d.LivenessStatus = core.LivenessStatusOf(d.Liveness)
	d.DetectedAt = p.now().UTC()
	return d
}

// Latest returns the most recent snapshot, empty before the first scan.
func (p *Prober) Latest(ctx context.Context) (*core.DetectionSnapshot, error) {
	snap, err := p.cache.Load(ctx)
	if err != nil {
		return nil, core.Storage("probe.latest", err)
	}
	if snap == nil {
		return &core.DetectionSnapshot{Detections: []core.HostDetection{}}, nil
	}
	return snap, nil
}
