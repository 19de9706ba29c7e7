package app

import (
	"context"
	"fmt"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quebecregistres/extracteur/internal/adapter/blobstore"
	"github.com/quebecregistres/extracteur/internal/adapter/repo/postgres"
	"github.com/quebecregistres/extracteur/internal/config"
	"github.com/quebecregistres/extracteur/internal/domain"
	"github.com/quebecregistres/extracteur/internal/extractor"
	"github.com/quebecregistres/extracteur/internal/ocr"
	"github.com/quebecregistres/extracteur/internal/worker"
)

// Stores bundles one process's per-environment backing services: pgx pools
// behind the queue gateway, blob store clients, and the OCR polling flags.
type Stores struct {
	Gateway  *postgres.Gateway
	Pools    map[domain.Environment]*pgxpool.Pool
	Blobs    map[domain.Environment]*blobstore.Client
	OCRFlags map[domain.Environment]bool
}

// Close releases every environment's pool.
func (s *Stores) Close() {
	for _, p := range s.Pools {
		p.Close()
	}
}

// ReadinessTargets converts the concrete per-environment stores into the
// Pinger maps the readiness checks take.
func (s *Stores) ReadinessTargets() (dbs, blobs map[domain.Environment]Pinger) {
	dbs = make(map[domain.Environment]Pinger, len(s.Pools))
	for env, p := range s.Pools {
		dbs[env] = p
	}
	blobs = make(map[domain.Environment]Pinger, len(s.Blobs))
	for env, b := range s.Blobs {
		blobs[env] = b
	}
	return dbs, blobs
}

// BuildStores connects every configured environment. Each environment must
// carry a storage URL alongside its database; catching the gap here fails
// the process at startup instead of on its first artifact write. Only the
// supervisor migrates; the monitor connects to whatever schema is there.
func BuildStores(ctx context.Context, cfg config.Config, migrate bool) (*Stores, error) {
	out := &Stores{
		Pools:    map[domain.Environment]*pgxpool.Pool{},
		Blobs:    map[domain.Environment]*blobstore.Client{},
		OCRFlags: map[domain.Environment]bool{},
	}
	var stores []*postgres.Store
	for _, t := range cfg.Environments() {
		if t.StorageURL == "" {
			out.Close()
			return nil, fmt.Errorf("op=app.stores env=%s: no storage url configured", t.Name)
		}
		pool, err := postgres.NewPool(ctx, t.DBURL)
		if err != nil {
			out.Close()
			return nil, fmt.Errorf("op=app.stores env=%s: %w", t.Name, err)
		}
		if migrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				pool.Close()
				out.Close()
				return nil, fmt.Errorf("op=app.stores env=%s: %w", t.Name, err)
			}
		}
		out.Pools[t.Name] = pool
		out.Blobs[t.Name] = blobstore.New(t.StorageURL, t.ServiceKey)
		out.OCRFlags[t.Name] = t.OCREnabled
		stores = append(stores, postgres.NewStore(t.Name, pool))
		slog.Info("environment connected",
			slog.String("environment", string(t.Name)),
			slog.Bool("ocr_enabled", t.OCREnabled))
	}
	out.Gateway = postgres.NewGateway(stores...)
	return out, nil
}

// EnvExtractor routes a job to the executor bound to its environment.
// Extraction artifacts must land in the store of the environment the job
// was claimed from.
type EnvExtractor struct {
	byEnv map[domain.Environment]domain.Extractor
}

func NewEnvExtractor(byEnv map[domain.Environment]domain.Extractor) *EnvExtractor {
	return &EnvExtractor{byEnv: byEnv}
}

// Run implements domain.Extractor.
func (e *EnvExtractor) Run(ctx context.Context, job domain.Job) (string, error) {
	ex, ok := e.byEnv[job.Environment]
	if !ok {
		return "", fmt.Errorf("op=app.extractor env=%s: no executor for environment: %w",
			job.Environment, domain.ErrInvalidArgument)
	}
	return ex.Run(ctx, job)
}

// EnvProcessor routes OCR work to the pipeline reading from the job's
// environment store.
type EnvProcessor struct {
	byEnv map[domain.Environment]worker.DocumentProcessor
}

func NewEnvProcessor(byEnv map[domain.Environment]worker.DocumentProcessor) *EnvProcessor {
	return &EnvProcessor{byEnv: byEnv}
}

// Process implements worker.DocumentProcessor.
func (p *EnvProcessor) Process(ctx context.Context, job domain.Job) (ocr.Result, error) {
	proc, ok := p.byEnv[job.Environment]
	if !ok {
		return ocr.Result{}, fmt.Errorf("op=app.ocr env=%s: no pipeline for environment: %w",
			job.Environment, domain.ErrInvalidArgument)
	}
	return proc.Process(ctx, job)
}

// BuildStubRegistry wires the deterministic stub executor for every job kind
// in every environment. Deployments with real site automations replace this
// wiring at startup; the platform only owns the kind map.
func BuildStubRegistry(blobs map[domain.Environment]*blobstore.Client) *extractor.Registry {
	byEnv := map[domain.Environment]domain.Extractor{}
	for env, blob := range blobs {
		byEnv[env] = extractor.NewStub(blob)
	}
	router := NewEnvExtractor(byEnv)

	reg := extractor.NewRegistry()
	for _, kind := range domain.Kinds() {
		reg.Register(kind, router)
	}
	return reg
}
