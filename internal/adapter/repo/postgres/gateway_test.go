package postgres_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quebecregistres/extracteur/internal/adapter/repo/postgres"
	"github.com/quebecregistres/extracteur/internal/domain"
)

func newStore(env domain.Environment, pool *poolStub) *postgres.Store {
	return &postgres.Store{
		Env:     env,
		Queue:   postgres.NewQueueRepo(pool, env),
		Workers: postgres.NewWorkerRepo(pool, env),
	}
}

func TestNewGateway_PreservesOrderAndDedupes(t *testing.T) {
	t.Parallel()
	dev := newStore(domain.EnvDev, &poolStub{})
	staging := newStore(domain.EnvStaging, &poolStub{})
	devAgain := newStore(domain.EnvDev, &poolStub{})

	g := postgres.NewGateway(dev, staging, nil, devAgain)
	assert.Equal(t, []domain.Environment{domain.EnvDev, domain.EnvStaging}, g.Environments())
}

func TestGateway_EnvironmentsReturnsCopy(t *testing.T) {
	t.Parallel()
	g := postgres.NewGateway(newStore(domain.EnvDev, &poolStub{}), newStore(domain.EnvProd, &poolStub{}))

	envs := g.Environments()
	envs[0] = domain.EnvStaging
	assert.Equal(t, []domain.Environment{domain.EnvDev, domain.EnvProd}, g.Environments())
}

func TestGateway_UnknownEnvironment(t *testing.T) {
	t.Parallel()
	g := postgres.NewGateway(newStore(domain.EnvDev, &poolStub{}))

	_, err := g.ClaimNext(context.Background(), domain.EnvProd, "w-1", []domain.Kind{domain.KindExtraction})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = g.Heartbeat(context.Background(), domain.EnvProd, domain.Worker{ID: "w-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGateway_ClaimPassesThrough(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	g := postgres.NewGateway(newStore(domain.EnvDev, pool))

	j, err := g.ClaimNext(context.Background(), domain.EnvDev, "w-1", []domain.Kind{domain.KindExtraction})
	require.NoError(t, err)
	assert.Nil(t, j)
	assert.Len(t, pool.calls, 1, "claims never retry; absent work is not a failure")
}

func TestGateway_WriteRetriesTransientError(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execErrs: []error{assert.AnError}}
	g := postgres.NewGateway(newStore(domain.EnvDev, pool))

	err := g.Heartbeat(context.Background(), domain.EnvDev, domain.Worker{ID: "w-1"})
	require.NoError(t, err)
	assert.Len(t, pool.calls, 2, "the transient failure is retried")
}

func TestGateway_WriteConflictIsPermanent(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execTags: []pgconn.CommandTag{tagUpdated(0)}}
	g := postgres.NewGateway(newStore(domain.EnvDev, pool))

	out := domain.Outcome{Phase: domain.PhaseExtraction, WorkerID: "w-late"}
	err := g.ReportSuccess(context.Background(), domain.EnvDev, "01JOB", out)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Len(t, pool.calls, 1, "ownership conflicts never retry")
}

func TestGateway_WriteGivesUpAfterBudget(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execErrs: []error{assert.AnError, assert.AnError, assert.AnError}}
	g := postgres.NewGateway(newStore(domain.EnvDev, pool))

	err := g.MarkOffline(context.Background(), domain.EnvDev, "w-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Len(t, pool.calls, 3)
}

func TestGateway_EnqueueReturnsID(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	g := postgres.NewGateway(newStore(domain.EnvStaging, pool))

	id, err := g.Enqueue(context.Background(), domain.EnvStaging, domain.KindOCRActe,
		domain.Source{DocType: "acte", DocNumber: "998877"}, 0)
	require.NoError(t, err)
	assert.Len(t, id, 26)
}
