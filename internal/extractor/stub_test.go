package extractor_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quebecregistres/extracteur/internal/domain"
	"github.com/quebecregistres/extracteur/internal/extractor"
)

type storeStub struct {
	putPath string
	putData []byte
	putCT   string
	putErr  error
}

func (s *storeStub) Fetch(_ context.Context, _ string) ([]byte, error) {
	return nil, domain.ErrNotFound
}

func (s *storeStub) Put(_ context.Context, path string, data []byte, contentType string) (string, error) {
	if s.putErr != nil {
		return "", s.putErr
	}
	s.putPath = path
	s.putData = data
	s.putCT = contentType
	return path, nil
}

func stubJob() domain.Job {
	return domain.Job{
		ID:   "01JABCDEF0123456789ABCDEFG",
		Kind: domain.KindREQ,
		Source: domain.Source{
			DocType:   "index_foncier",
			DocNumber: "1234567",
		},
	}
}

func TestStub_StoresPlaceholderPDF(t *testing.T) {
	t.Parallel()
	store := &storeStub{}
	stub := extractor.NewStub(store)
	stub.Delay = 0

	path, err := stub.Run(context.Background(), stubJob())
	require.NoError(t, err)

	assert.Equal(t, "documents/req/01JABCDEF0123456789ABCDEFG.pdf", path)
	assert.Equal(t, path, store.putPath)
	assert.Equal(t, "application/pdf", store.putCT)
	assert.True(t, bytes.HasPrefix(store.putData, []byte("%PDF-1.4")))
	assert.Contains(t, string(store.putData), "1234567")
	assert.True(t, bytes.HasSuffix(bytes.TrimSpace(store.putData), []byte("%%EOF")))
}

func TestStub_EscapesTextDelimiters(t *testing.T) {
	t.Parallel()
	store := &storeStub{}
	stub := extractor.NewStub(store)
	stub.Delay = 0

	job := stubJob()
	job.Source.DocNumber = "12(3)"

	_, err := stub.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Contains(t, string(store.putData), `12\(3\)`)
}

func TestStub_StoreErrorWrapped(t *testing.T) {
	t.Parallel()
	store := &storeStub{putErr: domain.ErrStoreUnavailable}
	stub := extractor.NewStub(store)
	stub.Delay = 0

	_, err := stub.Run(context.Background(), stubJob())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "op=extractor.stub")
	assert.True(t, domain.Retryable(err))
}

func TestStub_CanceledContext(t *testing.T) {
	t.Parallel()
	stub := extractor.NewStub(&storeStub{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := stub.Run(ctx, stubJob())
	assert.ErrorIs(t, err, context.Canceled)
}
