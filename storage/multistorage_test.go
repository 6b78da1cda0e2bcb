package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/secretvault/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockStorageBackend implements interfaces.StorageBackend for testing
type MockStorageBackend struct {
	mock.Mock
	name string
}

func (m *MockStorageBackend) Fetch(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockStorageBackend) Store(ctx context.Context, key string, data []byte) error {
	args := m.Called(ctx, key, data)
	return args.Error(0)
}

func (m *MockStorageBackend) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockStorageBackend) Available(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

func (m *MockStorageBackend) Name() string {
	return m.name
}

func (m *MockStorageBackend) LocationURI() string {
	return "mock:" + m.name
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMultiStorageBackend_Available(t *testing.T) {
	tests := []struct {
		name     string
		backends []bool
		expected bool
	}{
		{
			name:     "all backends available",
			backends: []bool{true, true, true},
			expected: true,
		},
		{
			name:     "some backends available",
			backends: []bool{false, true, false},
			expected: true,
		},
		{
			name:     "no backends available",
			backends: []bool{false, false, false},
			expected: false,
		},
		{
			name:     "no backends",
			backends: []bool{},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var backends []interfaces.StorageBackend
			for i, available := range tt.backends {
				b := &MockStorageBackend{name: string(rune('a' + i))}
				b.On("Available", mock.Anything).Return(available).Maybe()
				backends = append(backends, b)
			}

			multi := NewMultiStorageBackend(backends, testLogger())
			assert.Equal(t, tt.expected, multi.Available(context.Background()))
		})
	}
}

func TestMultiStorageBackend_FetchFallback(t *testing.T) {
	first := &MockStorageBackend{name: "first"}
	second := &MockStorageBackend{name: "second"}
	down := &MockStorageBackend{name: "down"}

	down.On("Available", mock.Anything).Return(false)
	first.On("Available", mock.Anything).Return(true)
	first.On("Fetch", mock.Anything, "keys/a").Return(nil, errors.New("timeout"))
	second.On("Available", mock.Anything).Return(true)
	second.On("Fetch", mock.Anything, "keys/a").Return([]byte("share"), nil)

	multi := NewMultiStorageBackend([]interfaces.StorageBackend{down, first, second}, testLogger())
	data, err := multi.Fetch(context.Background(), "keys/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("share"), data)

	down.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
	first.AssertExpectations(t)
	second.AssertExpectations(t)
}

func TestMultiStorageBackend_FetchNotFound(t *testing.T) {
	a := &MockStorageBackend{name: "a"}
	b := &MockStorageBackend{name: "b"}
	for _, m := range []*MockStorageBackend{a, b} {
		m.On("Available", mock.Anything).Return(true)
		m.On("Fetch", mock.Anything, "missing").Return(nil, interfaces.ErrContentNotFound)
	}

	multi := NewMultiStorageBackend([]interfaces.StorageBackend{a, b}, testLogger())
	_, err := multi.Fetch(context.Background(), "missing")
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)
}

func TestMultiStorageBackend_Store(t *testing.T) {
	ok := &MockStorageBackend{name: "ok"}
	failing := &MockStorageBackend{name: "failing"}
	ok.On("Available", mock.Anything).Return(true)
	ok.On("Store", mock.Anything, "k", []byte("v")).Return(nil)
	failing.On("Available", mock.Anything).Return(true)
	failing.On("Store", mock.Anything, "k", []byte("v")).Return(errors.New("disk full"))

	multi := NewMultiStorageBackend([]interfaces.StorageBackend{failing, ok}, testLogger())
	require.NoError(t, multi.Store(context.Background(), "k", []byte("v")))
	ok.AssertExpectations(t)

	only := NewMultiStorageBackend([]interfaces.StorageBackend{failing}, testLogger())
	require.Error(t, only.Store(context.Background(), "k", []byte("v")))

	none := NewMultiStorageBackend(nil, testLogger())
	require.ErrorIs(t, none.Store(context.Background(), "k", []byte("v")), interfaces.ErrBackendUnavailable)
}

func TestFileBackend(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir, testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	require.True(t, b.Available(ctx))
	_, err = b.Fetch(ctx, "keys/one/party-1")
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)

	require.NoError(t, b.Store(ctx, "keys/one/party-1", []byte("share")))
	data, err := b.Fetch(ctx, "keys/one/party-1")
	require.NoError(t, err)
	require.Equal(t, []byte("share"), data)

	require.NoError(t, b.Delete(ctx, "keys/one/party-1"))
	require.NoError(t, b.Delete(ctx, "keys/one/party-1"))
	_, err = b.Fetch(ctx, "keys/one/party-1")
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)

	require.Error(t, b.Store(ctx, "../escape", []byte("x")))
}

func TestFactory(t *testing.T) {
	f := NewStorageBackendFactory(testLogger())
	dir := t.TempDir()

	backend, err := f.StorageBackendFor(interfaces.StorageBackendLocation("file://" + dir))
	require.NoError(t, err)
	require.IsType(t, &FileBackend{}, backend)

	_, err = f.StorageBackendFor("ftp://localhost:21")
	require.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	backend, err = f.StorageBackendFor("ipfs://127.0.0.1:5001/shares?timeout=5s")
	require.NoError(t, err)
	require.Equal(t, "ipfs-127.0.0.1:5001/shares", backend.Name())
	require.Equal(t, "ipfs://127.0.0.1:5001/shares", backend.LocationURI())

	_, err = f.StorageBackendFor("ipfs://127.0.0.1:5001/?timeout=soon")
	require.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	backend, err = f.StorageBackendFor("s3://AKID:SECRET@bucket/shares?region=eu-west-1&endpoint=http://127.0.0.1:9000")
	require.NoError(t, err)
	require.Equal(t, "s3-bucket", backend.Name())

	backend, err = f.StorageBackendFor("vault://127.0.0.1:8200/secret?path=tss&token=root&tls=false")
	require.NoError(t, err)
	require.Equal(t, "vault-secret-tss", backend.Name())

	multi, err := f.CreateMultiBackend([]interfaces.StorageBackendLocation{
		interfaces.StorageBackendLocation("file://" + dir + "/a"),
		interfaces.StorageBackendLocation("file://" + dir + "/b"),
		"bogus://x",
	})
	require.NoError(t, err)
	require.Equal(t, "multi-storage", multi.Name())

	ctx := context.Background()
	require.NoError(t, multi.Store(ctx, "k", []byte("v")))
	data, err := multi.Fetch(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), data)

	_, err = f.CreateMultiBackend([]interfaces.StorageBackendLocation{"bogus://x"})
	require.Error(t, err)
}
