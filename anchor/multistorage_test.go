package anchor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/certificate-ledger/interfaces"
)

// MockStorageBackend implements interfaces.StorageBackend for testing
type MockStorageBackend struct {
	mock.Mock
	name string
}

func (m *MockStorageBackend) Fetch(ctx context.Context, id interfaces.ContentID) ([]byte, error) {
	args := m.Called(ctx, id)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockStorageBackend) Store(ctx context.Context, data []byte) (interfaces.ContentID, error) {
	args := m.Called(ctx, data)
	return args.Get(0).(interfaces.ContentID), args.Error(1)
}

func (m *MockStorageBackend) Available(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *MockStorageBackend) Name() string {
	return m.name
}

func (m *MockStorageBackend) LocationURI() string {
	return "mock://" + m.name
}

// backendStub describes one mocked backend: whether it is up and what it answers.
type backendStub struct {
	up   bool
	data []byte
	id   interfaces.ContentID
	err  error
}

func mockBackends(op string, stubs []backendStub) ([]interfaces.StorageBackend, []*MockStorageBackend) {
	var backends []interfaces.StorageBackend
	var mocks []*MockStorageBackend
	for i, s := range stubs {
		m := &MockStorageBackend{name: string(rune('a' + i))}
		m.On("Available", mock.Anything).Return(s.up).Maybe()
		switch op {
		case "fetch":
			m.On("Fetch", mock.Anything, mock.Anything).Return(s.data, s.err).Maybe()
		case "store":
			m.On("Store", mock.Anything, mock.Anything).Return(s.id, s.err).Maybe()
		}
		backends = append(backends, m)
		mocks = append(mocks, m)
	}
	return backends, mocks
}

func TestMultiStorageBackend_Available(t *testing.T) {
	tests := []struct {
		name     string
		up       []bool
		expected bool
	}{
		{"all up", []bool{true, true}, true},
		{"one up", []bool{false, true, false}, true},
		{"all down", []bool{false, false}, false},
		{"no backends", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stubs []backendStub
			for _, up := range tt.up {
				stubs = append(stubs, backendStub{up: up})
			}
			backends, _ := mockBackends("", stubs)
			assert.Equal(t, tt.expected, NewMultiStorageBackend(backends, testLogger()).Available(context.Background()))
		})
	}
}

func TestMultiStorageBackend_Fetch(t *testing.T) {
	id := interfaces.ComputeID([]byte("blob"))
	blob := []byte("blob")
	boom := errors.New("connection reset")

	tests := []struct {
		name      string
		stubs     []backendStub
		expected  []byte
		expectErr error
		skipped   []int
	}{
		{
			name:     "first hit wins",
			stubs:    []backendStub{{up: true, data: blob}, {up: true, data: []byte("other")}},
			expected: blob,
			skipped:  []int{1},
		},
		{
			name:     "falls back after a miss",
			stubs:    []backendStub{{up: true, err: interfaces.ErrContentNotFound}, {up: true, data: blob}},
			expected: blob,
		},
		{
			name:     "unavailable backends are skipped",
			stubs:    []backendStub{{up: false}, {up: true, data: blob}},
			expected: blob,
			skipped:  []int{0},
		},
		{
			name:      "missing everywhere is not found",
			stubs:     []backendStub{{up: true, err: interfaces.ErrContentNotFound}, {up: false}, {up: true, err: interfaces.ErrContentNotFound}},
			expectErr: interfaces.ErrContentNotFound,
		},
		{
			name:      "a failing backend makes the miss inconclusive",
			stubs:     []backendStub{{up: true, err: interfaces.ErrContentNotFound}, {up: true, err: boom}},
			expectErr: interfaces.ErrBackendUnavailable,
		},
		{
			name:      "nothing reachable",
			stubs:     []backendStub{{up: false}, {up: false}},
			expectErr: interfaces.ErrBackendUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends, mocks := mockBackends("fetch", tt.stubs)
			data, err := NewMultiStorageBackend(backends, testLogger()).Fetch(context.Background(), id)

			if tt.expectErr != nil {
				assert.ErrorIs(t, err, tt.expectErr)
				assert.Nil(t, data)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expected, data)
			}
			for _, i := range tt.skipped {
				mocks[i].AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
			}
		})
	}
}

func TestMultiStorageBackend_Store(t *testing.T) {
	data := []byte("blob")
	id := interfaces.ComputeID(data)
	boom := errors.New("access denied")

	tests := []struct {
		name      string
		stubs     []backendStub
		expectErr bool
		skipped   []int
	}{
		{
			name:  "written to every backend",
			stubs: []backendStub{{up: true, id: id}, {up: true, id: id}},
		},
		{
			name:  "partial failure still succeeds",
			stubs: []backendStub{{up: true, err: boom}, {up: true, id: id}},
		},
		{
			name:    "unavailable backends are skipped",
			stubs:   []backendStub{{up: false}, {up: true, id: id}},
			skipped: []int{0},
		},
		{
			name:      "all fail",
			stubs:     []backendStub{{up: true, err: boom}, {up: true, err: boom}},
			expectErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends, mocks := mockBackends("store", tt.stubs)
			got, err := NewMultiStorageBackend(backends, testLogger()).Store(context.Background(), data)

			if tt.expectErr {
				assert.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, id, got)
			for i, m := range mocks {
				if contains(tt.skipped, i) {
					m.AssertNotCalled(t, "Store", mock.Anything, mock.Anything)
				} else {
					m.AssertCalled(t, "Store", mock.Anything, data)
				}
			}
		})
	}
}

func contains(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func TestFileBackend(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)
	assert.True(t, b.Available(ctx))

	id, err := b.Store(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, interfaces.ComputeID([]byte("hello")), id)

	data, err := b.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	_, err = b.Fetch(ctx, interfaces.ComputeID([]byte("missing")))
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
}
