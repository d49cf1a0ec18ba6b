package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/ruteri/ca-approval-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// MockArchiveBackend implements interfaces.ArchiveBackend for testing
type MockArchiveBackend struct {
	mock.Mock
	name string
}

func (m *MockArchiveBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	args := m.Called(ctx, id, contentType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockArchiveBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	args := m.Called(ctx, data, contentType)
	return args.Get(0).(interfaces.ContentID), args.Error(1)
}

func (m *MockArchiveBackend) Available(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *MockArchiveBackend) Name() string { return m.name }

func (m *MockArchiveBackend) LocationURI() string { return "mock:" + m.name }

func TestFileBackend(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir, testLogger)
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, backend.Available(ctx))
	assert.Equal(t, "file://"+dir, backend.LocationURI())

	data := []byte(`{"id":"x"}`)
	id, err := backend.Store(ctx, data, interfaces.RecordContent)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ComputeID(data), id)

	got, err := backend.Fetch(ctx, id, interfaces.RecordContent)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = backend.Fetch(ctx, id, interfaces.PayloadContent)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
}

func TestMultiBackend_Available(t *testing.T) {
	tests := []struct {
		name     string
		backends []bool
		expected bool
	}{
		{name: "all backends available", backends: []bool{true, true}, expected: true},
		{name: "some backends available", backends: []bool{false, true}, expected: true},
		{name: "no backends available", backends: []bool{false, false}, expected: false},
		{name: "no backends", backends: []bool{}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var backends []interfaces.ArchiveBackend
			for i, available := range tt.backends {
				m := &MockArchiveBackend{name: string(rune('a' + i))}
				m.On("Available", mock.Anything).Return(available).Maybe()
				backends = append(backends, m)
			}
			multi := NewMultiBackend(backends, testLogger)
			assert.Equal(t, tt.expected, multi.Available(context.Background()))
		})
	}
}

func TestMultiBackend_Fetch(t *testing.T) {
	ctx := context.Background()
	data := []byte("archived")
	id := interfaces.ComputeID(data)

	t.Run("falls through to the backend that has it", func(t *testing.T) {
		first := &MockArchiveBackend{name: "first"}
		first.On("Available", mock.Anything).Return(true)
		first.On("Fetch", mock.Anything, id, interfaces.RecordContent).Return(nil, interfaces.ErrContentNotFound)
		second := &MockArchiveBackend{name: "second"}
		second.On("Available", mock.Anything).Return(true)
		second.On("Fetch", mock.Anything, id, interfaces.RecordContent).Return(data, nil)

		got, err := NewMultiBackend([]interfaces.ArchiveBackend{first, second}, testLogger).Fetch(ctx, id, interfaces.RecordContent)
		require.NoError(t, err)
		assert.Equal(t, data, got)
		first.AssertExpectations(t)
		second.AssertExpectations(t)
	})

	t.Run("not found everywhere", func(t *testing.T) {
		only := &MockArchiveBackend{name: "only"}
		only.On("Available", mock.Anything).Return(true)
		only.On("Fetch", mock.Anything, id, interfaces.RecordContent).Return(nil, interfaces.ErrContentNotFound)

		_, err := NewMultiBackend([]interfaces.ArchiveBackend{only}, testLogger).Fetch(ctx, id, interfaces.RecordContent)
		assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
	})

	t.Run("backend failure is not reported as not found", func(t *testing.T) {
		missing := &MockArchiveBackend{name: "missing"}
		missing.On("Available", mock.Anything).Return(true)
		missing.On("Fetch", mock.Anything, id, interfaces.RecordContent).Return(nil, interfaces.ErrContentNotFound)
		broken := &MockArchiveBackend{name: "broken"}
		broken.On("Available", mock.Anything).Return(true)
		broken.On("Fetch", mock.Anything, id, interfaces.RecordContent).Return(nil, errors.New("boom"))

		_, err := NewMultiBackend([]interfaces.ArchiveBackend{missing, broken}, testLogger).Fetch(ctx, id, interfaces.RecordContent)
		require.Error(t, err)
		assert.NotErrorIs(t, err, interfaces.ErrContentNotFound)
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("nothing available", func(t *testing.T) {
		down := &MockArchiveBackend{name: "down"}
		down.On("Available", mock.Anything).Return(false)

		_, err := NewMultiBackend([]interfaces.ArchiveBackend{down}, testLogger).Fetch(ctx, id, interfaces.RecordContent)
		assert.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
		down.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestMultiBackend_Store(t *testing.T) {
	ctx := context.Background()
	data := []byte("archived")
	id := interfaces.ComputeID(data)

	ok := &MockArchiveBackend{name: "ok"}
	ok.On("Available", mock.Anything).Return(true)
	ok.On("Store", mock.Anything, data, interfaces.RecordContent).Return(id, nil)
	failing := &MockArchiveBackend{name: "failing"}
	failing.On("Available", mock.Anything).Return(true)
	failing.On("Store", mock.Anything, data, interfaces.RecordContent).Return(id, errors.New("disk full"))
	down := &MockArchiveBackend{name: "down"}
	down.On("Available", mock.Anything).Return(false)

	got, err := NewMultiBackend([]interfaces.ArchiveBackend{ok, failing, down}, testLogger).Store(ctx, data, interfaces.RecordContent)
	require.NoError(t, err)
	assert.Equal(t, id, got)
	ok.AssertExpectations(t)
	failing.AssertExpectations(t)
	down.AssertNotCalled(t, "Store", mock.Anything, mock.Anything, mock.Anything)

	_, err = NewMultiBackend([]interfaces.ArchiveBackend{failing}, testLogger).Store(ctx, data, interfaces.RecordContent)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	_, err = NewMultiBackend([]interfaces.ArchiveBackend{down}, testLogger).Store(ctx, data, interfaces.RecordContent)
	assert.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
}

type mockS3 struct {
	s3iface.S3API
	mock.Mock
}

func (m *mockS3) GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	args := m.Called(aws.StringValue(in.Key))
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.GetObjectOutput), args.Error(1)
}

func (m *mockS3) PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(in.Body)
	args := m.Called(aws.StringValue(in.Key), body, aws.StringValue(in.ServerSideEncryption))
	return &s3.PutObjectOutput{}, args.Error(0)
}

func (m *mockS3) HeadBucketWithContext(ctx aws.Context, in *s3.HeadBucketInput, _ ...request.Option) (*s3.HeadBucketOutput, error) {
	args := m.Called(aws.StringValue(in.Bucket))
	return &s3.HeadBucketOutput{}, args.Error(0)
}

func TestS3Backend(t *testing.T) {
	ctx := context.Background()
	client := &mockS3{}
	backend := NewS3BackendWithClient(client, S3Config{Bucket: "ca-archive", Prefix: "/prod/", Region: "eu-west-1"}, testLogger)

	data := []byte(`{"id":"rec"}`)
	id := interfaces.ComputeID(data)
	key := "prod/records/" + id.String()

	client.On("PutObjectWithContext", key, data, s3.ServerSideEncryptionAes256).Return(nil).Once()
	stored, err := backend.Store(ctx, data, interfaces.RecordContent)
	require.NoError(t, err)
	assert.Equal(t, id, stored)

	client.On("GetObjectWithContext", key).Return(&s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil).Once()
	got, err := backend.Fetch(ctx, id, interfaces.RecordContent)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	missingKey := "prod/payloads/" + id.String()
	client.On("GetObjectWithContext", missingKey).Return(nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)).Once()
	_, err = backend.Fetch(ctx, id, interfaces.PayloadContent)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	client.On("HeadBucketWithContext", "ca-archive").Return(nil).Once()
	assert.True(t, backend.Available(ctx))
	client.On("HeadBucketWithContext", "ca-archive").Return(errors.New("forbidden")).Once()
	assert.False(t, backend.Available(ctx))

	assert.Equal(t, "s3-ca-archive", backend.Name())
	client.AssertExpectations(t)
}

// fakeIPFS serves the subset of the IPFS HTTP API the backend uses.
type fakeIPFS struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (f *fakeIPFS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.URL.Path {
	case "/api/v0/version":
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"Version":"0.29.0","Commit":""}`)
	case "/api/v0/files/write":
		mr, err := r.MultipartReader()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		part, err := mr.NextPart()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(part)
		f.files[r.URL.Query().Get("arg")] = data
	case "/api/v0/files/read":
		data, ok := f.files[r.URL.Query().Get("arg")]
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"Message":"file does not exist","Code":0,"Type":"error"}`)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write(data)
	default:
		http.NotFound(w, r)
	}
}

func TestIPFSBackend(t *testing.T) {
	fake := &fakeIPFS{files: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx := context.Background()
	backend := NewIPFSBackend(strings.TrimPrefix(srv.URL, "http://"), "approvals", 5*time.Second, testLogger)
	assert.True(t, backend.Available(ctx))

	data := []byte(`{"id":"rec"}`)
	id, err := backend.Store(ctx, data, interfaces.RecordContent)
	require.NoError(t, err)

	fake.mu.Lock()
	assert.Contains(t, fake.files, "/approvals/records/"+id.String())
	fake.mu.Unlock()

	got, err := backend.Fetch(ctx, id, interfaces.RecordContent)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = backend.Fetch(ctx, interfaces.ComputeID([]byte("other")), interfaces.RecordContent)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
}

func TestBackendFactory(t *testing.T) {
	factory := NewBackendFactory(testLogger)
	dir := t.TempDir()

	backend, err := factory.BackendFor("file://" + dir)
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, backend)

	backend, err = factory.BackendFor("s3://AKID:SECRET@ca-archive/records?region=eu-west-1&endpoint=http://localhost:9000")
	require.NoError(t, err)
	s3b := backend.(*S3Backend)
	assert.Equal(t, "ca-archive", s3b.bucketName)
	assert.Equal(t, "records", s3b.prefix)

	backend, err = factory.BackendFor("ipfs://localhost:5001/ca?timeout=10s")
	require.NoError(t, err)
	ipfs := backend.(*IPFSBackend)
	assert.Equal(t, "/ca", ipfs.root)
	assert.Equal(t, "localhost:5001", ipfs.apiAddr)

	for _, uri := range []string{"ftp://host/x", "s3:///nobucket", "ipfs://localhost/ca?timeout=never", "file://"} {
		_, err := factory.BackendFor(uri)
		assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI, uri)
	}

	multi, err := factory.MultiBackendFor([]string{"ftp://nope", "file://" + dir})
	require.NoError(t, err)
	assert.Contains(t, multi.LocationURI(), "file://"+dir)

	_, err = factory.MultiBackendFor([]string{"ftp://nope"})
	assert.Error(t, err)
}

func TestArchiver(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), testLogger)
	require.NoError(t, err)
	archiver := NewArchiver(backend, testLogger)
	ctx := context.Background()

	rec := &interfaces.ApprovalRecord{
		ID:         interfaces.NewRecordID(42),
		ApprovalID: 42,
		Spec: interfaces.ApprovalRequestSpec{
			ApprovalType:      interfaces.Revocation,
			RequestingAdmin:   interfaces.AdminIdentity{IssuerDN: "CN=Admin CA", SerialNumber: "1f"},
			RequiredApprovals: 1,
		},
		Remaining:    map[int]int{0: 0},
		StepConsumed: map[int]bool{},
		Status:       interfaces.StatusApproved,
		CreatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		ExpiresAt:    time.Date(2026, 1, 3, 3, 4, 5, 0, time.UTC),
	}

	id, err := archiver.Archive(ctx, rec)
	require.NoError(t, err)

	restored, err := archiver.Restore(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, restored.ID)
	assert.Equal(t, rec.Status, restored.Status)
	assert.Equal(t, rec.Spec.RequestingAdmin, restored.Spec.RequestingAdmin)
	assert.True(t, rec.CreatedAt.Equal(restored.CreatedAt))

	_, err = archiver.Restore(ctx, interfaces.ComputeID([]byte("missing")))
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
}

func TestArchiverRecordTransform(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), testLogger)
	require.NoError(t, err)
	archiver := NewArchiver(backend, testLogger, WithRecordTransform(func(rec *interfaces.ApprovalRecord) *interfaces.ApprovalRecord {
		out := rec.Clone()
		out.Spec.Payload = nil
		return out
	}))
	ctx := context.Background()

	rec := &interfaces.ApprovalRecord{
		ID:         interfaces.NewRecordID(7),
		ApprovalID: 7,
		Spec: interfaces.ApprovalRequestSpec{
			ApprovalType:      interfaces.ActivateCAToken,
			RequiredApprovals: 1,
			Payload:           []byte(`{"ca_id":1,"activation_code":"hunter2"}`),
		},
		Status: interfaces.StatusExecuted,
	}

	id, err := archiver.Archive(ctx, rec)
	require.NoError(t, err)

	raw, err := backend.Fetch(ctx, id, interfaces.RecordContent)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")
	assert.NotEmpty(t, rec.Spec.Payload, "caller's record must not be modified")

	restored, err := archiver.Restore(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, restored.ID)
	assert.Empty(t, restored.Spec.Payload)
}
