package network

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vip-tools/go-transferutils/internal"
	"github.com/vip-tools/go-transferutils/upload/compression"
	"github.com/vip-tools/go-transferutils/upload/fileinfo"
	"github.com/vip-tools/go-transferutils/upload/network/partuploader"
	"github.com/vip-tools/go-transferutils/upload/network/protocol"
)

const testUploadID = "upload-1"

// fakeS3 speaks enough of the multipart protocol for the coordinator.
type fakeS3 struct {
	mu         sync.Mutex
	objects    map[string][]byte
	parts      map[int][]byte
	completion []protocol.PartResult
	aborts     int
	actions    []protocol.Action

	partDelay    func(partNumber int) time.Duration
	failPart     int
	createBody   string
	completeBody string
	abortStatus  int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, parts: map[int][]byte{}}
}

func (s *fakeS3) record(action protocol.Action) {
	s.mu.Lock()
	s.actions = append(s.actions, action)
	s.mu.Unlock()
}

func (s *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	body, _ := io.ReadAll(r.Body)
	if r.ContentLength != int64(len(body)) {
		w.WriteHeader(http.StatusLengthRequired)
		return
	}

	switch {
	case r.Method == http.MethodPost && query.Has("uploads"):
		s.record(protocol.ActionCreateMultipartUpload)
		if s.createBody != "" {
			_, _ = w.Write([]byte(s.createBody))
			return
		}
		_, _ = fmt.Fprintf(w, `<InitiateMultipartUploadResult><Bucket>imports</Bucket><Key>%s</Key><UploadId>%s</UploadId></InitiateMultipartUploadResult>`,
			r.URL.Path, testUploadID)
	case r.Method == http.MethodPut && query.Get("uploadId") != "":
		s.record(protocol.ActionUploadPart)
		partNumber, _ := strconv.Atoi(query.Get("partNumber"))
		if s.partDelay != nil {
			time.Sleep(s.partDelay(partNumber))
		}
		if partNumber == s.failPart {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`<Error><Code>AccessDenied</Code><Message>Request has expired</Message></Error>`))
			return
		}
		s.mu.Lock()
		s.parts[partNumber] = body
		s.mu.Unlock()
		w.Header().Set("ETag", fmt.Sprintf(`"etag-%d"`, partNumber))
	case r.Method == http.MethodPut:
		s.record(protocol.ActionPutObject)
		s.mu.Lock()
		s.objects[r.URL.Path] = body
		s.mu.Unlock()
		w.Header().Set("ETag", `"object-etag"`)
	case r.Method == http.MethodPost && query.Get("uploadId") != "":
		s.record(protocol.ActionCompleteMultipartUpload)
		var completion struct {
			Parts []protocol.PartResult `xml:"Part"`
		}
		if err := xml.Unmarshal(body, &completion); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`<Error><Code>MalformedXML</Code><Message>bad completion</Message></Error>`))
			return
		}
		s.mu.Lock()
		s.completion = completion.Parts
		s.mu.Unlock()
		if s.completeBody != "" {
			_, _ = w.Write([]byte(s.completeBody))
			return
		}
		_, _ = fmt.Fprintf(w, `<CompleteMultipartUploadResult><Location>http://storage%s</Location><Bucket>imports</Bucket><Key>%s</Key><ETag>"final-etag"</ETag></CompleteMultipartUploadResult>`,
			r.URL.Path, r.URL.Path)
	case r.Method == http.MethodGet && query.Get("uploadId") != "":
		s.record(protocol.ActionListParts)
		_, _ = w.Write([]byte(`<ListPartsResult><UploadId>upload-1</UploadId>` +
			`<Part><PartNumber>2</PartNumber><ETag>"etag-2"</ETag></Part>` +
			`<Part><PartNumber>1</PartNumber><ETag>"etag-1"</ETag></Part></ListPartsResult>`))
	case r.Method == http.MethodDelete:
		s.record(protocol.ActionAbortMultipartUpload)
		s.mu.Lock()
		s.aborts++
		status := s.abortStatus
		s.mu.Unlock()
		if status == 0 {
			status = http.StatusNoContent
		}
		w.WriteHeader(status)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *fakeS3) part(partNumber int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parts[partNumber]
}

func (s *fakeS3) object(path string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects[path]
}

func (s *fakeS3) abortCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborts
}

func (s *fakeS3) completed() []protocol.PartResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.PartResult(nil), s.completion...)
}

func (s *fakeS3) count(action protocol.Action) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.actions {
		if a == action {
			n++
		}
	}
	return n
}

// fakeSigner hands out unsigned URLs on the fake storage and records what was asked for.
type fakeSigner struct {
	baseURL string

	mu     sync.Mutex
	params []protocol.SignedRequestParams
	fail   protocol.Action
}

func (s *fakeSigner) SignedRequest(_ context.Context, params protocol.SignedRequestParams) (protocol.PresignedRequest, error) {
	s.mu.Lock()
	s.params = append(s.params, params)
	s.mu.Unlock()

	if params.Action == s.fail {
		return protocol.PresignedRequest{}, errors.New("control plane unavailable")
	}

	query := url.Values{}
	switch params.Action {
	case protocol.ActionCreateMultipartUpload:
		query.Set("uploads", "")
	case protocol.ActionUploadPart:
		query.Set("uploadId", params.UploadID)
		query.Set("partNumber", strconv.Itoa(params.PartNumber))
	case protocol.ActionCompleteMultipartUpload, protocol.ActionListParts, protocol.ActionAbortMultipartUpload:
		query.Set("uploadId", params.UploadID)
	}

	target := fmt.Sprintf("%s/imports/%d/%d/%s", s.baseURL, params.AppID, params.EnvID, params.Basename)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return protocol.PresignedRequest{URL: target}, nil
}

func (s *fakeSigner) requested(action protocol.Action) []protocol.SignedRequestParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []protocol.SignedRequestParams
	for _, p := range s.params {
		if p.Action == action {
			matched = append(matched, p)
		}
	}
	return matched
}

func testCoordinatorConfig() CoordinatorConfig {
	config := DefaultCoordinatorConfig()
	config.CompressThreshold = 1 << 30
	config.MultipartThreshold = 1000
	config.PartSize = 300
	config.Concurrency = 3
	config.AbortRetryWait = time.Millisecond
	return config
}

func writeTestFile(t *testing.T, name string, size int) fileinfo.FileMeta {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0644))

	meta, err := fileinfo.Inspect(path)
	require.NoError(t, err)
	return meta
}

func newTestCoordinator(t *testing.T, config CoordinatorConfig, compressor Compressor, opts ...func(*fakeS3)) (*Coordinator, *fakeS3, *fakeSigner) {
	storage := newFakeS3()
	for _, opt := range opts {
		opt(storage)
	}
	server := httptest.NewServer(storage)
	t.Cleanup(server.Close)

	signer := &fakeSigner{baseURL: server.URL}
	coordinator := NewCoordinator(config, Destination{AppID: 12, EnvID: 34}, signer, compressor, log.NewLogger())
	return coordinator, storage, signer
}

func TestSelectStrategy(t *testing.T) {
	assert.Equal(t, StrategySingleShot, SelectStrategy(999, 1000))
	assert.Equal(t, StrategyMultipart, SelectStrategy(1000, 1000))
	assert.Equal(t, StrategyMultipart, SelectStrategy(1001, 1000))
}

func TestCoordinator_Upload_SingleShotOneByteBelowThreshold(t *testing.T) {
	coordinator, storage, signer := newTestCoordinator(t, testCoordinatorConfig(), nil)
	meta := writeTestFile(t, "dump.sql", 999)

	var last partuploader.Progress
	result, err := coordinator.Upload(context.Background(), meta, partuploader.ReporterFunc(func(p partuploader.Progress) {
		last = p
	}))
	require.NoError(t, err)

	assert.Equal(t, StrategySingleShot, result.Strategy)
	assert.Equal(t, `"object-etag"`, result.Outcome.ETag)
	assert.Equal(t, meta, result.Meta)
	assert.Len(t, result.Fingerprint, 32)
	assert.Equal(t, 1, storage.count(protocol.ActionPutObject))
	assert.Equal(t, 0, storage.count(protocol.ActionCreateMultipartUpload))
	assert.Equal(t, "100.00%", last.Percentage())

	requested := signer.requested(protocol.ActionPutObject)
	require.Len(t, requested, 1)
	assert.Equal(t, protocol.SignedRequestParams{Action: protocol.ActionPutObject, AppID: 12, EnvID: 34, Basename: "dump.sql"}, requested[0])
}

func TestCoordinator_Upload_MultipartAtThreshold(t *testing.T) {
	coordinator, storage, signer := newTestCoordinator(t, testCoordinatorConfig(), nil)
	meta := writeTestFile(t, "dump.sql", 1000)

	result, err := coordinator.Upload(context.Background(), meta, nil)
	require.NoError(t, err)

	assert.Equal(t, StrategyMultipart, result.Strategy)
	assert.Equal(t, testUploadID, result.UploadID)
	assert.Equal(t, `"final-etag"`, result.Outcome.ETag)
	assert.Equal(t, "/imports/12/34/dump.sql", result.Outcome.Key)
	assert.Equal(t, 0, storage.count(protocol.ActionPutObject))
	assert.Equal(t, 4, storage.count(protocol.ActionUploadPart))
	assert.Len(t, storage.part(4), 100)

	parts := signer.requested(protocol.ActionUploadPart)
	require.Len(t, parts, 4)
	for _, p := range parts {
		assert.Equal(t, testUploadID, p.UploadID)
	}
}

func TestCoordinator_Upload_CompletionSortedAfterOutOfOrderParts(t *testing.T) {
	config := testCoordinatorConfig()
	config.Concurrency = 4
	coordinator, storage, signer := newTestCoordinator(t, config, nil, func(s *fakeS3) {
		// Part 1 finishes last.
		s.partDelay = func(partNumber int) time.Duration {
			return time.Duration(5-partNumber) * 30 * time.Millisecond
		}
	})
	meta := writeTestFile(t, "dump.sql", 1200)

	_, err := coordinator.Upload(context.Background(), meta, nil)
	require.NoError(t, err)

	want := []protocol.PartResult{
		{PartNumber: 1, ETag: `"etag-1"`},
		{PartNumber: 2, ETag: `"etag-2"`},
		{PartNumber: 3, ETag: `"etag-3"`},
		{PartNumber: 4, ETag: `"etag-4"`},
	}
	assert.Equal(t, want, storage.completed())

	completions := signer.requested(protocol.ActionCompleteMultipartUpload)
	require.Len(t, completions, 1)
	assert.Equal(t, want, completions[0].Parts)
}

func TestCoordinator_Upload_CompletionErrorWithSuccessStatus(t *testing.T) {
	coordinator, storage, _ := newTestCoordinator(t, testCoordinatorConfig(), nil, func(s *fakeS3) {
		s.completeBody = `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>InternalError</Code><Message>We encountered an internal error. Please try again.</Message></Error>`
	})
	meta := writeTestFile(t, "dump.sql", 1000)

	_, err := coordinator.Upload(context.Background(), meta, nil)

	var protocolErr *protocol.ProtocolError
	require.True(t, errors.As(err, &protocolErr))
	assert.Equal(t, protocol.ActionCompleteMultipartUpload, protocolErr.Action)
	assert.Equal(t, http.StatusOK, protocolErr.StatusCode)
	assert.Equal(t, "InternalError", protocolErr.Code)
	assert.Equal(t, "We encountered an internal error. Please try again.", protocolErr.Message)
	assert.Equal(t, 1, storage.abortCount())
}

func TestCoordinator_Upload_PartFailureSurfacesCodeAndMessage(t *testing.T) {
	coordinator, storage, _ := newTestCoordinator(t, testCoordinatorConfig(), nil, func(s *fakeS3) {
		s.failPart = 2
	})
	meta := writeTestFile(t, "dump.sql", 1200)

	_, err := coordinator.Upload(context.Background(), meta, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrProtocol))
	assert.Contains(t, err.Error(), "AccessDenied")
	assert.Contains(t, err.Error(), "Request has expired")
	assert.Equal(t, 1, storage.abortCount())
	assert.Equal(t, 0, storage.count(protocol.ActionCompleteMultipartUpload))
}

func TestCoordinator_Upload_AbortDisabled(t *testing.T) {
	config := testCoordinatorConfig()
	config.AbortOnFailure = false
	coordinator, storage, _ := newTestCoordinator(t, config, nil, func(s *fakeS3) {
		s.failPart = 1
	})
	meta := writeTestFile(t, "dump.sql", 1000)

	_, err := coordinator.Upload(context.Background(), meta, nil)

	require.Error(t, err)
	assert.Equal(t, 0, storage.abortCount())
}

func TestCoordinator_Upload_AbortFailureKeepsOriginalError(t *testing.T) {
	coordinator, storage, _ := newTestCoordinator(t, testCoordinatorConfig(), nil, func(s *fakeS3) {
		s.failPart = 1
		s.abortStatus = http.StatusInternalServerError
	})
	meta := writeTestFile(t, "dump.sql", 1000)

	_, err := coordinator.Upload(context.Background(), meta, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "AccessDenied")
	assert.GreaterOrEqual(t, storage.abortCount(), numAbortRetries)
	assert.LessOrEqual(t, storage.abortCount(), numAbortRetries+1)
}

func TestCoordinator_Upload_AbortTreatsNotFoundAsDone(t *testing.T) {
	coordinator, storage, _ := newTestCoordinator(t, testCoordinatorConfig(), nil, func(s *fakeS3) {
		s.failPart = 1
		s.abortStatus = http.StatusNotFound
	})
	meta := writeTestFile(t, "dump.sql", 1000)

	_, err := coordinator.Upload(context.Background(), meta, nil)

	require.Error(t, err)
	assert.Equal(t, 1, storage.abortCount())
}

func TestCoordinator_Upload_MissingUploadID(t *testing.T) {
	coordinator, storage, _ := newTestCoordinator(t, testCoordinatorConfig(), nil, func(s *fakeS3) {
		s.createBody = `<InitiateMultipartUploadResult><Bucket>imports</Bucket></InitiateMultipartUploadResult>`
	})
	meta := writeTestFile(t, "dump.sql", 1000)

	_, err := coordinator.Upload(context.Background(), meta, nil)

	assert.True(t, errors.Is(err, protocol.ErrMalformedResponse))
	assert.Equal(t, 0, storage.count(protocol.ActionUploadPart))
	assert.Equal(t, 0, storage.abortCount())
}

func TestCoordinator_Upload_SignerFailureStopsBeforeStorage(t *testing.T) {
	coordinator, storage, signer := newTestCoordinator(t, testCoordinatorConfig(), nil)
	signer.fail = protocol.ActionCreateMultipartUpload
	meta := writeTestFile(t, "dump.sql", 1000)

	_, err := coordinator.Upload(context.Background(), meta, nil)

	assert.True(t, errors.Is(err, protocol.ErrCollaborator))
	assert.Equal(t, 0, storage.count(protocol.ActionCreateMultipartUpload))
}

func TestCoordinator_Upload_Compresses(t *testing.T) {
	config := testCoordinatorConfig()
	config.CompressThreshold = 500
	compressor := compression.NewCompressor(log.NewLogger(), pathutil.NewPathProvider(), internal.RealOS{}, 0)
	t.Cleanup(func() { _ = compressor.Cleanup() })
	coordinator, storage, signer := newTestCoordinator(t, config, compressor)

	data := bytes.Repeat([]byte("INSERT INTO wp_posts VALUES (1, 'hello');\n"), 100)
	path := filepath.Join(t.TempDir(), "dump.sql")
	require.NoError(t, os.WriteFile(path, data, 0644))
	meta, err := fileinfo.Inspect(path)
	require.NoError(t, err)

	result, err := coordinator.Upload(context.Background(), meta, nil)
	require.NoError(t, err)

	assert.True(t, result.Meta.IsCompressed)
	assert.Equal(t, "dump.sql.gz", result.Meta.Basename)
	assert.Less(t, result.Meta.FileSize, meta.FileSize)
	assert.Equal(t, StrategySingleShot, result.Strategy)

	fingerprint, err := fileinfo.Fingerprint(result.Meta.FileName)
	require.NoError(t, err)
	assert.Equal(t, fingerprint, result.Fingerprint)

	uploaded := storage.object("/imports/12/34/dump.sql.gz")
	reader, err := gzip.NewReader(bytes.NewReader(uploaded))
	require.NoError(t, err)
	decompressed, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, data, decompressed)

	assert.Equal(t, "dump.sql.gz", signer.requested(protocol.ActionPutObject)[0].Basename)
}

func TestCoordinator_Upload_NeverRecompresses(t *testing.T) {
	config := testCoordinatorConfig()
	config.CompressThreshold = 1
	compressor := compression.NewCompressor(log.NewLogger(), pathutil.NewPathProvider(), internal.RealOS{}, 0)
	t.Cleanup(func() { _ = compressor.Cleanup() })
	coordinator, _, _ := newTestCoordinator(t, config, compressor)

	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	_, err := writer.Write(bytes.Repeat([]byte("media"), 2000))
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	path := filepath.Join(t.TempDir(), "uploads.tar.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	meta, err := fileinfo.Inspect(path)
	require.NoError(t, err)
	require.True(t, meta.IsCompressed)

	result, err := coordinator.Upload(context.Background(), meta, nil)
	require.NoError(t, err)

	assert.Equal(t, meta, result.Meta)
}

func TestCoordinator_Upload_DisableCompression(t *testing.T) {
	config := testCoordinatorConfig()
	config.CompressThreshold = 1
	config.DisableCompression = true
	compressor := compression.NewCompressor(log.NewLogger(), pathutil.NewPathProvider(), internal.RealOS{}, 0)
	t.Cleanup(func() { _ = compressor.Cleanup() })
	coordinator, _, _ := newTestCoordinator(t, config, compressor)
	meta := writeTestFile(t, "dump.sql", 10)

	result, err := coordinator.Upload(context.Background(), meta, nil)
	require.NoError(t, err)

	assert.False(t, result.Meta.IsCompressed)
}

func TestCoordinator_Upload_ServerRenderedCompletionBody(t *testing.T) {
	coordinator, storage, signer := newTestCoordinator(t, testCoordinatorConfig(), nil)
	meta := writeTestFile(t, "dump.sql", 1000)

	rendered := `<CompleteMultipartUpload><Part><PartNumber>1</PartNumber><ETag>"server"</ETag></Part></CompleteMultipartUpload>`
	coordinator.signer = protocol.SignedRequesterFunc(func(ctx context.Context, params protocol.SignedRequestParams) (protocol.PresignedRequest, error) {
		signed, err := signer.SignedRequest(ctx, params)
		if params.Action == protocol.ActionCompleteMultipartUpload {
			signed.Body = rendered
		}
		return signed, err
	})

	_, err := coordinator.Upload(context.Background(), meta, nil)
	require.NoError(t, err)

	assert.Equal(t, []protocol.PartResult{{PartNumber: 1, ETag: `"server"`}}, storage.completed())
}

func TestCoordinator_Upload_Cancelled(t *testing.T) {
	coordinator, storage, _ := newTestCoordinator(t, testCoordinatorConfig(), nil, func(s *fakeS3) {
		s.partDelay = func(int) time.Duration { return time.Second }
	})
	meta := writeTestFile(t, "dump.sql", 1200)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := coordinator.Upload(ctx, meta, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, storage.abortCount())
}

func TestCoordinator_ListParts(t *testing.T) {
	coordinator, _, signer := newTestCoordinator(t, testCoordinatorConfig(), nil)
	meta := writeTestFile(t, "dump.sql", 10)

	parts, err := coordinator.ListParts(context.Background(), meta, testUploadID)
	require.NoError(t, err)

	assert.Equal(t, []protocol.PartResult{
		{PartNumber: 1, ETag: `"etag-1"`},
		{PartNumber: 2, ETag: `"etag-2"`},
	}, parts)
	requested := signer.requested(protocol.ActionListParts)
	require.Len(t, requested, 1)
	assert.Equal(t, testUploadID, requested[0].UploadID)
}
