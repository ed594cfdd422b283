package upos

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
)

const (
	testAuth    = "test-auth-token"
	testUposURI = "upos://ugcboss/n230101abc.mp4"
	testPath    = "/ugcboss/n230101abc.mp4"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	return repo.envVars[key]
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	delete(repo.envVars, key)
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

// fakeUposServer implements the UPOS endpoint protocol in memory.
type fakeUposServer struct {
	mu sync.Mutex

	openFailures   int
	partFailures   map[int]int
	partStatus     int
	partStalls     map[int]int
	stallFor       time.Duration
	commitResponse string

	opens         int
	stalls        int
	partAttempts  map[int]int
	partQueries   map[int]map[string]string
	partSizes     map[int]int
	commits       int
	commitQuery   map[string]string
	commitParts   []Part
	userAgents    map[string]bool
	authFailures  int
	unknownCalls  int
	commitRawBody string
}

func newFakeUposServer() *fakeUposServer {
	return &fakeUposServer{
		partFailures:   map[int]int{},
		partStalls:     map[int]int{},
		partStatus:     http.StatusServiceUnavailable,
		commitResponse: `{"OK":1}`,
		partAttempts:   map[int]int{},
		partQueries:    map[int]map[string]string{},
		partSizes:      map[int]int{},
		userAgents:     map[string]bool{},
	}
}

func (s *fakeUposServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if s.stall(r) {
		time.Sleep(s.stallFor)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.userAgents[r.UserAgent()] = true
	if r.Header.Get(authHeader) != testAuth {
		s.authFailures++
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if r.URL.Path != testPath {
		s.unknownCalls++
		w.WriteHeader(http.StatusNotFound)
		return
	}

	query := r.URL.Query()
	switch {
	case r.Method == http.MethodPost && query.Has("uploads"):
		s.opens++
		if s.opens <= s.openFailures {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = fmt.Fprint(w, `{"upload_id":"upload-1","key":"/n230101abc.mp4","OK":1}`)
	case r.Method == http.MethodPut:
		partNumber, _ := strconv.Atoi(query.Get("partNumber"))
		s.partAttempts[partNumber]++
		if s.partAttempts[partNumber] <= s.partFailures[partNumber] {
			w.WriteHeader(s.partStatus)
			_, _ = fmt.Fprint(w, "temporary error")
			return
		}
		flat := map[string]string{}
		for key := range query {
			flat[key] = query.Get(key)
		}
		s.partQueries[partNumber] = flat
		s.partSizes[partNumber] = len(body)
		w.Header().Set("ETag", fmt.Sprintf("tag%d", partNumber))
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPost && query.Has("name"):
		s.commits++
		s.commitRawBody = string(body)
		s.commitQuery = map[string]string{}
		for key := range query {
			s.commitQuery[key] = query.Get(key)
		}
		var req commitRequest
		if err := json.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.commitParts = req.Parts
		_, _ = fmt.Fprint(w, s.commitResponse)
	default:
		s.unknownCalls++
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func startFakeUposServer(t *testing.T, fake *fakeUposServer) (*httptest.Server, Session) {
	t.Helper()

	server := httptest.NewTLSServer(fake)
	t.Cleanup(server.Close)

	session := Session{
		ChunkSize: 4,
		Auth:      testAuth,
		Endpoint:  strings.TrimPrefix(server.URL, "https:"),
		UposURI:   testUposURI,
		BizID:     json.RawMessage(`12345`),
	}
	return server, session
}

// stall reports whether this part attempt should hang past the client timeout.
func (s *fakeUposServer) stall(r *http.Request) bool {
	if r.Method != http.MethodPut {
		return false
	}
	partNumber, _ := strconv.Atoi(r.URL.Query().Get("partNumber"))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.partStalls[partNumber] == 0 {
		return false
	}
	s.partStalls[partNumber]--
	s.stalls++
	return true
}

func testConfig(server *httptest.Server) Config {
	config := DefaultConfig()
	config.RetryWaitMin = time.Millisecond
	config.RetryWaitMax = 5 * time.Millisecond
	config.Timeout = 5 * time.Second
	if server != nil {
		config.HTTPClient = server.Client()
	}
	return config
}

// fakeUploader records dispatches and tracks how many uploads run at once.
type fakeUploader struct {
	mu      sync.Mutex
	started []int
	ctxErrs []error

	inFlight    int32
	maxInFlight int32

	delay   func(partNumber int) time.Duration
	fail    map[int]error
	release map[int]chan struct{}
}

func (f *fakeUploader) UploadPart(ctx context.Context, _ Upload, chunk Chunk) (Part, error) {
	partNumber := chunk.PartNumber()

	f.mu.Lock()
	f.started = append(f.started, partNumber)
	f.mu.Unlock()

	current := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxInFlight)
		if current <= max || atomic.CompareAndSwapInt32(&f.maxInFlight, max, current) {
			break
		}
	}

	if ch := f.release[partNumber]; ch != nil {
		<-ch
	}
	if f.delay != nil {
		time.Sleep(f.delay(partNumber))
	}

	f.mu.Lock()
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	f.mu.Unlock()

	if err := f.fail[partNumber]; err != nil {
		return Part{}, err
	}
	return Part{PartNumber: partNumber, ETag: fmt.Sprintf("tag%d", partNumber)}, nil
}

func (f *fakeUploader) startedParts() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.started...)
}

type mockTracker struct {
	mock.Mock
}

func (m *mockTracker) UploadFinished(uploadTime time.Duration, sizeBytes int64, partCount int) {
	m.Called(uploadTime, sizeBytes, partCount)
}

func (m *mockTracker) UploadFailed(phase Phase, uploadTime time.Duration) {
	m.Called(phase, uploadTime)
}

func (m *mockTracker) Wait() {
	m.Called()
}
