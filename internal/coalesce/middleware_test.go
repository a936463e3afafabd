package coalesce

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestRouter mounts the coalescer in front of handler on POST /jobs, with
// the principal lifted from X-User-Id the way the real auth shim does.
func newTestRouter(c *Coalescer, handler gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	principal := func(gc *gin.Context) {
		gc.Set(PrincipalKey, gc.GetHeader("X-User-Id"))
	}
	r.POST("/jobs", principal, c.Middleware("jobs"), handler)
	r.POST("/jobs/stream", principal, c.Middleware("jobs"), handler)
	r.GET("/jobs", principal, c.Middleware("jobs"), handler)
	return r
}

func post(r *gin.Engine, user, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body))
	req.Header.Set("X-User-Id", user)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func countingHandler(calls *atomic.Int32, delay time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		calls.Add(1)
		time.Sleep(delay)
		c.Header("ETag", `"job-v1"`)
		c.JSON(http.StatusCreated, gin.H{"job_id": "j-1"})
	}
}

func TestConcurrentDuplicatesExecuteOnce(t *testing.T) {
	var calls atomic.Int32
	c := New(time.Second)
	r := newTestRouter(c, countingHandler(&calls, 50*time.Millisecond))

	const n = 5
	var wg sync.WaitGroup
	responses := make([]*httptest.ResponseRecorder, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i] = post(r, "u1", `{"a":1,"b":2}`, nil)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "N identical concurrent requests, one execution")
	for _, w := range responses {
		assert.Equal(t, http.StatusCreated, w.Code)
		assert.JSONEq(t, `{"job_id":"j-1"}`, w.Body.String())
		assert.Equal(t, `"job-v1"`, w.Header().Get("ETag"), "whitelisted headers replay")
	}

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.UniqueRequests)
	assert.Equal(t, uint64(n-1), stats.CoalescedRequests)
}

func TestKeyOrderCoalescesWithinReplayWindow(t *testing.T) {
	var calls atomic.Int32
	c := New(time.Second)
	r := newTestRouter(c, countingHandler(&calls, 0))

	w1 := post(r, "u1", `{"a":1,"b":2}`, nil)
	w2 := post(r, "u1", `{"b":2,"a":1}`, nil) // same payload, different key order

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, w1.Body.String(), w2.Body.String())
}

func TestDifferentPrincipalsNeverCoalesce(t *testing.T) {
	var calls atomic.Int32
	c := New(time.Second)
	r := newTestRouter(c, countingHandler(&calls, 0))

	post(r, "u1", `{"a":1}`, nil)
	post(r, "u2", `{"a":1}`, nil)

	assert.Equal(t, int32(2), calls.Load())
}

func TestReplayWindowExpiry(t *testing.T) {
	var calls atomic.Int32
	c := New(30 * time.Millisecond)
	r := newTestRouter(c, countingHandler(&calls, 0))

	post(r, "u1", `{"a":1}`, nil)
	time.Sleep(80 * time.Millisecond)
	post(r, "u1", `{"a":1}`, nil)

	assert.Equal(t, int32(2), calls.Load(), "entries past the replay window re-execute")

	require.Eventually(t, func() bool { return c.Stats().PendingEntries == 0 },
		time.Second, 5*time.Millisecond)
}

func TestNonMutatingMethodsPassThrough(t *testing.T) {
	var calls atomic.Int32
	c := New(time.Second)
	r := newTestRouter(c, countingHandler(&calls, 0))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
		req.Header.Set("X-User-Id", "u1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
	}

	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, c.Stats().UniqueRequests, "reads never enter the coalescer")
}

func TestStreamingRequestsPassThrough(t *testing.T) {
	var calls atomic.Int32
	c := New(time.Second)
	r := newTestRouter(c, countingHandler(&calls, 0))

	// streaming path suffix
	req := httptest.NewRequest(http.MethodPost, "/jobs/stream", strings.NewReader(`{"a":1}`))
	req.Header.Set("X-User-Id", "u1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	// SSE accept header
	post(r, "u1", `{"a":1}`, map[string]string{"Accept": "text/event-stream"})

	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, c.Stats().UniqueRequests)
}

func TestFailedOriginalRejectsFollowers(t *testing.T) {
	release := make(chan struct{})
	c := New(time.Second)
	r := newTestRouter(c, func(gc *gin.Context) {
		<-release
		gc.Abort() // bail without ever writing a response
	})

	var follower *httptest.ResponseRecorder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		post(r, "u1", `{"a":1}`, nil)
	}()
	time.Sleep(20 * time.Millisecond) // let the original claim the entry
	go func() {
		defer wg.Done()
		follower = post(r, "u1", `{"a":1}`, nil)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NotNil(t, follower)
	assert.Equal(t, http.StatusBadGateway, follower.Code,
		"followers of a failed original are rejected, not served a bogus snapshot")

	// the failed entry was removed immediately: a fresh request re-executes
	var calls atomic.Int32
	r2 := newTestRouter(c, countingHandler(&calls, 0))
	post(r2, "u1", `{"a":1}`, nil)
	assert.Equal(t, int32(1), calls.Load())
}

// A panicking handler unwinds past the middleware; the entry must be failed
// and removed, not left pending forever poisoning the fingerprint.
func TestPanickingHandlerFailsEntry(t *testing.T) {
	var calls atomic.Int32
	c := New(time.Second)
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/jobs",
		func(gc *gin.Context) { gc.Set(PrincipalKey, gc.GetHeader("X-User-Id")) },
		c.Middleware("jobs"),
		func(gc *gin.Context) {
			calls.Add(1)
			panic("handler exploded")
		})

	w1 := post(r, "u1", `{"a":1}`, nil)
	assert.Equal(t, http.StatusInternalServerError, w1.Code)
	assert.Zero(t, c.Stats().PendingEntries, "the failed entry must not linger")

	// the same body/principal must re-execute, not block on a dead entry
	w2 := post(r, "u1", `{"a":1}`, nil)
	assert.Equal(t, http.StatusInternalServerError, w2.Code)
	assert.Equal(t, int32(2), calls.Load())
}

// The entry map is process-local by design: two coalescer instances (two
// processes) do not share entries. Duplicates split across processes each
// execute once; that is the accepted relaxation.
func TestCoalescerIsProcessLocal(t *testing.T) {
	var calls atomic.Int32
	r1 := newTestRouter(New(time.Second), countingHandler(&calls, 0))
	r2 := newTestRouter(New(time.Second), countingHandler(&calls, 0))

	post(r1, "u1", `{"a":1}`, nil)
	post(r2, "u1", `{"a":1}`, nil)

	assert.Equal(t, int32(2), calls.Load())
}

func TestStatsRate(t *testing.T) {
	var calls atomic.Int32
	c := New(time.Second)
	r := newTestRouter(c, countingHandler(&calls, 0))

	post(r, "u1", `{"a":1}`, nil)
	post(r, "u1", `{"a":1}`, nil)
	post(r, "u1", `{"a":1}`, nil)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.UniqueRequests)
	assert.Equal(t, uint64(2), stats.CoalescedRequests)
	assert.InDelta(t, 2.0/3.0, stats.CoalescingRate, 1e-9)
}
