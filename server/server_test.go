package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqronlabs/mailverdict/analyzer"
	"github.com/synqronlabs/mailverdict/config"
	"github.com/synqronlabs/mailverdict/dns"
	"github.com/synqronlabs/mailverdict/log"
	"github.com/synqronlabs/mailverdict/message"
	"github.com/synqronlabs/mailverdict/verdict"
)

func init() {
	log.Silence()
}

const rawEmail = "From: alice@example.com\r\nSubject: hi\r\n\r\nhello\r\n"

// fakeAnalyzer records the last message and answers a fixed verdict.
type fakeAnalyzer struct {
	last *message.Message
}

func (f *fakeAnalyzer) Analyze(_ context.Context, msg *message.Message) analyzer.Report {
	f.last = msg

	return analyzer.Report{
		Mode:    analyzer.ModeEmail,
		Domain:  msg.FromDomain,
		Verdict: verdict.Verdict{Level: verdict.LevelMedium, Score: 50},
	}
}

func (f *fakeAnalyzer) AnalyzeDomain(_ context.Context, domain string) (analyzer.Report, error) {
	name, err := dns.Normalize(domain)
	if err != nil {
		return analyzer.Report{}, err
	}

	return analyzer.Report{
		Mode:    analyzer.ModeDomain,
		Domain:  name,
		Verdict: verdict.Verdict{Level: verdict.LevelInvalid, Factors: []string{"domain not resolvable"}},
	}, nil
}

func testConfig() config.HTTP {
	return config.HTTP{Address: "127.0.0.1:0", MaxBodyBytes: 1024}
}

func do(t *testing.T, h http.Handler, method, target, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestAnalyze(t *testing.T) {
	tests := []struct {
		name        string
		target      string
		contentType string
		body        string
		status      int
		domain      string
		ip          string
	}{
		{
			name:        "raw rfc822",
			target:      "/analyze",
			contentType: "message/rfc822",
			body:        rawEmail,
			status:      http.StatusOK,
			domain:      "example.com",
		},
		{
			name:   "raw without content type, ip in query",
			target: "/analyze?ip=198.51.100.1",
			body:   rawEmail,
			status: http.StatusOK,
			domain: "example.com",
			ip:     "198.51.100.1",
		},
		{
			name:        "json",
			target:      "/analyze",
			contentType: "application/json; charset=utf-8",
			body:        fmt.Sprintf(`{"raw_email": %q, "ip": "2001:db8::1", "domain": "Other.Example"}`, rawEmail),
			status:      http.StatusOK,
			domain:      "other.example",
			ip:          "2001:db8::1",
		},
		{
			name:        "broken json",
			target:      "/analyze",
			contentType: "application/json",
			body:        `{"raw_email":`,
			status:      http.StatusBadRequest,
		},
		{
			name:   "no from",
			target: "/analyze",
			body:   "Subject: hi\r\n\r\nbody",
			status: http.StatusBadRequest,
		},
		{
			name:   "empty",
			target: "/analyze",
			status: http.StatusBadRequest,
		},
		{
			name:   "invalid ip",
			target: "/analyze?ip=nope",
			body:   rawEmail,
			status: http.StatusBadRequest,
		},
		{
			name:   "too large",
			target: "/analyze",
			body:   rawEmail + strings.Repeat("x", 2048),
			status: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fa := &fakeAnalyzer{}
			s := New(context.Background(), fa, testConfig())

			rec := do(t, s.Handler(), http.MethodPost, tt.target, tt.contentType, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			if tt.status != http.StatusOK {
				var er ErrorResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &er))
				assert.NotEmpty(t, er.Error)
				assert.Nil(t, fa.last)

				return
			}

			var report analyzer.Report
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
			assert.Equal(t, verdict.LevelMedium, report.Verdict.Level)
			assert.Equal(t, tt.domain, report.Domain)

			require.NotNil(t, fa.last)
			if tt.ip != "" {
				assert.True(t, fa.last.ClientIP.Equal(net.ParseIP(tt.ip)))
				assert.Equal(t, message.SourceOverride, fa.last.ClientIPSource)
			}
		})
	}
}

func TestAnalyzeDomain(t *testing.T) {
	s := New(context.Background(), &fakeAnalyzer{}, testConfig())

	rec := do(t, s.Handler(), http.MethodGet, "/analyze/domain/Nowhere.Example", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var report analyzer.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, analyzer.ModeDomain, report.Mode)
	assert.Equal(t, "nowhere.example", report.Domain)
	assert.Equal(t, verdict.LevelInvalid, report.Verdict.Level)

	rec = do(t, s.Handler(), http.MethodGet, "/analyze/domain/%20", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := New(context.Background(), &fakeAnalyzer{}, testConfig())

	rec := do(t, s.Handler(), http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, s.Handler(), http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "promhttp_metric_handler_requests_total")
}

func TestMethodNotAllowed(t *testing.T) {
	s := New(context.Background(), &fakeAnalyzer{}, testConfig())

	rec := do(t, s.Handler(), http.MethodGet, "/analyze", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCORS(t *testing.T) {
	cfg := testConfig()
	cfg.CORSOrigins = []string{"https://app.example"}
	s := New(context.Background(), &fakeAnalyzer{}, cfg)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://app.example")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig()
	cfg.RateLimit = 2
	cfg.RateWindow = time.Minute
	s := New(ctx, &fakeAnalyzer{}, cfg)

	for i := 0; i < 2; i++ {
		rec := do(t, s.Handler(), http.MethodPost, "/analyze", "", rawEmail)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := do(t, s.Handler(), http.MethodPost, "/analyze", "", rawEmail)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// health is not limited
	rec = do(t, s.Handler(), http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiterWindow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl := NewRateLimiter(ctx, 1, 20*time.Millisecond)

	assert.True(t, rl.Allow("192.0.2.1"))
	assert.False(t, rl.Allow("192.0.2.1"))
	assert.True(t, rl.Allow("192.0.2.2"))

	time.Sleep(30 * time.Millisecond)
	assert.True(t, rl.Allow("192.0.2.1"))
}

func TestRecovery(t *testing.T) {
	h := Recovery(log.PrefixedLog("test"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, &fakeAnalyzer{}, testConfig())

	errCh := make(chan error, 1)

	go func() { errCh <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

// slowAnalyzer blocks until released and reports whether its request
// context was cancelled meanwhile.
type slowAnalyzer struct {
	fakeAnalyzer
	entered  chan struct{}
	release  chan struct{}
	canceled chan bool
}

func (a *slowAnalyzer) Analyze(ctx context.Context, msg *message.Message) analyzer.Report {
	close(a.entered)
	<-a.release
	a.canceled <- ctx.Err() != nil

	return a.fakeAnalyzer.Analyze(ctx, msg)
}

func TestServeFinishesRunningAnalyses(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	a := &slowAnalyzer{
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
		canceled: make(chan bool, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, a, testConfig())

	errCh := make(chan error, 1)

	go func() { errCh <- s.Serve(ctx, ln) }()

	type answer struct {
		status int
		err    error
	}

	respCh := make(chan answer, 1)

	go func() {
		resp, err := http.Post("http://"+ln.Addr().String()+"/analyze", "message/rfc822", strings.NewReader(rawEmail))
		if err != nil {
			respCh <- answer{err: err}

			return
		}

		_ = resp.Body.Close()
		respCh <- answer{status: resp.StatusCode}
	}()

	<-a.entered
	cancel()

	// shutdown has begun; the analysis is still running
	time.Sleep(50 * time.Millisecond)
	close(a.release)

	assert.False(t, <-a.canceled)

	select {
	case r := <-respCh:
		require.NoError(t, r.err)
		assert.Equal(t, http.StatusOK, r.status)
	case <-time.After(5 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
