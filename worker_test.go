package precache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/always-cache/precache/cache"
	"github.com/always-cache/precache/cachestatus"

	"github.com/rs/zerolog"
)

var portfolioURLs = []string{
	"/",
	"/css/style.css",
	"/js/script.js",
	"profile picture - bautista.jpg",
}

// jpeg-ish bytes, to check that bodies are not mangled
var profilePicture = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, '\r', '\n', 0xff, 0xd9}

func portfolioFiles() map[string][]byte {
	return map[string][]byte{
		"/":                               []byte("<html>portfolio</html>"),
		"/css/style.css":                  []byte("body { margin: 0 }"),
		"/js/script.js":                   []byte("console.log('hi')"),
		"/profile picture - bautista.jpg": profilePicture,
	}
}

// testNetwork serves files from memory and counts the requests it gets per path.
type testNetwork struct {
	mutex sync.Mutex
	files map[string][]byte
	// paths that fail with a network error
	offline map[string]bool
	calls   map[string]int
}

func newTestNetwork(files map[string][]byte) *testNetwork {
	return &testNetwork{
		files:   files,
		offline: map[string]bool{},
		calls:   map[string]int{},
	}
}

var errOffline = errors.New("network unreachable")

func (n *testNetwork) Fetch(r *http.Request) (*http.Response, error) {
	n.mutex.Lock()
	n.calls[r.URL.Path]++
	offline := n.offline[r.URL.Path]
	body, found := n.files[r.URL.Path]
	n.mutex.Unlock()

	if offline {
		return nil, errOffline
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !found {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("X-Test", "origin")
		w.Write(body)
	})
	return HandlerNetwork{Handler: handler}.Fetch(r)
}

func (n *testNetwork) setFile(path string, body []byte) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.files[path] = body
}

func (n *testNetwork) callCount(path string) int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.calls[path]
}

func (n *testNetwork) totalCalls() int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	total := 0
	for _, c := range n.calls {
		total += c
	}
	return total
}

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func newTestWorker(t *testing.T, version string, urls []string, storage cache.Storage, network Network) *Worker {
	t.Helper()
	w, err := NewWorker(Config{
		Manifest: Manifest{Name: "veeny-portfolio", Version: version, URLs: urls},
		Storage:  storage,
		Network:  network,
		Logger:   nopLogger(),
	})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	return w
}

func installAndActivate(t *testing.T, w *Worker) {
	t.Helper()
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := w.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
}

func fetchBody(t *testing.T, w *Worker, uri string) ([]byte, cachestatus.CacheStatus) {
	t.Helper()
	res, cs, err := w.Fetch(httptest.NewRequest("GET", uri, nil))
	if err != nil {
		t.Fatalf("Fetch %s: %v", uri, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("Reading body of %s: %v", uri, err)
	}
	return body, cs
}

func TestInstallStoresEveryManifestURL(t *testing.T) {
	storage := cache.NewMemStorage()
	network := newTestNetwork(portfolioFiles())
	w := newTestWorker(t, "1.2", portfolioURLs, storage, network)

	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if w.State() != StateInstalled {
		t.Fatalf("State is %s", w.State())
	}
	bucket, _ := storage.Open("veeny-portfolio-v1.2")
	keys, _ := bucket.Keys()
	if len(keys) != len(portfolioURLs) {
		t.Fatalf("Bucket has keys %v", keys)
	}
	if network.callCount("/profile picture - bautista.jpg") != 1 {
		t.Fatalf("Profile picture fetched %d times", network.callCount("/profile picture - bautista.jpg"))
	}
}

func TestFetchHitDoesNotTouchNetwork(t *testing.T) {
	network := newTestNetwork(portfolioFiles())
	w := newTestWorker(t, "1.2", portfolioURLs, cache.NewMemStorage(), network)
	installAndActivate(t, w)
	callsAfterInstall := network.totalCalls()

	body, cs := fetchBody(t, w, "/css/style.css")
	if string(body) != "body { margin: 0 }" {
		t.Fatalf("Body is %s", body)
	}
	if !cs.IsHit() {
		t.Fatalf("Cache status is %s", cs)
	}

	body, cs = fetchBody(t, w, "/profile%20picture%20-%20bautista.jpg")
	if !bytes.Equal(body, profilePicture) {
		t.Fatalf("Body is %v", body)
	}
	if !cs.IsHit() {
		t.Fatalf("Cache status is %s", cs)
	}

	if calls := network.totalCalls(); calls != callsAfterInstall {
		t.Fatalf("Network called %d times after install", calls-callsAfterInstall)
	}
}

func TestFetchHitIgnoresChangedNetwork(t *testing.T) {
	network := newTestNetwork(portfolioFiles())
	w := newTestWorker(t, "1.2", portfolioURLs, cache.NewMemStorage(), network)
	installAndActivate(t, w)

	network.setFile("/js/script.js", []byte("changed"))
	body, _ := fetchBody(t, w, "/js/script.js")
	if string(body) != "console.log('hi')" {
		t.Fatalf("Body is %s", body)
	}
}

func TestFetchMissPassesThroughOnce(t *testing.T) {
	storage := cache.NewMemStorage()
	network := newTestNetwork(portfolioFiles())
	network.setFile("/projects.html", []byte("projects"))
	w := newTestWorker(t, "1.2", portfolioURLs, storage, network)
	installAndActivate(t, w)

	body, cs := fetchBody(t, w, "/projects.html")
	if string(body) != "projects" {
		t.Fatalf("Body is %s", body)
	}
	if cs.IsHit() || cs.FwdReason != cachestatus.FwdReasonUriMiss || cs.FwdStatus != 200 {
		t.Fatalf("Cache status is %s", cs)
	}
	if c := network.callCount("/projects.html"); c != 1 {
		t.Fatalf("Network called %d times", c)
	}

	// miss responses are not stored
	bucket, _ := storage.Open("veeny-portfolio-v1.2")
	if _, ok, _ := bucket.Match("GET:/projects.html"); ok {
		t.Fatalf("Miss response was stored")
	}
	fetchBody(t, w, "/projects.html")
	if c := network.callCount("/projects.html"); c != 2 {
		t.Fatalf("Network called %d times", c)
	}
}

func TestFetchMissReturnsNetworkResponseUnchanged(t *testing.T) {
	network := newTestNetwork(portfolioFiles())
	w := newTestWorker(t, "1.2", portfolioURLs, cache.NewMemStorage(), network)
	installAndActivate(t, w)

	res, cs, err := w.Fetch(httptest.NewRequest("GET", "/missing", nil))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if cs.FwdStatus != http.StatusNotFound {
		t.Fatalf("Cache status is %s", cs)
	}
}

func TestFetchMissPropagatesNetworkError(t *testing.T) {
	network := newTestNetwork(portfolioFiles())
	w := newTestWorker(t, "1.2", portfolioURLs, cache.NewMemStorage(), network)
	installAndActivate(t, w)
	network.offline["/contact"] = true

	_, _, err := w.Fetch(httptest.NewRequest("GET", "/contact", nil))
	if !errors.Is(err, errOffline) {
		t.Fatalf("Error is %v", err)
	}
	if c := network.callCount("/contact"); c != 1 {
		t.Fatalf("Network called %d times", c)
	}
}

func TestNonGetRequestsAreForwarded(t *testing.T) {
	network := newTestNetwork(portfolioFiles())
	w := newTestWorker(t, "1.2", portfolioURLs, cache.NewMemStorage(), network)
	installAndActivate(t, w)

	_, cs, err := w.Fetch(httptest.NewRequest("POST", "/", nil))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if cs.FwdReason != cachestatus.FwdReasonMethod {
		t.Fatalf("Cache status is %s", cs)
	}
	if c := network.callCount("/"); c != 2 {
		t.Fatalf("Network called %d times for /", c)
	}
}

func TestInstallFailureStoresNothing(t *testing.T) {
	storage := cache.NewMemStorage()
	files := portfolioFiles()
	delete(files, "/js/script.js")
	w := newTestWorker(t, "1.2", portfolioURLs, storage, newTestNetwork(files))

	err := w.Install(context.Background())
	if !errors.Is(err, ErrPrecacheFailed) {
		t.Fatalf("Error is %v", err)
	}
	var statusErr *BadStatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound || statusErr.URL != "/js/script.js" {
		t.Fatalf("Error is %v", err)
	}
	if w.State() != StateInstallFailed {
		t.Fatalf("State is %s", w.State())
	}
	if !errors.Is(w.InstallError(), ErrPrecacheFailed) {
		t.Fatalf("Install error is %v", w.InstallError())
	}

	bucket, _ := storage.Open("veeny-portfolio-v1.2")
	if keys, _ := bucket.Keys(); len(keys) != 0 {
		t.Fatalf("Bucket has keys %v", keys)
	}
	if err := w.Activate(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Activate after failed install: %v", err)
	}
	if _, _, err := w.Fetch(httptest.NewRequest("GET", "/", nil)); !errors.Is(err, ErrNotActive) {
		t.Fatalf("Fetch after failed install: %v", err)
	}
}

func TestInstallNetworkErrorFails(t *testing.T) {
	network := newTestNetwork(portfolioFiles())
	network.offline["/css/style.css"] = true
	w := newTestWorker(t, "1.2", portfolioURLs, cache.NewMemStorage(), network)

	err := w.Install(context.Background())
	if !errors.Is(err, ErrPrecacheFailed) || !errors.Is(err, errOffline) {
		t.Fatalf("Error is %v", err)
	}
}

func TestInstallOfCompleteBucketSkipsNetwork(t *testing.T) {
	storage, err := cache.NewSQLiteStorage(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer storage.Close()
	network := newTestNetwork(portfolioFiles())
	installAndActivate(t, newTestWorker(t, "1.2", portfolioURLs, storage, network))
	calls := network.totalCalls()

	network.setFile("/css/style.css", []byte("new"))
	network.offline["/js/script.js"] = true
	// same version again, e.g. a restart with a broken origin
	w := newTestWorker(t, "1.2", portfolioURLs, storage, network)
	installAndActivate(t, w)
	if network.totalCalls() != calls {
		t.Fatalf("Network called %d times", network.totalCalls()-calls)
	}
	if body, cs := fetchBody(t, w, "/css/style.css"); string(body) != "body { margin: 0 }" || !cs.IsHit() {
		t.Fatalf("Served %s (%s)", body, cs)
	}
}

func TestInstallFetchesOnlyMissingURLs(t *testing.T) {
	storage := cache.NewMemStorage()
	network := newTestNetwork(portfolioFiles())
	network.setFile("/projects.html", []byte("projects"))
	installAndActivate(t, newTestWorker(t, "1.2", portfolioURLs, storage, network))

	network.setFile("/css/style.css", []byte("new"))
	w := newTestWorker(t, "1.2", append(portfolioURLs, "/projects.html"), storage, network)
	installAndActivate(t, w)
	if c := network.callCount("/css/style.css"); c != 1 {
		t.Fatalf("style.css fetched %d times", c)
	}
	if c := network.callCount("/projects.html"); c != 1 {
		t.Fatalf("projects.html fetched %d times", c)
	}
	if body, _ := fetchBody(t, w, "/css/style.css"); string(body) != "body { margin: 0 }" {
		t.Fatalf("Stored entry rewritten: %s", body)
	}
}

func TestInstallStoresResponseAsReceived(t *testing.T) {
	storage := cache.NewMemStorage()
	network := newTestNetwork(portfolioFiles())
	installAndActivate(t, newTestWorker(t, "1.2", portfolioURLs, storage, network))

	bucket, _ := storage.Open("veeny-portfolio-v1.2")
	e, ok, _ := bucket.Match("GET:/js/script.js")
	if !ok {
		t.Fatal("Entry missing")
	}
	if bytes.Contains(e.Bytes, []byte("Date:")) {
		t.Fatalf("Stored response has headers the network did not send:\n%s", e.Bytes)
	}
}

func TestVersionsUseSeparateBuckets(t *testing.T) {
	storage := cache.NewMemStorage()
	network := newTestNetwork(portfolioFiles())
	installAndActivate(t, newTestWorker(t, "1.1", portfolioURLs, storage, network))

	network.setFile("/css/style.css", []byte("v2"))
	installAndActivate(t, newTestWorker(t, "1.2", portfolioURLs, storage, network))

	names, _ := storage.Names()
	if len(names) != 2 || names[0] != "veeny-portfolio-v1.1" || names[1] != "veeny-portfolio-v1.2" {
		t.Fatalf("Buckets are %v", names)
	}
	old, _ := storage.Open("veeny-portfolio-v1.1")
	e, _, _ := old.Match("GET:/css/style.css")
	if bytes.Contains(e.Bytes, []byte("v2")) {
		t.Fatalf("Old bucket was modified")
	}
}

func TestCleanupDeleteStale(t *testing.T) {
	storage := cache.NewMemStorage()
	storage.Open("other-app-v1.0")
	storage.Open("veeny-portfolio-v2-tool-v1.0")
	network := newTestNetwork(portfolioFiles())
	installAndActivate(t, newTestWorker(t, "1.1", portfolioURLs, storage, network))

	w, err := NewWorker(Config{
		Manifest: Manifest{Name: "veeny-portfolio", Version: "1.2", URLs: portfolioURLs},
		Storage:  storage,
		Network:  network,
		Logger:   nopLogger(),
		Cleanup:  CleanupDeleteStale,
	})
	if err != nil {
		t.Fatal(err)
	}
	installAndActivate(t, w)

	names, _ := storage.Names()
	if len(names) != 3 || names[0] != "other-app-v1.0" || names[1] != "veeny-portfolio-v2-tool-v1.0" || names[2] != "veeny-portfolio-v1.2" {
		t.Fatalf("Buckets are %v", names)
	}
}

func TestUnknownCleanupPolicy(t *testing.T) {
	_, err := NewWorker(Config{
		Manifest: Manifest{Name: "app", Version: "1.0"},
		Storage:  cache.NewMemStorage(),
		Network:  newTestNetwork(nil),
		Cleanup:  "sometimes",
	})
	if err == nil {
		t.Fatalf("Expected error")
	}
}

func TestStateTransitions(t *testing.T) {
	w := newTestWorker(t, "1.2", portfolioURLs, cache.NewMemStorage(), newTestNetwork(portfolioFiles()))
	if w.State() != StateUnregistered {
		t.Fatalf("State is %s", w.State())
	}
	if err := w.Activate(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Activate before install: %v", err)
	}
	installAndActivate(t, w)
	if w.State() != StateActive {
		t.Fatalf("State is %s", w.State())
	}
	if err := w.Install(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Second install: %v", err)
	}
	w.MarkRedundant()
	if w.State() != StateRedundant {
		t.Fatalf("State is %s", w.State())
	}
	if _, _, err := w.Fetch(httptest.NewRequest("GET", "/", nil)); !errors.Is(err, ErrNotActive) {
		t.Fatalf("Fetch on redundant worker: %v", err)
	}
}

func TestInstallConcurrency(t *testing.T) {
	var inFlight, maxInFlight int32
	network := NetworkFunc(func(r *http.Request) (*http.Response, error) {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		rec := httptest.NewRecorder()
		rec.WriteString("ok")
		return rec.Result(), nil
	})
	urls := []string{"/1", "/2", "/3", "/4", "/5", "/6"}
	w, err := NewWorker(Config{
		Manifest:           Manifest{Name: "app", Version: "1.0", URLs: urls},
		Storage:            cache.NewMemStorage(),
		Network:            network,
		Logger:             nopLogger(),
		InstallConcurrency: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if n := atomic.LoadInt32(&maxInFlight); n > 2 {
		t.Fatalf("%d concurrent precache requests", n)
	}
}

func TestServeHTTP(t *testing.T) {
	network := newTestNetwork(portfolioFiles())
	w := newTestWorker(t, "1.2", portfolioURLs, cache.NewMemStorage(), network)

	// not active yet
	rr := httptest.NewRecorder()
	w.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if cs := rr.Result().Header.Get("Cache-Status"); cs != "Precache; fwd=bypass; fwd-status=200" {
		t.Fatalf("Cache-Status is %s", cs)
	}

	installAndActivate(t, w)
	rr = httptest.NewRecorder()
	w.ServeHTTP(rr, httptest.NewRequest("GET", "/css/style.css", nil))
	if cs := rr.Result().Header.Get("Cache-Status"); cs != "Precache; hit" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if h := rr.Result().Header.Get("X-Test"); h != "origin" {
		t.Fatalf("Stored header is %s", h)
	}
	if body := rr.Body.String(); body != "body { margin: 0 }" {
		t.Fatalf("Body is %s", body)
	}

	network.offline["/down"] = true
	rr = httptest.NewRecorder()
	w.ServeHTTP(rr, httptest.NewRequest("GET", "/down", nil))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("Status is %d", rr.Code)
	}
}
