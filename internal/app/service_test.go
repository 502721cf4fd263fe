package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/paperoo/spool/internal/config"
	"github.com/paperoo/spool/internal/core"
	"github.com/paperoo/spool/internal/logger"
	"github.com/paperoo/spool/internal/printer"
)

type recordingTransport struct {
	mu   sync.Mutex
	sent [][]byte
}

func (t *recordingTransport) Kind() printer.Kind          { return printer.KindNetwork }
func (t *recordingTransport) Address() string             { return "recording:9100" }
func (t *recordingTransport) Probe(context.Context) error { return nil }
func (t *recordingTransport) Close() error                { return nil }

func (t *recordingTransport) Send(_ context.Context, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, payload)
	return nil
}

func (t *recordingTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

type testFactory struct {
	transport *recordingTransport
}

func (f testFactory) Transport(config.PrinterConfig) (printer.Transport, error) {
	return f.transport, nil
}

func (f testFactory) Power(config.PowerConfig) (core.PowerDevice, error) {
	return nil, nil
}

type brokenFactory struct{}

func (brokenFactory) Transport(config.PrinterConfig) (printer.Transport, error) {
	return nil, errors.New("no such device")
}

func (brokenFactory) Power(config.PowerConfig) (core.PowerDevice, error) {
	return nil, nil
}

func testConfig(dbPath string) *config.Config {
	cfg := config.Defaults()
	cfg.Printer.Type = config.PrinterNetwork
	cfg.Printer.HealthCheckInterval = 0
	cfg.Database.Path = dbPath
	cfg.Database.SnapshotInterval = time.Hour
	cfg.Queue.IdlePoll = 20 * time.Millisecond
	return cfg
}

type running struct {
	url    string
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, svc *Service) *running {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{url: "http://" + ln.Addr().String(), cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- svc.Serve(ctx, ln) }()
	return r
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func submit(t *testing.T, url, text string) int64 {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"text": text, "priority": 2, "language": "en"})
	resp, err := http.Post(url+"/api/print", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	var out struct {
		ID int64 `json:"id"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	return out.ID
}

func TestServicePrintsSubmittedJob(t *testing.T) {
	transport := &recordingTransport{}
	svc, err := New(testConfig(""), "", logger.Discard(), WithFactory(testFactory{transport}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := start(t, svc)
	defer r.stop(t)

	id := submit(t, r.url, "Buy milk")
	waitFor(t, "job printed", func() bool {
		j, err := svc.Queue().GetStatus(id)
		return err == nil && j.State == core.StatePrinted
	})
	if transport.count() != 1 {
		t.Errorf("sends = %d, want 1", transport.count())
	}

	resp, err := http.Get(r.url + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	resp.Body.Close()
	if !bytes.Contains(buf.Bytes(), []byte("spool_jobs_events_total")) {
		t.Errorf("metrics missing job events:\n%s", buf.String())
	}
}

func TestServiceRestoresAcrossRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "spool.db")
	cfg := testConfig(dbPath)

	svc, err := New(cfg, "", logger.Discard(), WithFactory(testFactory{&recordingTransport{}}))
	if err != nil {
		t.Fatal(err)
	}
	job, err := svc.Queue().Submit("survive restart", 4, "de")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.snapshotter.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	svc.closeDB()

	restarted, err := New(cfg, "", logger.Discard(), WithFactory(testFactory{&recordingTransport{}}))
	if err != nil {
		t.Fatal(err)
	}
	defer restarted.closeDB()

	got, err := restarted.Queue().GetStatus(job.ID)
	if err != nil {
		t.Fatalf("job lost across restart: %v", err)
	}
	if got.Text != "survive restart" || got.State != core.StatePending {
		t.Errorf("restored job = %+v", got)
	}
}

func TestReloadAppliesConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.yaml")
	write := func(body string) {
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("language: de\nprinter:\n  type: network\n  network:\n    host: 10.0.0.5\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Database.Path = ""
	svc, err := New(cfg, path, logger.Discard(), WithFactory(testFactory{&recordingTransport{}}))
	if err != nil {
		t.Fatal(err)
	}

	write("language: en\ndatabase:\n  path: \"\"\nprinter:\n  type: network\n  network:\n    host: 10.0.0.6\nwebhooks:\n  - url: http://127.0.0.1:1/hook\n")
	if err := svc.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := svc.Queue().Config(); got.Language != "en" || got.Printer.Network.Host != "10.0.0.6" {
		t.Errorf("reload not applied: %+v", got)
	}
	if svc.hooks.sender.Load() == nil {
		t.Error("webhook sender not installed after reload")
	}

	write("language: fr\n")
	if err := svc.Reload(); err == nil {
		t.Fatal("invalid config accepted")
	}
	if svc.Queue().Config().Language != "en" {
		t.Error("rejected reload changed the running config")
	}

	svc.hooks.close()
}

func TestFailedNewReleasesResources(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "spool.db"))
	cfg.Webhooks = []config.WebhookConfig{{URL: "http://127.0.0.1:1/hook"}}

	var svc *Service
	capture := func(s *Service) { svc = s }
	if _, err := New(cfg, "", logger.Discard(), WithFactory(brokenFactory{}), capture); err == nil {
		t.Fatal("New succeeded with a broken printer")
	}
	if svc.hooks.sender.Load() != nil {
		t.Error("webhook sender left running")
	}
	if svc.database != nil || svc.metrics != nil {
		t.Error("database or metrics left open")
	}
}
