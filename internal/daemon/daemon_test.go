package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/inline/internal/bus"
	"github.com/matheus3301/inline/internal/ingest"
	"github.com/matheus3301/inline/internal/session"
	"github.com/matheus3301/inline/internal/status"
	"github.com/matheus3301/inline/internal/store"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// shortHome points INLINE_HOME at a short /tmp dir to stay under the
// 104-char Unix socket limit.
func shortHome(t *testing.T, prefix string) string {
	t.Helper()
	tmpDir, err := os.MkdirTemp("/tmp", prefix)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })
	t.Setenv(session.HomeEnv, tmpDir)
	return tmpDir
}

func healthClient(t *testing.T, socketPath string) healthpb.HealthClient {
	t.Helper()
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func check(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q) error = %v", service, err)
	}
	return resp.Status
}

// waitStatus polls until the health status of service equals want.
func waitStatus(t *testing.T, client healthpb.HealthClient, service string, want healthpb.HealthCheckResponse_ServingStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := check(t, client, service)
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("status of %q = %v, want %v", service, got, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHealthFollowsEngineState(t *testing.T) {
	tmpDir := shortHome(t, "inline-health-*")
	socketPath := filepath.Join(tmpDir, "d.sock")

	b := bus.New()
	defer b.Close()
	machine := status.NewMachine(b)

	srv, err := NewServer(Params{SessionName: "test", SocketPath: socketPath}, zap.NewNop(), machine, b)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	defer srv.Stop(context.Background())

	client := healthClient(t, socketPath)

	// STARTING is not serving yet.
	if got := check(t, client, EngineService); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("initial status = %v, want NOT_SERVING", got)
	}

	_ = machine.Transition(status.Running)
	waitStatus(t, client, EngineService, healthpb.HealthCheckResponse_SERVING)
	waitStatus(t, client, "", healthpb.HealthCheckResponse_SERVING)

	// A degraded engine still accepts batches.
	_ = machine.Transition(status.Degraded)
	waitStatus(t, client, EngineService, healthpb.HealthCheckResponse_SERVING)

	_ = machine.Transition(status.Stopping)
	waitStatus(t, client, EngineService, healthpb.HealthCheckResponse_NOT_SERVING)
}

// TestNewServerCreatesSocket verifies NewServer resolves from Params and
// binds the override path rather than the session default.
func TestNewServerCreatesSocket(t *testing.T) {
	tmpDir := shortHome(t, "inline-srv-*")
	socketPath := filepath.Join(tmpDir, "d.sock")

	srv, err := NewServer(Params{SessionName: "fxtest", SocketPath: socketPath}, zap.NewNop(), status.NewMachine(nil), nil)
	if err != nil {
		t.Fatalf("NewServer() with Params failed: %v", err)
	}
	if _, statErr := os.Stat(socketPath); statErr != nil {
		t.Fatalf("socket not created at %s: %v", socketPath, statErr)
	}

	srv.Stop(context.Background())
	if _, statErr := os.Stat(socketPath); !os.IsNotExist(statErr) {
		t.Errorf("socket not removed on stop: %v", statErr)
	}
}

// TestFxModuleWiring verifies the fx dependency graph resolves without errors.
func TestFxModuleWiring(t *testing.T) {
	shortHome(t, "inline-fx-*")
	if err := fx.ValidateApp(Module(Params{SessionName: "fxtest"})); err != nil {
		t.Fatalf("ValidateApp() error = %v", err)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	shortHome(t, "inline-d-*")
	sessionName := "test"

	app := fxtest.New(t,
		Module(Params{SessionName: sessionName, LogLevel: "warn"}),
		fx.NopLogger,
	)
	app.RequireStart()
	stopped := false
	defer func() {
		if !stopped {
			app.RequireStop()
		}
	}()

	health := healthClient(t, session.SocketPath(sessionName))
	waitStatus(t, health, EngineService, healthpb.HealthCheckResponse_SERVING)

	client := ingest.NewClient(session.IngestSocketPath(sessionName))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch := `
- kind: new_message
  payload: {chat_id: 7, message_id: 1, from_id: 2, text: hi, date_ms: 1000}
`
	res, err := client.ApplyBatch(ctx, strings.NewReader(batch))
	if err != nil {
		t.Fatalf("ApplyBatch() error = %v", err)
	}
	if res.Updates != 1 {
		t.Errorf("updates = %d, want 1", res.Updates)
	}

	stats, err := client.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.State != string(status.Running) {
		t.Errorf("state = %s, want RUNNING", stats.State)
	}

	// A second daemon on the same session must fail on the lock.
	second := fx.New(Module(Params{SessionName: sessionName}), fx.NopLogger)
	if second.Err() == nil {
		t.Error("second daemon started while the session lock was held")
	}

	app.RequireStop()
	stopped = true

	// The store outlives the daemon.
	db, err := store.Open(session.AppDBPath(sessionName))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	chat, err := db.GetChat(7)
	if err != nil {
		t.Fatal(err)
	}
	if chat == nil || chat.LastMsg == nil || chat.LastMsg.String() != "1" {
		t.Errorf("chat 7 last message = %+v, want 1", chat)
	}
	for _, p := range []string{session.SocketPath(sessionName), session.IngestSocketPath(sessionName)} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("socket %s not removed: %v", p, err)
		}
	}
}
