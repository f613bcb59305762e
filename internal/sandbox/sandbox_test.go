package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// fakeDaemon is a minimal stand-in for the Docker Engine API, just enough
// to exercise Controller's inspect/create/start/stop/remove calls against a
// single named container.
type fakeDaemon struct {
	mu        sync.Mutex
	name      string
	id        string
	running   bool
	exists    bool
	startedAt string
	createErr string // if set, ContainerCreate returns this error message once
}

func newFakeDaemon(t *testing.T, name string) (*fakeDaemon, *client.Client) {
	t.Helper()
	fd := &fakeDaemon{name: name}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1.44/containers/"+name+"/json", func(w http.ResponseWriter, r *http.Request) {
		fd.mu.Lock()
		defer fd.mu.Unlock()
		if !fd.exists {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"message": "no such container"})
			return
		}
		json.NewEncoder(w).Encode(container.InspectResponse{
			ContainerJSONBase: &container.ContainerJSONBase{
				ID: fd.id,
				State: &container.State{
					Running:   fd.running,
					StartedAt: fd.startedAt,
				},
			},
		})
	})
	mux.HandleFunc("/v1.44/containers/create", func(w http.ResponseWriter, r *http.Request) {
		fd.mu.Lock()
		defer fd.mu.Unlock()
		if fd.createErr != "" {
			msg := fd.createErr
			fd.createErr = ""
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{"message": msg})
			return
		}
		fd.exists = true
		fd.id = "fake-container-id"
		fd.running = false
		json.NewEncoder(w).Encode(container.CreateResponse{ID: fd.id})
	})
	mux.HandleFunc("/v1.44/containers/"+name+"/start", func(w http.ResponseWriter, r *http.Request) {
		fd.mu.Lock()
		defer fd.mu.Unlock()
		fd.running = true
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/v1.44/containers/fake-container-id/start", func(w http.ResponseWriter, r *http.Request) {
		fd.mu.Lock()
		defer fd.mu.Unlock()
		fd.running = true
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/v1.44/containers/"+name+"/stop", func(w http.ResponseWriter, r *http.Request) {
		fd.mu.Lock()
		defer fd.mu.Unlock()
		fd.running = false
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/v1.44/containers/fake-container-id/stop", func(w http.ResponseWriter, r *http.Request) {
		fd.mu.Lock()
		defer fd.mu.Unlock()
		fd.running = false
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/v1.44/containers/fake-container-id", func(w http.ResponseWriter, r *http.Request) {
		fd.mu.Lock()
		defer fd.mu.Unlock()
		fd.exists = false
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cli, err := client.NewClientWithOpts(
		client.WithHost(srv.URL),
		client.WithHTTPClient(srv.Client()),
		client.WithVersion("1.44"),
	)
	if err != nil {
		t.Fatalf("new docker client: %v", err)
	}
	return fd, cli
}

func newTestController(t *testing.T, name string) (*fakeDaemon, *Controller) {
	t.Helper()
	fd, cli := newFakeDaemon(t, name)
	return fd, &Controller{cli: cli, containerName: name, image: "test-image:latest"}
}

func TestGetStateMissing(t *testing.T) {
	_, c := newTestController(t, fmt.Sprintf("gateway-sandbox-%d", 1))

	state, err := c.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state != StateMissing {
		t.Fatalf("GetState() = %q, want %q", state, StateMissing)
	}
}

func TestEnsureRunningCreatesWhenMissing(t *testing.T) {
	fd, c := newTestController(t, fmt.Sprintf("gateway-sandbox-%d", 2))

	if err := c.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if !fd.running {
		t.Fatal("expected container to be running after EnsureRunning on a missing container")
	}

	state, err := c.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state != StateRunning {
		t.Fatalf("GetState() = %q, want %q", state, StateRunning)
	}
}

func TestEnsureRunningIsNoopWhenAlreadyRunning(t *testing.T) {
	fd, c := newTestController(t, fmt.Sprintf("gateway-sandbox-%d", 3))
	fd.exists = true
	fd.id = "fake-container-id"
	fd.running = true

	if err := c.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if !fd.running {
		t.Fatal("expected container to remain running")
	}
}

func TestEnsureRunningRestartsStoppedContainerWithinGracePeriod(t *testing.T) {
	fd, c := newTestController(t, fmt.Sprintf("gateway-sandbox-%d", 4))
	fd.exists = true
	fd.id = "fake-container-id"
	fd.running = false
	c.lastSeenRunning = time.Now()

	if err := c.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if !fd.running {
		t.Fatal("expected stopped container to be restarted in place")
	}
}

func TestInspectReportsStartedAtWhenRunning(t *testing.T) {
	fd, c := newTestController(t, fmt.Sprintf("gateway-sandbox-%d", 6))
	fd.exists = true
	fd.id = "fake-container-id"
	fd.running = true
	fd.startedAt = "2026-07-30T12:00:00Z"

	info, err := c.Inspect(context.Background())
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.State != StateRunning {
		t.Fatalf("State = %q, want running", info.State)
	}
	if info.StartedAt.IsZero() {
		t.Fatal("expected StartedAt to be parsed from the container's StartedAt field")
	}
}

func TestInspectMissingReportsZeroStartedAt(t *testing.T) {
	_, c := newTestController(t, fmt.Sprintf("gateway-sandbox-%d", 7))

	info, err := c.Inspect(context.Background())
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.State != StateMissing {
		t.Fatalf("State = %q, want missing", info.State)
	}
	if !info.StartedAt.IsZero() {
		t.Fatalf("StartedAt = %v, want zero for a missing container", info.StartedAt)
	}
}

func TestStopIsIdempotentWhenMissing(t *testing.T) {
	_, c := newTestController(t, fmt.Sprintf("gateway-sandbox-%d", 5))

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop on missing container should be a no-op, got: %v", err)
	}
}
