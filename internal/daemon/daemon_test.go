package daemon_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wolfstream/host/internal/config"
	"github.com/wolfstream/host/internal/cryptoutil"
	"github.com/wolfstream/host/internal/daemon"
)

// seedConfig writes a config.json with one paired client and one launchable
// app before the daemon opens its Config Store, so Launch has something to
// authorize against. It returns the client identity so tests can present
// its certificate the way a real mutual-TLS handshake would.
func seedConfig(t *testing.T, instanceName string) (*cryptoutil.HostIdentity, config.App) {
	t.Helper()

	paths, err := config.EnsureDirs(instanceName)
	if err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}

	host, err := cryptoutil.GenerateHostIdentity("test-host")
	if err != nil {
		t.Fatalf("GenerateHostIdentity(host): %v", err)
	}
	client, err := cryptoutil.GenerateHostIdentity("test-client")
	if err != nil {
		t.Fatalf("GenerateHostIdentity(client): %v", err)
	}

	app := config.App{
		ID:    "steam",
		Title: "Steam",
		Runner: config.Runner{
			Kind:    config.RunnerCommand,
			Command: &config.CommandRunner{RunCmd: []string{"/bin/sh", "-c", "trap 'exit 0' TERM; sleep 30"}},
		},
	}

	cfg := config.Config{
		Hostname: "test-host",
		UUID:     "11111111-1111-1111-1111-111111111111",
		HostCert: string(host.CertPEM),
		HostKey:  string(host.KeyPEM),
		PairedClients: []config.PairedClient{{
			ClientID:       "client-1",
			ClientCert:     string(client.CertPEM),
			AppStateFolder: filepath.Join(paths.AppStateRoot, "client-1"),
		}},
		Apps: []config.App{app},
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal seed config: %v", err)
	}
	if err := os.WriteFile(paths.StateFile, data, 0o600); err != nil {
		t.Fatalf("write seed config: %v", err)
	}

	return client, app
}

func newTestDaemon(t *testing.T, instance string) (*daemon.Daemon, *cryptoutil.HostIdentity, config.App) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	client, app := seedConfig(t, instance)

	d, err := daemon.New(daemon.Options{
		InstanceName:        instance,
		HTTPAddr:            "127.0.0.1:0",
		RTSPAddr:            "127.0.0.1:0",
		RTSPHostname:        "127.0.0.1",
		PortLow:             49000,
		PortHigh:            49020,
		DeviceQueueCapacity: 4,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, client, app
}

func TestNewWiresEveryService(t *testing.T) {
	d, _, _ := newTestDaemon(t, "wire-check")

	if d.Registry() == nil {
		t.Fatal("expected non-nil registry")
	}
	if d.Pairing() == nil {
		t.Fatal("expected non-nil pairing machine")
	}
	if d.History() == nil {
		t.Fatal("expected non-nil history store")
	}
}

func TestStartShutdownIsClean(t *testing.T) {
	d, _, _ := newTestDaemon(t, "start-stop")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestLaunchSpawnsRunnerAndRecordsHistory(t *testing.T) {
	d, client, app := newTestDaemon(t, "launch")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Shutdown(ctx)

	sess, err := d.Registry().Launch(app.ID, client.Cert, "203.0.113.9")
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	// The daemon spawns the runner and device queue asynchronously off the
	// StreamSession event; give it a moment to land before checking history.
	deadline := time.Now().Add(2 * time.Second)
	found := false
	for time.Now().Before(deadline) && !found {
		recent, err := d.History().Recent(10)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		for _, e := range recent {
			if e.SessionID == sess.ID() {
				if e.ClientIP != "203.0.113.9" {
					t.Fatalf("expected history entry to record client ip %q, got %q", "203.0.113.9", e.ClientIP)
				}
				found = true
				break
			}
		}
		if !found {
			time.Sleep(20 * time.Millisecond)
		}
	}
	if !found {
		t.Fatal("expected launched session to appear in history")
	}

	if err := d.Registry().Stop(sess.ID(), "test complete"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestLaunchUnauthorizedClientIsRejected(t *testing.T) {
	d, _, app := newTestDaemon(t, "unauthorized")

	stranger, err := cryptoutil.GenerateHostIdentity("stranger")
	if err != nil {
		t.Fatalf("GenerateHostIdentity: %v", err)
	}

	if _, err := d.Registry().Launch(app.ID, stranger.Cert, "203.0.113.9"); err == nil {
		t.Fatal("expected unauthorized error for unpaired client certificate")
	}
}
