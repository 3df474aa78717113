package darwin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestRunLinksArtifactsAndMounts(t *testing.T) {
	artifactsHost := t.TempDir()
	if err := os.WriteFile(filepath.Join(artifactsHost, "dep.txt"), []byte("dep"), 0o644); err != nil {
		t.Fatalf("seed artifact: %v", err)
	}
	mountHost := t.TempDir()
	if err := os.WriteFile(filepath.Join(mountHost, "input.txt"), []byte("input"), 0o644); err != nil {
		t.Fatalf("seed mount: %v", err)
	}

	out, err := Run(context.Background(), Request{
		Executable:         "/bin/sh",
		Args:               []string{"-c", "test -f ../artifacts/dep.txt && test -f ../src/input.txt"},
		WorkDir:            "work",
		ArtifactsHostPath:  artifactsHost,
		ArtifactsGuestPath: "artifacts",
		Mounts: []Mount{
			{HostPath: mountHost, GuestPath: "src", Kind: MountDirectory},
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Code == nil || *out.Code != 0 {
		t.Fatalf("outcome = %+v, want Code=0", out)
	}
}

func TestTaskEnvStripsNetworkKeysWhenDisabled(t *testing.T) {
	env := taskEnv(Request{
		NetworkEnabled: false,
		Env:            map[string]string{"PATH": "/usr/bin", "HTTP_PROXY": "http://proxy:8080"},
	})
	for _, e := range env {
		if e == "HTTP_PROXY=http://proxy:8080" {
			t.Fatalf("HTTP_PROXY leaked into env without network enabled: %v", env)
		}
	}
}

func TestTaskEnvKeepsNetworkKeysWhenEnabled(t *testing.T) {
	env := taskEnv(Request{
		NetworkEnabled: true,
		Env:            map[string]string{"HTTP_PROXY": "http://proxy:8080"},
	})
	found := false
	for _, e := range env {
		if e == "HTTP_PROXY=http://proxy:8080" {
			found = true
		}
	}
	if !found {
		t.Fatalf("HTTP_PROXY should be preserved when network is enabled: %v", env)
	}
}

func TestOutcomeNonZeroExit(t *testing.T) {
	out, err := Run(context.Background(), Request{
		Executable: "/bin/sh",
		Args:       []string{"-c", "exit 3"},
		WorkDir:    "work",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Code == nil || *out.Code != 3 {
		t.Fatalf("outcome = %+v, want Code=3", out)
	}
}
