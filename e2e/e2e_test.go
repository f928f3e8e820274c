package e2e

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcexec "github.com/testcontainers/testcontainers-go/exec"
	"github.com/testcontainers/testcontainers-go/wait"
)

var logger = log.New(os.Stdout, "E2E_TEST| ", log.LstdFlags|log.Lmicroseconds)

type testContainer struct {
	container testcontainers.Container
}

func setupContainer(ctx context.Context, t *testing.T) *testContainer {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping container e2e test in short mode")
	}

	logger.Println("Building image and starting container...")
	req := testcontainers.ContainerRequest{
		FromDockerfile: testcontainers.FromDockerfile{
			Context:    "..",
			Dockerfile: "e2e/Dockerfile",
			KeepImage:  true,
		},
		Cmd:        []string{"sleep", "infinity"},
		WaitingFor: wait.ForExec([]string{"test", "-x", "/usr/local/bin/qapt"}).WithStartupTimeout(time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start container: %v", err)
	}
	logger.Println("Container started:", container.GetContainerID())

	tc := &testContainer{container: container}
	t.Cleanup(func() { tc.terminate(context.Background()) })
	return tc
}

func (tc *testContainer) runQapt(ctx context.Context, args ...string) (string, error) {
	logger.Printf("Executing command: qapt %s\n", strings.Join(args, " "))
	return tc.exec(ctx, append([]string{"qapt"}, args...))
}

func (tc *testContainer) exec(ctx context.Context, cmd []string) (string, error) {
	code, output, err := tc.container.Exec(ctx, cmd, tcexec.Multiplexed())
	if err != nil {
		return "", fmt.Errorf("failed to execute %s: %w", cmd[0], err)
	}

	var out string
	if output != nil {
		b, err := io.ReadAll(output)
		if err != nil {
			return "", fmt.Errorf("failed to read command output: %w", err)
		}
		out = string(b)
	}
	logger.Printf("Command output:\n%s\n", out)

	if code != 0 {
		return out, fmt.Errorf("%s exited with code %d", cmd[0], code)
	}
	return out, nil
}

func (tc *testContainer) terminate(ctx context.Context) {
	logger.Println("Terminating container:", tc.container.GetContainerID())
	if err := tc.container.Terminate(ctx); err != nil {
		logger.Printf("Failed to terminate container: %v\n", err)
	}
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	tc := setupContainer(ctx, t)

	t.Run("Show", func(t *testing.T) {
		output, err := tc.runQapt(ctx, "show", "bash")
		if err != nil {
			t.Fatalf("show failed: %v", err)
		}
		for _, expected := range []string{"Package: bash", "Installed: ", "essential"} {
			if !strings.Contains(output, expected) {
				t.Errorf("Expected output to contain %q.\nOutput: %s", expected, output)
			}
		}
	})

	t.Run("Show unknown package", func(t *testing.T) {
		output, err := tc.runQapt(ctx, "show", "no-such-package-qapt")
		if err == nil {
			t.Fatal("Expected show to fail for an unknown package")
		}
		if !strings.Contains(output, "package not found") {
			t.Errorf("Expected not found error, got: %s", output)
		}
	})

	t.Run("List installed", func(t *testing.T) {
		output, err := tc.runQapt(ctx, "list", "--installed")
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if !strings.Contains(output, "dpkg/") || !strings.Contains(output, "[installed") {
			t.Errorf("Expected dpkg among installed packages.\nOutput: %s", output)
		}
	})

	t.Run("Groups", func(t *testing.T) {
		output, err := tc.runQapt(ctx, "groups")
		if err != nil {
			t.Fatalf("groups failed: %v", err)
		}
		if !strings.Contains(output, "shells") {
			t.Errorf("Expected the shells group.\nOutput: %s", output)
		}
	})

	t.Run("Search builds index", func(t *testing.T) {
		output, err := tc.runQapt(ctx, "search", "nano")
		if err != nil {
			t.Fatalf("search failed: %v", err)
		}
		if !strings.Contains(output, "nano/") {
			t.Errorf("Expected nano in search results.\nOutput: %s", output)
		}

		output, err = tc.runQapt(ctx, "index")
		if err != nil {
			t.Fatalf("index failed: %v", err)
		}
		if !strings.Contains(output, "[up to date]") {
			t.Errorf("Expected index to be up to date after search.\nOutput: %s", output)
		}
	})

	t.Run("Install dry run", func(t *testing.T) {
		output, err := tc.runQapt(ctx, "install", "--dry-run", "nano")
		if err != nil {
			t.Fatalf("install --dry-run failed: %v", err)
		}
		if !strings.Contains(output, "The following NEW packages will be installed:") {
			t.Errorf("Expected install summary.\nOutput: %s", output)
		}
		if _, err := tc.exec(ctx, []string{"test", "-x", "/usr/bin/nano"}); err == nil {
			t.Error("Dry run must not install nano")
		}
	})

	t.Run("Remove essential", func(t *testing.T) {
		output, err := tc.runQapt(ctx, "remove", "--dry-run", "bash")
		if err == nil {
			t.Fatal("Expected removing an essential package to fail")
		}
		if !strings.Contains(output, "essential") {
			t.Errorf("Expected essential error.\nOutput: %s", output)
		}
	})

	t.Run("Worker unavailable", func(t *testing.T) {
		output, err := tc.exec(ctx, []string{"env", "QAPT_WORKER_COMMAND=/bin/false", "qapt", "update"})
		if err == nil {
			t.Fatal("Expected update to fail without a worker")
		}
		if !strings.Contains(output, "failed to start cache update") {
			t.Errorf("Expected worker error.\nOutput: %s", output)
		}

		output, err = tc.runQapt(ctx, "history")
		if err != nil {
			t.Fatalf("history failed: %v", err)
		}
		if !strings.Contains(output, "update") || !strings.Contains(output, "failed") {
			t.Errorf("Expected failed update in history.\nOutput: %s", output)
		}
	})
}

func TestFlagBehavior(t *testing.T) {
	ctx := context.Background()
	tc := setupContainer(ctx, t)

	testCases := []struct {
		name          string
		args          []string
		expectError   bool
		shouldContain string
	}{
		{"Help", []string{"--help"}, false, "Available Commands"},
		{"Unknown command", []string{"frobnicate"}, true, "unknown command"},
		{"Conflicting list filters", []string{"list", "--marked", "--installed"}, true, "none of the others can be"},
		{"Install without names", []string{"install"}, true, "requires at least 1 arg"},
		{"Configure operations", []string{"configure"}, false, "worker"},
	}

	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			output, err := tc.runQapt(ctx, tt.args...)
			if (err != nil) != tt.expectError {
				t.Errorf("qapt %v error = %v, expectError %v", tt.args, err, tt.expectError)
			}
			if !strings.Contains(output, tt.shouldContain) {
				t.Errorf("Expected output to contain %q.\nOutput: %s", tt.shouldContain, output)
			}
		})
	}
}
