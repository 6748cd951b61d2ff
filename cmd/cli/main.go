// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

func main() {
	logger := newLogger()

	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	ctx := context.Background()

	switch os.Args[1] {
	case "validate":
		if err := runValidate(ctx, logger); err != nil {
			logger.Error("validation failed", "error", err)
			os.Exit(1)
		}
		logger.Info("validation passed")
	case "tasks":
		if err := runTasks(ctx, logger, os.Args[2:]); err != nil {
			logger.Error("task command failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage(os.Stderr)
		os.Exit(2)
	}
}

// ---------------- task triage ----------------

// runTasks drives the admin delivery endpoints. It exists so an
// operator can triage stuck deliveries without hand-writing curl
// invocations with the right headers.
func runTasks(ctx context.Context, logger *slog.Logger, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: tasks <list|show|retry|discard> ...")
	}

	client := newAdminClient()

	switch args[0] {
	case "list":
		status := ""
		if len(args) > 1 {
			status = args[1]
		}
		path := "/delivery/tasks"
		if status != "" {
			path += "?status=" + status
		}
		return client.call(ctx, http.MethodGet, path, nil)
	case "show":
		if len(args) < 2 {
			return errors.New("usage: tasks show <task-id>")
		}
		return client.call(ctx, http.MethodGet, "/delivery/tasks/"+args[1], nil)
	case "retry":
		if len(args) < 2 {
			return errors.New("usage: tasks retry <task-id>")
		}
		logger.Info("forcing retry", "task_id", args[1])
		return client.call(ctx, http.MethodPost, "/delivery/tasks/"+args[1]+"/retry", nil)
	case "discard":
		if len(args) < 3 {
			return errors.New("usage: tasks discard <task-id> <reason>")
		}
		reason := strings.Join(args[2:], " ")
		logger.Info("discarding task", "task_id", args[1], "reason", reason)
		return client.call(ctx, http.MethodPost, "/delivery/tasks/"+args[1]+"/discard", map[string]string{
			"reason": reason,
		})
	default:
		return fmt.Errorf("unknown tasks subcommand %q", args[0])
	}
}

type adminClient struct {
	baseURL    string
	adminToken string
	operator   string
	http       *http.Client
}

func newAdminClient() *adminClient {
	return &adminClient{
		baseURL:    strings.TrimRight(envOr("API_URL", "http://localhost:8080"), "/"),
		adminToken: os.Getenv("ADMIN_TOKEN"),
		operator:   envOr("OPERATOR_ID", os.Getenv("USER")),
		http:       &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *adminClient) call(ctx context.Context, method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.adminToken)
	req.Header.Set("X-Actor-Type", "human")
	req.Header.Set("X-Actor-Id", c.operator)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(raw)))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		_, _ = os.Stdout.Write(raw)
		fmt.Println()
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// ---------------- validate ----------------

func runValidate(ctx context.Context, logger *slog.Logger) error {
	started := time.Now()

	if err := runGofmtCheck(ctx, logger); err != nil {
		return err
	}

	if err := runCommand(ctx, logger, "go vet", "go", "vet", "./..."); err != nil {
		return err
	}

	if err := runCommand(ctx, logger, "go test unit", "go", "test", "./..."); err != nil {
		return err
	}

	if strings.TrimSpace(os.Getenv("DATABASE_URL")) == "" {
		logger.Info("skipping integration tests", "reason", "DATABASE_URL is not set")
	} else {
		if err := runCommand(
			ctx,
			logger,
			"go test integration",
			"go",
			"test",
			"-count=1",
			"-tags=integration",
			"./internal/repository",
			"./internal/persistence/postgres",
		); err != nil {
			return err
		}
	}

	logger.Info("validation complete", "duration_ms", time.Since(started).Milliseconds())
	return nil
}

func runGofmtCheck(ctx context.Context, logger *slog.Logger) error {
	files, err := listGoFiles(".")
	if err != nil {
		return fmt.Errorf("list go files: %w", err)
	}

	if len(files) == 0 {
		logger.Info("skipping gofmt check", "reason", "no go files found")
		return nil
	}

	logger.Info("running step", "step", "gofmt check", "files", len(files))
	started := time.Now()

	args := make([]string, 0, len(files)+1)
	args = append(args, "-l")
	args = append(args, files...)

	cmd := exec.CommandContext(ctx, "gofmt", args...)
	cmd.Stderr = os.Stderr

	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("gofmt check failed: %w", err)
	}

	unformatted := strings.TrimSpace(string(out))
	if unformatted != "" {
		return fmt.Errorf("gofmt would change files:\n%s", unformatted)
	}

	logger.Info("step completed", "step", "gofmt check", "duration_ms", time.Since(started).Milliseconds())
	return nil
}

func runCommand(ctx context.Context, logger *slog.Logger, step string, name string, args ...string) error {
	logger.Info("running step", "step", step, "command", strings.Join(append([]string{name}, args...), " "))
	started := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	err := cmd.Run()
	duration := time.Since(started)
	if err != nil {
		exitCode := 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		logger.Error("step failed", "step", step, "duration_ms", duration.Milliseconds(), "exit_code", exitCode)
		return err
	}

	logger.Info("step completed", "step", step, "duration_ms", duration.Milliseconds())
	return nil
}

func listGoFiles(root string) ([]string, error) {
	files := make([]string, 0, 64)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			name := d.Name()
			switch name {
			case ".git", ".cache", ".gocache", ".gomodcache", "vendor":
				return filepath.SkipDir
			}
			return nil
		}

		if filepath.Ext(path) != ".go" {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(os.Getenv("LOG_LEVEL")),
	}))
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info", "":
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}

func printUsage(w *os.File) {
	_, _ = fmt.Fprintln(w, "usage: go run ./cmd/cli <command>")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  validate                          run gofmt, vet and tests")
	_, _ = fmt.Fprintln(w, "  tasks list [status]               list delivery tasks")
	_, _ = fmt.Fprintln(w, "  tasks show <task-id>              show one delivery task")
	_, _ = fmt.Fprintln(w, "  tasks retry <task-id>             force a task back to pending")
	_, _ = fmt.Fprintln(w, "  tasks discard <task-id> <reason>  terminally discard a task")
}
