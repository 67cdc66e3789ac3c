package testutils

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"
)

var multiSpaceRegex = regexp.MustCompile(" +")

// RunSBXD executes an sbxd command with the given arguments string (split by spaces).
// Use RunSBXDArgs when arguments contain spaces that should be preserved.
func RunSBXD(ctx context.Context, env []string, binary, cmdArgs string, nolog bool) (stdout, stderr []byte, err error) {
	// Sanitize command.
	cmdArgs = strings.TrimSpace(cmdArgs)
	cmdArgs = multiSpaceRegex.ReplaceAllString(cmdArgs, " ")

	// Split into args.
	var args []string
	if cmdArgs != "" {
		args = strings.Split(cmdArgs, " ")
	}

	return RunSBXDArgs(ctx, env, binary, args, nolog)
}

// RunSBXDArgs executes an sbxd command with pre-split arguments.
func RunSBXDArgs(ctx context.Context, env []string, binary string, args []string, nolog bool) (stdout, stderr []byte, err error) {
	var outData, errData bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = &outData
	cmd.Stderr = &errData
	cmd.Env = commandEnv(env, nolog)

	err = cmd.Run()

	return outData.Bytes(), errData.Bytes(), err
}

// Server is an sbxd serve process running in the background.
type Server struct {
	URL     string
	cmd     *exec.Cmd
	stderr  bytes.Buffer
	done    chan struct{}
	waitErr error
}

// StartServer runs sbxd serve on a free local port and waits until it is healthy.
// The server is stopped when the test ends.
func StartServer(t *testing.T, env []string, binary string, args []string) *Server {
	t.Helper()

	addr, err := freeAddress()
	if err != nil {
		t.Fatalf("could not get a free port: %s", err)
	}

	s := &Server{URL: "http://" + addr, done: make(chan struct{})}
	args = append(args, "serve", "--listen", addr)
	s.cmd = exec.Command(binary, args...)
	s.cmd.Stderr = &s.stderr
	s.cmd.Env = commandEnv(env, false)
	if err := s.cmd.Start(); err != nil {
		t.Fatalf("could not start server: %s", err)
	}
	go func() {
		s.waitErr = s.cmd.Wait()
		close(s.done)
	}()

	t.Cleanup(func() {
		if err := s.Stop(10 * time.Second); err != nil {
			t.Logf("Server stop: %s", err)
		}
	})

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(s.URL + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return s
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("server did not become healthy, stderr: %s", s.stderr.String())
	return nil
}

// Stop interrupts the server and waits for a graceful exit.
func (s *Server) Stop(timeout time.Duration) error {
	select {
	case <-s.done:
		return s.waitErr
	default:
	}
	if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
		return fmt.Errorf("could not signal server: %w", err)
	}

	select {
	case <-s.done:
		return s.waitErr
	case <-time.After(timeout):
		_ = s.cmd.Process.Kill()
		return fmt.Errorf("server did not stop in %s", timeout)
	}
}

func commandEnv(env []string, nolog bool) []string {
	// os.Environ() first, the last duplicated key wins.
	newEnv := append([]string{}, os.Environ()...)
	newEnv = append(newEnv, env...)
	if nolog {
		newEnv = append(newEnv, "SBXD_NO_LOG=true")
	}
	return newEnv
}

func freeAddress() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer l.Close()
	return l.Addr().String(), nil
}
