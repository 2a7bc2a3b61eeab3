// Package activation hands the webhook server its listening socket, taken
// from systemd socket activation when present.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// firstFD is the first descriptor systemd passes (after stdin, stdout, stderr).
const firstFD = 3

// socketEnv is the parsed socket activation environment.
type socketEnv struct {
	count int
	names []string
}

// parseEnv reads the activation variables through getenv. A zero count
// means activation does not apply to process pid.
func parseEnv(getenv func(string) string, pid int) (socketEnv, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return socketEnv{}, nil
	}
	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return socketEnv{}, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if listenPID != pid {
		return socketEnv{}, nil
	}

	fdsStr := getenv("LISTEN_FDS")
	if fdsStr == "" {
		return socketEnv{}, nil
	}
	count, err := strconv.Atoi(fdsStr)
	if err != nil {
		return socketEnv{}, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if count < 1 {
		return socketEnv{}, nil
	}

	env := socketEnv{count: count}
	if names := getenv("LISTEN_FDNAMES"); names != "" {
		env.names = strings.Split(names, ":")
	}
	return env, nil
}

// pick returns the index of the descriptor to serve on: the one named name
// if present, otherwise the first.
func (e socketEnv) pick(name string) int {
	for i, n := range e.names {
		if n == name && i < e.count {
			return i
		}
	}
	return 0
}

// Listen returns the activated socket named name (or the first activated
// socket), falling back to a TCP listener on addr. The boolean reports
// whether the listener came from socket activation.
func Listen(addr, name string) (net.Listener, bool, error) {
	env, err := parseEnv(os.Getenv, os.Getpid())
	if err != nil {
		return nil, false, err
	}
	if env.count == 0 {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, false, err
		}
		return l, false, nil
	}

	fd := firstFD + env.pick(name)
	file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", fd))
	if file == nil {
		return nil, false, fmt.Errorf("failed to create file for fd %d", fd)
	}
	l, err := net.FileListener(file)
	// The listener holds its own duplicate of the descriptor.
	_ = file.Close()
	if err != nil {
		return nil, false, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
	}

	// Child processes (git, java, systemctl) must not inherit activation.
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return l, true, nil
}
