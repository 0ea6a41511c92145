// Package upgrade implements the binary-upgrade coordinator: zero-downtime
// binary replacement on SIGINT by validating the on-disk configuration,
// binding a SO_REUSEPORT successor listener, and exec-ing a successor
// process that inherits it. Draining sessions (on SIGTERM or after an
// upgrade) is left to the caller; see Coordinator.
package upgrade

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"syscall"

	"github.com/dbbouncer/pgscram/internal/config"
	"golang.org/x/sys/unix"
)

// envInheritedFD is set in the successor's environment to the file
// descriptor number (always 3: stdin/stdout/stderr occupy 0-2, and the
// inherited listener is the sole entry in ProcAttr.Files beyond those)
// carrying the predecessor's already-bound listening socket.
const envInheritedFD = "PGSCRAM_UPGRADE_FD"

// Coordinator owns the predecessor/successor handoff for one listening
// address. It does not itself track session state; callers still run
// their own drain loop (poolmgr.Pool.Drain, proxy.Server.Stop) after a
// successor has taken over accepting.
type Coordinator struct {
	configPath string
}

// New builds a Coordinator for the given config file path; Exec
// re-validates that same path before handing off, so a broken config on
// disk cancels the upgrade instead of producing a successor that cannot
// start.
func New(configPath string) *Coordinator {
	return &Coordinator{configPath: configPath}
}

// ValidateConfig re-parses the configuration file, the same check the
// `-t` CLI flag performs. A SIGINT upgrade must not proceed past this
// without a clean result.
func (c *Coordinator) ValidateConfig() error {
	_, err := config.Load(c.configPath)
	return err
}

// ListenReusePort binds network/address with SO_REUSEPORT set, so a
// successor process can bind the identical address before this process
// stops accepting — the kernel load-balances between the two listening
// sockets for the brief overlap, and once the predecessor closes its
// listener all new connections land on the successor.
func ListenReusePort(network, address string) (*net.TCPListener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	ln, err := lc.Listen(context.Background(), network, address)
	if err != nil {
		return nil, fmt.Errorf("upgrade: reuseport listen on %s: %w", address, err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("upgrade: listener for %q is not TCP", network)
	}
	return tcpLn, nil
}

// InheritedListener checks whether this process was exec'd as a
// successor carrying a predecessor's listening socket, and if so
// returns it ready to Accept. ok is false on a normal (non-upgrade)
// startup.
func InheritedListener() (ln *net.TCPListener, ok bool, err error) {
	fdStr := os.Getenv(envInheritedFD)
	if fdStr == "" {
		return nil, false, nil
	}
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		return nil, false, fmt.Errorf("upgrade: invalid %s=%q: %w", envInheritedFD, fdStr, err)
	}
	f := os.NewFile(uintptr(fd), "pgscram-inherited-listener")
	generic, err := net.FileListener(f)
	f.Close()
	if err != nil {
		return nil, false, fmt.Errorf("upgrade: FileListener(fd=%d): %w", fd, err)
	}
	tcpLn, isTCP := generic.(*net.TCPListener)
	if !isTCP {
		generic.Close()
		return nil, false, fmt.Errorf("upgrade: inherited fd %d is not a TCP listener", fd)
	}
	return tcpLn, true, nil
}

// Exec validates the configuration, then forks and execs a copy of the
// running binary with ln's underlying file descriptor inherited (as
// PGSCRAM_UPGRADE_FD=3 plus the standard 0/1/2 streams). The returned
// pid belongs to the successor; the caller (predecessor) is responsible
// for draining and exiting afterward. Sessions already established on the
// predecessor stay there; only the listening socket transfers.
func (c *Coordinator) Exec(ln *net.TCPListener) (pid int, err error) {
	if err := c.ValidateConfig(); err != nil {
		return 0, fmt.Errorf("upgrade: aborting, configuration invalid: %w", err)
	}

	lnFile, err := ln.File()
	if err != nil {
		return 0, fmt.Errorf("upgrade: dup listener fd: %w", err)
	}
	defer lnFile.Close()

	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("upgrade: resolve executable path: %w", err)
	}

	env := append(os.Environ(), envInheritedFD+"=3")
	proc, err := os.StartProcess(exe, os.Args, &os.ProcAttr{
		Env:   env,
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr, lnFile},
	})
	if err != nil {
		return 0, fmt.Errorf("upgrade: start successor process: %w", err)
	}

	slog.Info("upgrade: successor process started", "pid", proc.Pid, "exe", exe)
	return proc.Pid, nil
}
