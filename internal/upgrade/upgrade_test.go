package upgrade

import (
	"net"
	"os"
	"strconv"
	"testing"
)

func TestValidateConfigRejectsMissingFile(t *testing.T) {
	c := New("/nonexistent/pgscram.yaml")
	if err := c.ValidateConfig(); err == nil {
		t.Fatal("expected error validating a missing config file")
	}
}

func TestValidateConfigAcceptsWellFormedFile(t *testing.T) {
	path := writeMinimalConfig(t)
	c := New(path)
	if err := c.ValidateConfig(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestListenReusePortAllowsTwoBindsOnSameAddress(t *testing.T) {
	first, err := ListenReusePort("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("first reuseport listen: %v", err)
	}
	defer first.Close()

	second, err := ListenReusePort("tcp", first.Addr().String())
	if err != nil {
		t.Fatalf("second reuseport listen on same address: %v", err)
	}
	defer second.Close()
}

func TestInheritedListenerAbsentWithoutEnvVar(t *testing.T) {
	os.Unsetenv(envInheritedFD)
	ln, ok, err := InheritedListener()
	if err != nil || ok || ln != nil {
		t.Fatalf("expected no inherited listener, got ok=%v err=%v", ok, err)
	}
}

func TestInheritedListenerRejectsGarbageFD(t *testing.T) {
	t.Setenv(envInheritedFD, "not-a-number")
	_, ok, err := InheritedListener()
	if ok || err == nil {
		t.Fatal("expected an error for a non-numeric fd")
	}
}

func TestInheritedListenerRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	tcpLn := ln.(*net.TCPListener)
	defer tcpLn.Close()

	f, err := tcpLn.File()
	if err != nil {
		t.Fatalf("dup listener fd: %v", err)
	}
	defer f.Close()

	t.Setenv(envInheritedFD, strconv.Itoa(int(f.Fd())))

	inherited, ok, err := InheritedListener()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected an inherited listener")
	}
	defer inherited.Close()

	wantPort := tcpLn.Addr().(*net.TCPAddr).Port
	gotPort := inherited.Addr().(*net.TCPAddr).Port
	if gotPort != wantPort {
		t.Fatalf("inherited listener port %d does not match original %d", gotPort, wantPort)
	}
}

func writeMinimalConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/pgscram.yaml"
	content := `
general:
  host: 127.0.0.1
  port: 6432
pools:
  exampledb:
    server_host: 127.0.0.1
    server_port: 5432
    server_database: exampledb
    pool_mode: transaction
    users:
      alice:
        password: secret
        pool_size: 5
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}
