package main

import (
	"errors"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestProvisionCmd_Subcommands(t *testing.T) {
	cmd := provisionCmd()
	want := map[string]bool{"shared": false, "tenant": false}
	for _, sub := range cmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected subcommand %q", name)
		}
	}
}

func TestProvisionTenant_RequiresSlug(t *testing.T) {
	cmd := provisionCmd()
	cmd.SetArgs([]string{"tenant"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	if err := cmd.Execute(); err == nil {
		t.Error("expected error without --slug")
	}
}

func TestProvisionTenant_RejectsBadSlug(t *testing.T) {
	cmd := provisionCmd()
	cmd.SetArgs([]string{"tenant", "--slug", "Bad Slug!"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	if err := cmd.Execute(); err == nil {
		t.Error("expected error for an invalid slug")
	}
}

func TestServeCmd(t *testing.T) {
	if got := serveCmd().Use; got != "serve" {
		t.Errorf("expected serve, got %q", got)
	}
}

func TestAwaitStop_Signal(t *testing.T) {
	quit := make(chan os.Signal, 1)
	quit <- syscall.SIGTERM
	if err := awaitStop(quit, make(chan error)); err != nil {
		t.Errorf("expected a clean stop, got %v", err)
	}
}

func TestAwaitStop_ServeFailureIsReturned(t *testing.T) {
	serveErr := make(chan error, 1)
	want := errors.New("listen failed")
	serveErr <- want
	if err := awaitStop(make(chan os.Signal), serveErr); !errors.Is(err, want) {
		t.Errorf("expected the serve error, got %v", err)
	}
}

func TestStartServer_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	serveErr := startServer(e, ln.Addr().String(), zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- awaitStop(make(chan os.Signal), serveErr) }()
	select {
	case err := <-done:
		if err == nil {
			t.Error("expected an error for a busy port")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve failure was not reported")
	}
}
