package acceptor

import (
	"bufio"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agutierrez/toolshare/internal/sched"
	"github.com/rs/zerolog"
)

func TestListenTCPAndServeRoundTrip(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	s := sched.New(10*time.Millisecond, 30*time.Millisecond, 1, 4)
	var wg sync.WaitGroup
	go Serve(ln, s, zerolog.Nop(), &wg)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if _, err := conn.Write([]byte("REQUEST 20\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line == "" {
		t.Fatal("expected an event line")
	}

	conn.Close()
	Shutdown(ln, "127.0.0.1:0")
	wg.Wait()
}

func TestListenUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolshare.sock")
	ln, err := Listen("@" + path)
	if err != nil {
		t.Fatalf("Listen unix: %v", err)
	}
	defer Shutdown(ln, "@"+path)

	if ln.Addr().Network() != "unix" {
		t.Fatalf("expected unix network, got %s", ln.Addr().Network())
	}
}
