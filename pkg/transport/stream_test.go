package transport

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/mash-protocol/devmgr-go/pkg/log"
)

func TestStreamConnExchangesFrames(t *testing.T) {
	a, b := net.Pipe()

	logger := &capturingLogger{}
	left := NewStreamConn(a, StreamConfig{Logger: logger})
	right := NewStreamConn(b, StreamConfig{})

	received := make(chan []byte, 1)
	right.Start(func(frame []byte) { received <- frame }, nil)
	left.Start(nil, nil)

	if err := left.Send([]byte("ping")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "ping" {
			t.Errorf("frame = %q, want %q", got, "ping")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for frame")
	}

	if err := left.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := left.Send([]byte("late")); err != ErrClosed {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
	if err := left.Wait(); err != nil {
		t.Errorf("Wait = %v, want nil after local close", err)
	}

	var states []string
	for _, e := range logger.Events() {
		if e.StateChange != nil {
			states = append(states, e.StateChange.NewState)
			if e.ConnectionID != left.ID() {
				t.Errorf("ConnectionID = %q, want %q", e.ConnectionID, left.ID())
			}
		}
	}
	if len(states) != 2 || states[0] != "CONNECTED" || states[1] != "CLOSED" {
		t.Errorf("states = %v, want [CONNECTED CLOSED]", states)
	}
}

func TestStreamConnReportsPeerClose(t *testing.T) {
	a, b := net.Pipe()

	conn := NewStreamConn(a, StreamConfig{})
	closed := make(chan error, 1)
	conn.Start(nil, func(err error) { closed <- err })

	b.Close()

	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("close error = %v, want nil for EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close handler not called")
	}
	if err := conn.Send([]byte("x")); err != ErrClosed {
		t.Errorf("Send = %v, want ErrClosed", err)
	}
}

func TestStreamConnLocalCloseSilent(t *testing.T) {
	a, _ := net.Pipe()

	conn := NewStreamConn(a, StreamConfig{})
	var calls int
	var mu sync.Mutex
	conn.Start(nil, func(error) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	conn.Close()
	conn.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("close handler called %d times after local close", calls)
	}
}

func TestListenerAcceptsAndDials(t *testing.T) {
	accepted := make(chan net.Conn, 1)
	l := NewListener(ListenerConfig{
		Address:  "127.0.0.1:0",
		OnAccept: func(c net.Conn) { accepted <- c },
	})
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer l.Stop()

	if err := l.Start(context.Background()); err != ErrListenerRunning {
		t.Errorf("second Start = %v, want ErrListenerRunning", err)
	}

	addr := netip.MustParseAddrPort(l.Addr().String())
	client, err := DialTCP(context.Background(), addr, "")
	if err != nil {
		t.Fatalf("DialTCP failed: %v", err)
	}
	defer client.Close()

	var server net.Conn
	select {
	case server = <-accepted:
		defer server.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
	}

	received := make(chan []byte, 1)
	NewStreamConn(server, StreamConfig{}).Start(func(f []byte) { received <- f }, nil)
	if err := NewStreamConn(client, StreamConfig{}).Send([]byte("identify")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "identify" {
			t.Errorf("frame = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for frame")
	}

	if err := l.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Errorf("second Stop = %v, want nil", err)
	}
}

func TestWithZone(t *testing.T) {
	tests := []struct {
		in    string
		iface string
		want  string
	}{
		{"[fe80::1]:11095", "eth0", "[fe80::1%eth0]:11095"},
		{"[fe80::1%wlan0]:11095", "eth0", "[fe80::1%wlan0]:11095"},
		{"[2001:db8::1]:11095", "eth0", "[2001:db8::1]:11095"},
		{"192.168.1.2:11095", "eth0", "192.168.1.2:11095"},
		{"[fe80::1]:11095", "", "[fe80::1]:11095"},
	}

	for _, tt := range tests {
		got := WithZone(netip.MustParseAddrPort(tt.in), tt.iface)
		if got.String() != tt.want {
			t.Errorf("WithZone(%s, %q) = %s, want %s", tt.in, tt.iface, got, tt.want)
		}
	}
}

func TestUDPEndpointUnicast(t *testing.T) {
	received := make(chan Datagram, 1)
	server, err := ListenUDP(UDPConfig{}, func(d Datagram) { received <- d })
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	defer server.Close()

	logger := &capturingLogger{}
	client, err := ListenUDP(UDPConfig{Logger: logger}, nil)
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	defer client.Close()

	to := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(server.LocalPort()))
	if server.c4 == nil {
		to = netip.AddrPortFrom(netip.IPv6Loopback(), uint16(server.LocalPort()))
	}
	if err := client.SendTo([]byte("hello"), to, ""); err != nil {
		t.Fatalf("SendTo failed: %v", err)
	}

	select {
	case d := <-received:
		if string(d.Data) != "hello" {
			t.Errorf("data = %q", d.Data)
		}
		if !d.From.Addr().IsLoopback() {
			t.Errorf("From = %s, want loopback", d.From)
		}
		if d.Multicast {
			t.Error("unicast datagram flagged as multicast")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for datagram")
	}

	events := logger.Events()
	if len(events) != 1 || events[0].Direction != log.DirectionOut {
		t.Errorf("events = %+v, want one outbound frame", events)
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := client.SendTo([]byte("x"), to, ""); err != ErrClosed {
		t.Errorf("SendTo after Close = %v, want ErrClosed", err)
	}
}
