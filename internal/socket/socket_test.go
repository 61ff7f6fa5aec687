package socket

import (
	"errors"
	"net/netip"
	"testing"

	"firestige.xyz/hostnet/internal/core"
	"firestige.xyz/hostnet/internal/tcp"
	"firestige.xyz/hostnet/internal/udp"
)

type nullSender struct{}

func (nullSender) Send(dst netip.Addr, proto uint8, payload []byte) error { return nil }

func newTestTable() *Table {
	iface := &core.Interface{
		Name:   "hn0",
		Addr:   netip.MustParseAddr("10.0.0.1"),
		Prefix: netip.PrefixFrom(netip.MustParseAddr("10.0.0.1"), 24),
		MTU:    1500,
		Up:     true,
	}
	t := tcp.NewEngine(iface, nullSender{}, tcp.Config{})
	u := udp.NewEngine(iface, nullSender{}, udp.Config{})
	return NewTable(t, u)
}

func TestHandlesAreDistinctAndNonZero(t *testing.T) {
	tbl := newTestTable()

	h1, err := tbl.Open(netip.MustParseAddr("10.0.0.2"), 80, tcp.OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := tbl.Listen(7777, 4)
	if err != nil {
		t.Fatal(err)
	}
	h3, err := tbl.BindUDP(5353)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == InvalidHandle || h2 == InvalidHandle || h3 == InvalidHandle {
		t.Fatalf("invalid handle issued: %d %d %d", h1, h2, h3)
	}
	if h1 == h2 || h2 == h3 || h1 == h3 {
		t.Fatalf("duplicate handles: %d %d %d", h1, h2, h3)
	}
}

func TestOpenStateAndSend(t *testing.T) {
	tbl := newTestTable()

	h, err := tbl.Open(netip.MustParseAddr("10.0.0.2"), 80, tcp.OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	st, err := tbl.State(h)
	if err != nil || st != tcp.StateSynSent {
		t.Fatalf("state = %v, %v", st, err)
	}
	// Send buffers during the handshake instead of failing.
	n, err := tbl.Send(h, []byte("early"))
	if err != nil || n != 5 {
		t.Fatalf("send = %d, %v", n, err)
	}
	if err := tbl.Err(h); err != nil {
		t.Fatalf("healthy connection reports %v", err)
	}
}

func TestAcceptEmptyQueue(t *testing.T) {
	tbl := newTestTable()

	h, err := tbl.Listen(7777, 4)
	if err != nil {
		t.Fatal(err)
	}
	got, err := tbl.Accept(h)
	if err != nil || got != InvalidHandle {
		t.Fatalf("accept on empty queue = %d, %v", got, err)
	}
}

func TestAcceptOnNonListener(t *testing.T) {
	tbl := newTestTable()

	h, err := tbl.Open(netip.MustParseAddr("10.0.0.2"), 80, tcp.OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.Accept(h); !errors.Is(err, core.ErrNotListener) {
		t.Fatalf("expected ErrNotListener, got %v", err)
	}
}

func TestBadHandle(t *testing.T) {
	tbl := newTestTable()

	if _, err := tbl.Send(42, []byte("x")); !errors.Is(err, core.ErrBadHandle) {
		t.Fatalf("send: %v", err)
	}
	if _, err := tbl.Recv(42, make([]byte, 8)); !errors.Is(err, core.ErrBadHandle) {
		t.Fatalf("recv: %v", err)
	}
	if err := tbl.Close(42); !errors.Is(err, core.ErrBadHandle) {
		t.Fatalf("close: %v", err)
	}
	if err := tbl.Err(42); !errors.Is(err, core.ErrBadHandle) {
		t.Fatalf("err: %v", err)
	}
}

func TestCloseReleasesHandle(t *testing.T) {
	tbl := newTestTable()

	h, err := tbl.BindUDP(5353)
	if err != nil {
		t.Fatal(err)
	}
	if err := tbl.Close(h); err != nil {
		t.Fatal(err)
	}
	if err := tbl.SendTo(h, netip.MustParseAddr("10.0.0.2"), 53, []byte("x")); !errors.Is(err, core.ErrBadHandle) {
		t.Fatalf("stale handle usable: %v", err)
	}
	// The port itself is free again.
	if _, err := tbl.BindUDP(5353); err != nil {
		t.Fatalf("rebind after close: %v", err)
	}
}

func TestUDPSendRecvThroughHandles(t *testing.T) {
	tbl := newTestTable()

	h, err := tbl.BindUDP(5353)
	if err != nil {
		t.Fatal(err)
	}
	if err := tbl.SendTo(h, netip.MustParseAddr("10.0.0.2"), 53, []byte("query")); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := tbl.RecvFrom(h); err != nil || ok {
		t.Fatalf("recv on empty queue = ok=%v err=%v", ok, err)
	}
}

func TestAbortRemovesHandle(t *testing.T) {
	tbl := newTestTable()

	h, err := tbl.Open(netip.MustParseAddr("10.0.0.2"), 80, tcp.OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := tbl.Abort(h); err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.State(h); !errors.Is(err, core.ErrBadHandle) {
		t.Fatalf("aborted handle still mapped: %v", err)
	}
}
