package link

import (
	"bytes"
	"errors"
	"testing"

	"firestige.xyz/hostnet/internal/core"
)

func TestFrameRoundTrip(t *testing.T) {
	dst := core.HWAddr{0x02, 0, 0, 0, 0, 0x02}
	src := core.HWAddr{0x02, 0, 0, 0, 0, 0x01}
	payload := []byte("ipv4 packet bytes")

	data, err := BuildFrame(dst, src, core.EtherTypeIPv4, payload)
	if err != nil {
		t.Fatal(err)
	}
	f, err := ParseFrame(data)
	if err != nil {
		t.Fatal(err)
	}
	if f.Dst != dst || f.Src != src || f.EtherType != core.EtherTypeIPv4 {
		t.Fatalf("parsed header = %+v", f)
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Fatalf("payload = %q, want %q", f.Payload, payload)
	}
}

func TestParseShortFrame(t *testing.T) {
	if _, err := ParseFrame(make([]byte, EthernetHeaderLen-1)); !errors.Is(err, core.ErrFrameTooShort) {
		t.Fatalf("expected ErrFrameTooShort, got %v", err)
	}
}

func TestPipeDelivery(t *testing.T) {
	a, b := NewPipe(1500)

	for _, msg := range []string{"one", "two", "three"} {
		frame, err := BuildFrame(core.BroadcastHWAddr, core.HWAddr{1}, core.EtherTypeIPv4, []byte(msg))
		if err != nil {
			t.Fatal(err)
		}
		if err := a.Transmit(frame); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []string{"one", "two", "three"} {
		data, ok := b.Poll()
		if !ok {
			t.Fatalf("missing frame %q", want)
		}
		f, err := ParseFrame(data)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(f.Payload, []byte(want)) {
			t.Fatalf("got %q, want %q", f.Payload, want)
		}
	}
	if _, ok := b.Poll(); ok {
		t.Fatal("queue should be empty")
	}
}

func TestPipeDropAndLimits(t *testing.T) {
	a, b := NewPipe(100)

	a.DropNext = 1
	frame, _ := BuildFrame(core.BroadcastHWAddr, core.HWAddr{1}, core.EtherTypeIPv4, []byte("lost"))
	if err := a.Transmit(frame); err != nil {
		t.Fatal(err)
	}
	if _, ok := b.Poll(); ok {
		t.Fatal("dropped frame was delivered")
	}
	if a.TxCount != 1 {
		t.Fatalf("TxCount = %d, want 1", a.TxCount)
	}

	big := make([]byte, 100+EthernetHeaderLen+1)
	if err := a.Transmit(big); !errors.Is(err, core.ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}

	a.SetUp(false)
	if err := a.Transmit(frame); !errors.Is(err, core.ErrLinkDown) {
		t.Fatalf("expected ErrLinkDown, got %v", err)
	}
}
