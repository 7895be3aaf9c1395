package hsuart

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/xx25/go-edl/transport"
)

// countingTransport records every Write for fragment accounting.
type countingTransport struct {
	transport.Transport
	writes [][]byte
}

func (c *countingTransport) Write(p []byte) error {
	buf := make([]byte, len(p))
	copy(buf, p)
	c.writes = append(c.writes, buf)
	return c.Transport.Write(p)
}

// readChunk reads one chunk from a scripted peer, riding out idle timeouts.
func readChunk(tr transport.Transport, buf []byte) (int, error) {
	for {
		n, err := tr.Read(buf)
		if err == transport.ErrTimeout {
			continue
		}
		return n, err
	}
}

func testPair(t *testing.T) (*Framer, *Framer, *countingTransport) {
	t.Helper()
	a, b := transport.Pipe()
	a.SetReadTimeout(20 * time.Millisecond)
	b.SetReadTimeout(20 * time.Millisecond)
	t.Cleanup(func() { a.Close(); b.Close() })
	ct := &countingTransport{Transport: a}
	return NewFramer(ct, nil), NewFramer(b, nil), ct
}

func TestSendRecvLoopback(t *testing.T) {
	tx, rx, _ := testPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data := []byte("hello over hsuart")
	done := make(chan error, 1)
	got := make(chan []byte, 1)
	go func() {
		if err := rx.SignalReady(); err != nil {
			done <- err
			return
		}
		block, err := rx.Recv(ctx)
		got <- block
		done <- err
	}()

	if err := tx.Send(ctx, data); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if block := <-got; !bytes.Equal(block, data) {
		t.Fatalf("Recv = %q, want %q", block, data)
	}
}

func TestSendFragmentation(t *testing.T) {
	// A 10000-byte block crosses the wire as two 4000-byte PROTOCOL
	// fragments and one 2000-byte END_OF_TRANSFER fragment.
	tx, rx, ct := testPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data := make([]byte, 10000)
	rand.New(rand.NewSource(4)).Read(data)

	done := make(chan error, 1)
	got := make(chan []byte, 1)
	go func() {
		rx.SignalReady()
		block, err := rx.Recv(ctx)
		got <- block
		done <- err
	}()

	if err := tx.Send(ctx, data); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if block := <-got; !bytes.Equal(block, data) {
		t.Fatal("reassembled block differs from input")
	}

	if len(ct.writes) != 3 {
		t.Fatalf("fragment count = %d, want 3", len(ct.writes))
	}
	lens := make([]int, 3)
	ids := make([]byte, 3)
	for i, w := range ct.writes {
		dst := make([]byte, maxWire)
		n, err := Unstuff(dst, w)
		if err != nil {
			t.Fatalf("fragment %d unstuff: %v", i, err)
		}
		ids[i] = dst[0]
		lens[i] = n - 3 // id and crc trailer
	}
	if ids[0] != PktProtocol || ids[1] != PktProtocol || ids[2] != PktEndOfTransfer {
		t.Fatalf("fragment ids = %x", ids)
	}
	if lens[0] != 4000 || lens[1] != 4000 || lens[2] != 2000 {
		t.Fatalf("fragment payload lengths = %v", lens)
	}
}

func TestNakTriggersRetransmit(t *testing.T) {
	a, b := transport.Pipe()
	a.SetReadTimeout(20 * time.Millisecond)
	b.SetReadTimeout(20 * time.Millisecond)
	defer a.Close()
	defer b.Close()

	ct := &countingTransport{Transport: a}
	tx := NewFramer(ct, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Scripted peer: READY, NAK the first fragment, ACK the retransmission.
	go func() {
		b.Write(encodePacket(PktReadyToRead, nil))
		buf := make([]byte, 4096)
		readChunk(b, buf)
		b.Write(encodePacket(PktNak, nil))
		readChunk(b, buf)
		b.Write(encodePacket(PktAck, nil))
	}()

	if err := tx.Send(ctx, []byte("retry me")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(ct.writes) != 2 {
		t.Fatalf("writes = %d, want 2 (original + retransmit)", len(ct.writes))
	}
	if !bytes.Equal(ct.writes[0], ct.writes[1]) {
		t.Fatal("retransmitted fragment differs from original")
	}
}

func TestRetriesExhausted(t *testing.T) {
	a, b := transport.Pipe()
	a.SetReadTimeout(20 * time.Millisecond)
	defer a.Close()
	defer b.Close()

	tx := NewFramer(a, &Config{MaxRetries: 2, AckTimeout: 50 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Peer signals READY then NAKs everything.
	go func() {
		b.Write(encodePacket(PktReadyToRead, nil))
		buf := make([]byte, 4096)
		for {
			_, err := b.Read(buf)
			if err == transport.ErrTimeout {
				continue
			}
			if err != nil {
				return
			}
			b.Write(encodePacket(PktNak, nil))
		}
	}()

	err := tx.Send(ctx, []byte("doomed"))
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("Send = %v, want ErrRetriesExhausted", err)
	}
}

func TestPreReadyDataIsStaged(t *testing.T) {
	// Packets arriving while the sender waits for READY_TO_READ are staged
	// and drained, in order, by a later RecvRaw.
	a, b := transport.Pipe()
	a.SetReadTimeout(20 * time.Millisecond)
	b.SetReadTimeout(20 * time.Millisecond)
	defer a.Close()
	defer b.Close()

	tx := NewFramer(a, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	early := []byte("early bird")
	go func() {
		b.Write(encodePacket(PktEndOfTransfer, early))
		b.Write(encodePacket(PktReadyToRead, nil))
		buf := make([]byte, 4096)
		readChunk(b, buf)
		b.Write(encodePacket(PktAck, nil))
	}()

	if err := tx.Send(ctx, []byte("payload")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if tx.StagedLen() != len(early) {
		t.Fatalf("StagedLen = %d, want %d", tx.StagedLen(), len(early))
	}
	buf := make([]byte, 64)
	n, err := tx.RecvRaw(ctx, buf)
	if err != nil {
		t.Fatalf("RecvRaw: %v", err)
	}
	if !bytes.Equal(buf[:n], early) {
		t.Fatalf("RecvRaw = %q, want %q", buf[:n], early)
	}
}

func TestVersionMismatch(t *testing.T) {
	a, b := transport.Pipe()
	a.SetReadTimeout(20 * time.Millisecond)
	defer a.Close()
	defer b.Close()

	rx := NewFramer(a, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go b.Write(encodePacket(PktVersion, []byte{2, 0}))

	_, err := rx.Recv(ctx)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("Recv = %v, want ErrVersionMismatch", err)
	}
}

func TestVersionAccepted(t *testing.T) {
	a, b := transport.Pipe()
	a.SetReadTimeout(20 * time.Millisecond)
	b.SetReadTimeout(20 * time.Millisecond)
	defer a.Close()
	defer b.Close()

	tx := NewFramer(a, nil)
	rx := NewFramer(b, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		block, err := rx.Recv(ctx)
		if err == nil && string(block) != "after version" {
			err = errors.New("wrong block")
		}
		done <- err
	}()

	if err := tx.SendVersion(ctx); err != nil {
		t.Fatalf("SendVersion: %v", err)
	}
	if err := tx.sendReliable(ctx, PktEndOfTransfer, []byte("after version")); err != nil {
		t.Fatalf("send block: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Recv: %v", err)
	}
}

func TestCorruptPacketNaked(t *testing.T) {
	a, b := transport.Pipe()
	a.SetReadTimeout(20 * time.Millisecond)
	b.SetReadTimeout(20 * time.Millisecond)
	defer a.Close()
	defer b.Close()

	rx := NewFramer(a, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// First copy corrupted in the CRC trailer, then a clean retransmission.
	good := encodePacket(PktEndOfTransfer, []byte("checked"))
	bad := make([]byte, len(good))
	copy(bad, good)
	bad[len(bad)-2] ^= 0x01
	if bytes.IndexByte(bad[:len(bad)-1], 0) >= 0 {
		bad[len(bad)-2] ^= 0x03 // keep the terminator unique
	}

	nakSeen := make(chan bool, 1)
	go func() {
		b.Write(bad)
		buf := make([]byte, 16)
		n, _ := readChunk(b, buf)
		nakSeen <- n == 2 && buf[0] == PktNak
		b.Write(good)
	}()

	block, err := rx.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(block) != "checked" {
		t.Fatalf("Recv = %q", block)
	}
	if !<-nakSeen {
		t.Fatal("receiver did not NAK the corrupt packet")
	}
}
