package hsuart

import (
	"bytes"
	"math/rand"
	"testing"
)

func cobsRoundTrip(t *testing.T, in []byte) {
	t.Helper()
	stuffed := Stuff(in)

	for _, b := range stuffed[:len(stuffed)-1] {
		if b == 0 {
			t.Fatalf("zero byte inside stuffed output for input %v", in)
		}
	}
	if stuffed[len(stuffed)-1] != 0 {
		t.Fatalf("missing terminator for input %v", in)
	}

	dst := make([]byte, len(in))
	n, err := Unstuff(dst, stuffed)
	if err != nil {
		t.Fatalf("Unstuff(%v): %v", in, err)
	}
	if !bytes.Equal(dst[:n], in) {
		t.Fatalf("round trip: got %v, want %v", dst[:n], in)
	}
}

func TestCobsRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0},
		{0, 0},
		{1},
		{1, 2, 3},
		{0x11, 0x22, 0x00, 0x33},
		{0x11, 0x00},
		{0x00, 0x11},
		bytes.Repeat([]byte{0xAA}, 254),
		bytes.Repeat([]byte{0xAA}, 255),
		append(bytes.Repeat([]byte{0xAA}, 254), 0x00),
		append([]byte{0x00}, bytes.Repeat([]byte{0xAA}, 254)...),
	}
	for _, c := range cases {
		cobsRoundTrip(t, c)
	}
}

func TestCobsRoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		n := rng.Intn(1200)
		in := make([]byte, n)
		rng.Read(in)
		// Salt with zero runs; rng alone makes them rare.
		for j := 0; j < n/16; j++ {
			in[rng.Intn(n)] = 0
		}
		cobsRoundTrip(t, in)
	}
}

func TestCobsLengthLaw(t *testing.T) {
	// Zero-free input: exactly one code byte per 254-run plus the terminator.
	for _, n := range []int{0, 1, 253, 254, 255, 508, 509, 4000} {
		in := bytes.Repeat([]byte{0x42}, n)
		want := n + (n+253)/254 + 1
		if n == 0 {
			want = 1
		}
		if got := len(Stuff(in)); got != want {
			t.Errorf("len(Stuff(%d zero-free bytes)) = %d, want %d", n, got, want)
		}
	}
}

func TestCobsZeroCost(t *testing.T) {
	// An interior zero trades its data byte for a group code byte: same length.
	plain := []byte{1, 2, 3, 4, 5, 6}
	zeroed := []byte{1, 2, 3, 0, 5, 6}
	if len(Stuff(plain)) != len(Stuff(zeroed)) {
		t.Errorf("interior zero changed stuffed length: %d vs %d",
			len(Stuff(plain)), len(Stuff(zeroed)))
	}
}

func TestUnstuffRejectsBadJump(t *testing.T) {
	// Code byte claims 5 data bytes but the terminator is closer.
	if _, err := Unstuff(make([]byte, 16), []byte{0x06, 1, 2, 0}); err != ErrInvalidStuffing {
		t.Fatalf("bad jump: err = %v, want ErrInvalidStuffing", err)
	}
	// Missing terminator entirely.
	if _, err := Unstuff(make([]byte, 16), []byte{0x02, 1}); err != ErrInvalidStuffing {
		t.Fatalf("missing terminator: err = %v, want ErrInvalidStuffing", err)
	}
}

func TestUnstuffRejectsOverflow(t *testing.T) {
	stuffed := Stuff([]byte{1, 2, 3, 4})
	if _, err := Unstuff(make([]byte, 2), stuffed); err != ErrInvalidStuffing {
		t.Fatalf("overflow: err = %v, want ErrInvalidStuffing", err)
	}
}
