package mmio_test

import (
	"testing"

	"github.com/oracle/secure-kernel-loader/mmio"
)

func TestReadWriteRoundTrip(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 64)
	w := mmio.NewWindow(buf)

	if err := w.WriteQ64(0, 0x1122334455667788); err != nil {
		t.Fatal(err)
	}

	v, err := w.ReadQ64(0)
	if err != nil {
		t.Fatal(err)
	}

	if v != 0x1122334455667788 {
		t.Fatalf("got %#x", v)
	}
}

func TestSetClearBits(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 16)
	w := mmio.NewWindow(buf)

	if err := w.WriteQ64(0, 0x0f); err != nil {
		t.Fatal(err)
	}

	if err := w.SetBitsQ64(0, 0xf0); err != nil {
		t.Fatal(err)
	}

	v, _ := w.ReadQ64(0)
	if v != 0xff {
		t.Fatalf("got %#x, want 0xff", v)
	}

	if err := w.ClearBitsQ64(0, 0x0f); err != nil {
		t.Fatal(err)
	}

	v, _ = w.ReadQ64(0)
	if v != 0xf0 {
		t.Fatalf("got %#x, want 0xf0", v)
	}
}

func TestOutOfRange(t *testing.T) {
	t.Parallel()

	w := mmio.NewWindow(make([]byte, 4))

	if _, err := w.ReadQ64(0); err != mmio.ErrOutOfRange {
		t.Fatalf("got %v, want ErrOutOfRange", err)
	}
}
