package rs

import "testing"

func TestGFMulIdentity(t *testing.T) {
	for x := 1; x < 256; x++ {
		if got := gfMul(byte(x), 1); got != byte(x) {
			t.Fatalf("gfMul(%d,1) = %d, want %d", x, got, x)
		}
	}
}

func TestGFMulZero(t *testing.T) {
	if gfMul(0, 200) != 0 || gfMul(200, 0) != 0 {
		t.Error("multiplying by zero should yield zero")
	}
}

func TestEncodeDeterministic(t *testing.T) {
	c := New(10, 8)
	src := make([][]byte, 8)
	for i := range src {
		src[i] = []byte{byte(i + 1), byte(2 * (i + 1))}
	}
	dst1 := make([]byte, 2)
	dst2 := make([]byte, 2)
	c.Encode(src, 8, dst1, 2)
	c.Encode(src, 8, dst2, 2)
	if string(dst1) != string(dst2) {
		t.Error("Encode should be deterministic for the same index")
	}
}

func TestEncodeDiffersByIndex(t *testing.T) {
	c := New(10, 8)
	src := make([][]byte, 8)
	for i := range src {
		src[i] = []byte{byte(i + 1), byte(2 * (i + 1))}
	}
	dstH0 := make([]byte, 2)
	dstH1 := make([]byte, 2)
	c.Encode(src, 8, dstH0, 2) // h=0
	c.Encode(src, 9, dstH1, 2) // h=1
	if string(dstH0) == string(dstH1) {
		t.Error("different parity indices should (almost always) produce different symbols")
	}
}

func TestEncodeSinglePacketCopiesScaled(t *testing.T) {
	c := New(2, 1)
	src := [][]byte{{0x05}}
	dst := make([]byte, 1)
	c.Encode(src, 1, dst, 1) // h=0: coeff = gfPow(1,1) = 1
	if dst[0] != 0x05 {
		t.Errorf("Encode with k=1 should reproduce the single source byte scaled by 1, got %d", dst[0])
	}
}
