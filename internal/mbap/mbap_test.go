package mbap

import (
	"bytes"
	"errors"
	"testing"
)

func TestBuildReadHoldingRequestWireFormat(t *testing.T) {
	req := BuildReadHoldingRequest(0x1234, 1, 0x0003, 5)

	want := []byte{
		0x12, 0x34, // transaction id
		0x00, 0x00, // protocol id
		0x00, 0x06, // length: unit id + 5-byte PDU
		0x01,       // unit id
		0x03,       // function code
		0x00, 0x03, // start address
		0x00, 0x05, // quantity
	}
	if !bytes.Equal(req, want) {
		t.Fatalf("request bytes = % x, want % x", req, want)
	}
}

func TestParseReadHoldingResponseValid(t *testing.T) {
	hdr := Header{TransactionID: 7, ProtocolID: 0, Length: 7, UnitID: 1}
	body := []byte{0x03, 0x04, 0x00, 0x03, 0x12, 0x34}

	resp, err := ParseReadHoldingResponse(hdr, 7, body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Words) != 2 || resp.Words[0] != 3 || resp.Words[1] != 0x1234 {
		t.Fatalf("decoded words = %v, want [3 4660]", resp.Words)
	}
}

func TestParseReadHoldingResponseRejections(t *testing.T) {
	tests := []struct {
		name    string
		hdr     Header
		reqTx   uint16
		body    []byte
		wantErr error
	}{
		{"transaction mismatch", Header{TransactionID: 8}, 7, []byte{0x03, 0x02, 0x00, 0x01}, ErrTransactionMismatch},
		{"nonzero protocol id", Header{TransactionID: 7, ProtocolID: 1}, 7, []byte{0x03, 0x02, 0x00, 0x01}, ErrProtocolIDNonZero},
		{"exception response", Header{TransactionID: 7}, 7, []byte{0x83, 0x02}, ErrException},
		{"empty body", Header{TransactionID: 7}, 7, nil, ErrShortResponse},
		{"truncated payload", Header{TransactionID: 7}, 7, []byte{0x03, 0x04, 0x00, 0x01}, ErrShortResponse},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseReadHoldingResponse(tc.hdr, tc.reqTx, tc.body)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

// Encoding an ASCII serial into registers high-byte-then-low-byte and
// decoding it must be the identity.
func TestASCIIRoundTrip(t *testing.T) {
	serial := "ABCD"
	words := []uint16{
		uint16(serial[0])<<8 | uint16(serial[1]),
		uint16(serial[2])<<8 | uint16(serial[3]),
	}

	if got := DecodeASCII(words); got != serial {
		t.Fatalf("DecodeASCII = %q, want %q", got, serial)
	}
}

func TestDecodeASCIITruncatesAtNUL(t *testing.T) {
	words := []uint16{0x4142, 0x4300, 0x4445} // "ABC\x00DE"
	if got := DecodeASCII(words); got != "ABC" {
		t.Fatalf("DecodeASCII = %q, want %q", got, "ABC")
	}
}

func TestSignedDecodeRoundTrip(t *testing.T) {
	// -1 across two registers decodes back to -1.
	if got := DecodeS32([]uint16{0xFFFF, 0xFFFF}); got != -1 {
		t.Fatalf("DecodeS32(-1) = %d", got)
	}
	if got := DecodeS16([]uint16{0x8000}); got != -32768 {
		t.Fatalf("DecodeS16(0x8000) = %d", got)
	}
	if got := DecodeS16([]uint16{0x7FFF}); got != 32767 {
		t.Fatalf("DecodeS16(0x7FFF) = %d", got)
	}
	if got := DecodeU32([]uint16{0x0001, 0x0000}); got != 65536 {
		t.Fatalf("DecodeU32 = %d, want 65536", got)
	}
}

func TestIsUnavailableMarker(t *testing.T) {
	if !IsUnavailableMarker([]uint16{0xFFFF}) {
		t.Errorf("single 0xFFFF word should be a marker")
	}
	if !IsUnavailableMarker([]uint16{0xFFFF, 0xFFFF}) {
		t.Errorf("0xFFFFFFFF word pair should be a marker")
	}
	// All-zeros is a valid reading, not a marker.
	if IsUnavailableMarker([]uint16{0, 0}) {
		t.Errorf("all-zeros must not be treated as unavailable")
	}
	if IsUnavailableMarker(nil) {
		t.Errorf("empty word slice is not a marker")
	}
}

func TestTransactionCounterWraps(t *testing.T) {
	var c TransactionCounter
	first := c.Next()
	second := c.Next()
	if first == second {
		t.Fatalf("consecutive transaction ids must differ")
	}

	seen := first
	for i := 0; i < 0x10000; i++ {
		seen = c.Next()
	}
	// 0x10000 further ids bring the counter all the way around to the second id.
	if seen != second {
		t.Fatalf("expected the counter to wrap back to %d after 0x10000 ids, got %d", second, seen)
	}
}
