package wire

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

func mustDecode(t *testing.T, b []byte) (time.Time, []byte) {
	t.Helper()
	exp, p, err := DecodeRecord(b)
	if err != nil {
		t.Fatalf("DecodeRecord error: %v", err)
	}
	return exp, p
}

func TestRecordExpiryAndPayload(t *testing.T) {
	at := time.Date(2030, 5, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		exp     time.Time
		payload []byte
	}{
		{time.Time{}, nil},
		{at, []byte("hello")},
		{at, []byte{0, 1, 2, 3, 4}},
	}
	for _, tc := range cases {
		exp, p := mustDecode(t, EncodeRecord(tc.exp, tc.payload))
		if !exp.Equal(tc.exp) {
			t.Fatalf("expireAt mismatch: got %v want %v", exp, tc.exp)
		}
		if !bytes.Equal(p, tc.payload) {
			t.Fatalf("payload mismatch: got %x want %x", p, tc.payload)
		}
	}
}

func TestRecordExpiryTruncatedToMillis(t *testing.T) {
	at := time.Date(2030, 5, 1, 12, 0, 0, 123456789, time.UTC)
	exp, _ := mustDecode(t, EncodeRecord(at, []byte("x")))
	if !exp.Equal(at.Truncate(time.Millisecond)) {
		t.Fatalf("got %v want %v", exp, at.Truncate(time.Millisecond))
	}
}

func TestRecordRejectsTrailingBytes(t *testing.T) {
	enc := EncodeRecord(time.Time{}, []byte("x"))
	enc = append(enc, 0xDE, 0xAD)
	if _, _, err := DecodeRecord(enc); err == nil {
		t.Fatalf("expected error on trailing bytes")
	}
}

func TestRecordCorruptHeadersAndLengths(t *testing.T) {
	enc := EncodeRecord(time.Time{}, []byte("abc"))

	badMagic := append([]byte(nil), enc...)
	badMagic[0] = 'X'
	if _, _, err := DecodeRecord(badMagic); err == nil {
		t.Fatalf("expected error on bad magic")
	}

	badVer := append([]byte(nil), enc...)
	badVer[4] = version + 1
	if _, _, err := DecodeRecord(badVer); err == nil {
		t.Fatalf("expected error on bad version")
	}

	badKind := append([]byte(nil), enc...)
	badKind[5] = kindRecord + 1
	if _, _, err := DecodeRecord(badKind); err == nil {
		t.Fatalf("expected error on bad kind")
	}

	// declared payload longer than what follows
	short := append([]byte(nil), enc...)
	binary.BigEndian.PutUint32(short[14:18], 99)
	if _, _, err := DecodeRecord(short); err == nil {
		t.Fatalf("expected error on truncated payload")
	}

	if _, _, err := DecodeRecord(enc[:5]); err == nil {
		t.Fatalf("expected error on short header")
	}
}

// Plain strings written by other tools must never decode as records.
func TestRecordForeignBytes(t *testing.T) {
	for _, b := range [][]byte{[]byte(`{"x":1}`), []byte("plain value"), nil} {
		if _, _, err := DecodeRecord(b); err != ErrCorrupt {
			t.Fatalf("DecodeRecord(%q): want ErrCorrupt, got %v", b, err)
		}
	}
}
