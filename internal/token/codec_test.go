package token

import (
	"errors"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestRoundTrip(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	codec := NewCodec("s3cret").WithClock(fixedClock(now))

	tok, expires, err := codec.Encode("declarations_abc.pdf", "abc", time.Hour)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !expires.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %s", expires)
	}

	claims, err := codec.WithClock(fixedClock(now.Add(59 * time.Minute))).Decode(tok)
	if err != nil {
		t.Fatalf("decode before expiry: %v", err)
	}
	if claims.File != "declarations_abc.pdf" || claims.ExportID != "abc" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tok, _, err := NewCodec("s3cret").WithClock(fixedClock(now)).Encode("f.json", "id", time.Minute)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = NewCodec("s3cret").WithClock(fixedClock(now.Add(2 * time.Minute))).Decode(tok)
	if !errors.Is(err, ErrExpired) || !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestEveryAlteredByteRejected(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	codec := NewCodec("s3cret").WithClock(fixedClock(now))
	tok, _, err := codec.Encode("expenses_123.xlsx", "123", 24*time.Hour)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	for i := 0; i < len(tok); i++ {
		b := []byte(tok)
		if b[i] == 'A' {
			b[i] = 'B'
		} else {
			b[i] = 'A'
		}
		if _, err := codec.Decode(string(b)); !errors.Is(err, ErrInvalid) {
			t.Fatalf("byte %d altered: expected invalid, got %v", i, err)
		}
	}
}

func TestWrongSecretRejected(t *testing.T) {
	tok, _, err := NewCodec("one").Encode("f.pdf", "id", time.Hour)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := NewCodec("two").Decode(tok); !errors.Is(err, ErrTampered) {
		t.Fatalf("expected tampered, got %v", err)
	}
}

func TestGarbageRejected(t *testing.T) {
	for _, raw := range []string{"", "abc", "a.b.c", "...."} {
		if _, err := NewCodec("k").Decode(raw); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%q: expected invalid, got %v", raw, err)
		}
	}
}
