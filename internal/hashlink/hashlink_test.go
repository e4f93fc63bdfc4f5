package hashlink_test

import (
	"strings"
	"testing"

	"github.com/aethermesh/trustfabric/internal/hashlink"
)

func validEvent() *hashlink.CanonicalEvent {
	return &hashlink.CanonicalEvent{
		EventType: "sensor.reading",
		Timestamp: 1700000000000,
		SourceID:  "device-001",
		Sequence:  1,
		Payload:   map[string]string{"unit": "celsius", "value": "21.5"},
	}
}

func TestCanonicalHash_deterministic(t *testing.T) {
	a, err := hashlink.CanonicalHash(validEvent())
	if err != nil {
		t.Fatal(err)
	}
	b, err := hashlink.CanonicalHash(validEvent())
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("same event hashed to %s and %s", a, b)
	}
	if a.IsZero() {
		t.Error("digest of a valid event must not be the genesis digest")
	}
}

func TestCanonicalHash_payloadOrderIndependent(t *testing.T) {
	// Two maps with identical contents built in different insertion orders.
	e1 := validEvent()
	e1.Payload = map[string]string{}
	e1.Payload["a"] = "1"
	e1.Payload["b"] = "2"
	e1.Payload["c"] = "3"

	e2 := validEvent()
	e2.Payload = map[string]string{}
	e2.Payload["c"] = "3"
	e2.Payload["a"] = "1"
	e2.Payload["b"] = "2"

	h1, _ := hashlink.CanonicalHash(e1)
	h2, _ := hashlink.CanonicalHash(e2)
	if h1 != h2 {
		t.Errorf("payload insertion order changed the digest: %s vs %s", h1, h2)
	}
}

func TestCanonicalHash_fieldSensitivity(t *testing.T) {
	base, _ := hashlink.CanonicalHash(validEvent())

	mutated := validEvent()
	mutated.Sequence = 2
	other, _ := hashlink.CanonicalHash(mutated)
	if base == other {
		t.Error("changing sequence did not change the digest")
	}
}

func TestCanonicalHash_rejectsMalformed(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*hashlink.CanonicalEvent)
	}{
		{"empty event_type", func(e *hashlink.CanonicalEvent) { e.EventType = "" }},
		{"empty source_id", func(e *hashlink.CanonicalEvent) { e.SourceID = "" }},
		{"zero timestamp", func(e *hashlink.CanonicalEvent) { e.Timestamp = 0 }},
		{"zero sequence", func(e *hashlink.CanonicalEvent) { e.Sequence = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := validEvent()
			tc.mutate(e)
			if _, err := hashlink.CanonicalHash(e); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestChainPointer_accumulates(t *testing.T) {
	h1, _ := hashlink.CanonicalHash(validEvent())
	e2 := validEvent()
	e2.Sequence = 2
	h2, _ := hashlink.CanonicalHash(e2)

	p1 := hashlink.ChainPointer(h2, h1)
	p2 := hashlink.ChainPointer(h1, h2)
	if p1 == p2 {
		t.Error("chain pointer must be order-sensitive")
	}
	if p1 == hashlink.ChainPointer(h2, h1) == false {
		t.Error("chain pointer must be deterministic")
	}
}

func TestParseDigest_roundTrip(t *testing.T) {
	d, _ := hashlink.CanonicalHash(validEvent())
	parsed, err := hashlink.ParseDigest(d.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != d {
		t.Errorf("round trip mismatch: %s != %s", parsed, d)
	}
}

func TestParseDigest_rejectsBadInput(t *testing.T) {
	if _, err := hashlink.ParseDigest("abcd"); err == nil {
		t.Error("short input accepted")
	}
	if _, err := hashlink.ParseDigest(strings.Repeat("zz", 32)); err == nil {
		t.Error("non-hex input accepted")
	}
}

func TestDigestFromBytes_padsAndTruncates(t *testing.T) {
	short := hashlink.DigestFromBytes([]byte{0xAA})
	if short[0] != 0xAA || short[1] != 0 {
		t.Errorf("short input not zero-padded: %s", short)
	}

	long := make([]byte, 40)
	for i := range long {
		long[i] = byte(i + 1)
	}
	truncated := hashlink.DigestFromBytes(long)
	if truncated[31] != 32 {
		t.Errorf("long input not truncated at 32 bytes: %s", truncated)
	}
}
