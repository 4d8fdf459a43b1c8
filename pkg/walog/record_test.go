package walog

import "testing"

func TestDetachedCheckpointEncodeDecodeRoundTrip(t *testing.T) {
	dc := DetachedCheckpoint{
		KernelVersion:   3,
		Position:        LogPosition{Version: 1, Offset: 4096},
		Timestamp:       1_700_000_000,
		StoreID:         0xdeadbeef,
		TxID:            42,
		TxChecksum:      0xcafef00d,
		CommitTimestamp: 1_700_000_100,
		Reason:          "checkpoint triggered by idle timer",
	}

	payload, err := encodeDetachedCheckpoint(dc)
	if err != nil {
		t.Fatalf("encodeDetachedCheckpoint: %v", err)
	}
	got, err := decodeDetachedCheckpoint(payload)
	if err != nil {
		t.Fatalf("decodeDetachedCheckpoint: %v", err)
	}
	if got != dc {
		t.Fatalf("round trip = %+v, want %+v", got, dc)
	}
}

func TestDetachedCheckpointRejectsOversizedReason(t *testing.T) {
	reason := make([]byte, MaxReasonLen+1)
	for i := range reason {
		reason[i] = 'x'
	}
	_, err := encodeDetachedCheckpoint(DetachedCheckpoint{Reason: string(reason)})
	if err == nil {
		t.Fatal("encodeDetachedCheckpoint accepted a reason longer than MaxReasonLen")
	}
}

func TestDetachedCheckpointEmptyReasonRoundTrips(t *testing.T) {
	dc := DetachedCheckpoint{KernelVersion: 1, StoreID: 7, TxID: 1}
	payload, err := encodeDetachedCheckpoint(dc)
	if err != nil {
		t.Fatalf("encodeDetachedCheckpoint: %v", err)
	}
	got, err := decodeDetachedCheckpoint(payload)
	if err != nil {
		t.Fatalf("decodeDetachedCheckpoint: %v", err)
	}
	if got.Reason != "" {
		t.Fatalf("Reason = %q, want empty", got.Reason)
	}
	if got != dc {
		t.Fatalf("round trip = %+v, want %+v", got, dc)
	}
}

func TestDecodeDetachedCheckpointRejectsTruncatedBuffer(t *testing.T) {
	dc := DetachedCheckpoint{KernelVersion: 1, StoreID: 1, TxID: 1, Reason: "abc"}
	payload, err := encodeDetachedCheckpoint(dc)
	if err != nil {
		t.Fatalf("encodeDetachedCheckpoint: %v", err)
	}
	if _, err := decodeDetachedCheckpoint(payload[:len(payload)-1]); err == nil {
		t.Fatal("decodeDetachedCheckpoint accepted a truncated reason")
	}
	if _, err := decodeDetachedCheckpoint(nil); err == nil {
		t.Fatal("decodeDetachedCheckpoint accepted an empty buffer")
	}
}

func TestPageWritePayloadRoundTripsThroughDispatch(t *testing.T) {
	rec := Record{Type: RecordPageWrite, PageID: 9, Generation: 3, PageData: []byte("page-bytes")}
	payload, err := encodePayload(rec)
	if err != nil {
		t.Fatalf("encodePayload: %v", err)
	}
	got, err := decodePayload(RecordPageWrite, rec.PageID, rec.Generation, payload)
	if err != nil {
		t.Fatalf("decodePayload: %v", err)
	}
	if got.PageID != rec.PageID || got.Generation != rec.Generation || string(got.PageData) != string(rec.PageData) {
		t.Fatalf("got %+v, want %+v", got, rec)
	}
}

func TestUnknownRecordTypeIsRejected(t *testing.T) {
	if _, err := encodePayload(Record{Type: RecordType(99)}); err == nil {
		t.Fatal("encodePayload accepted an unknown record type")
	}
	if _, err := decodePayload(RecordType(99), 0, 0, nil); err == nil {
		t.Fatal("decodePayload accepted an unknown record type")
	}
}
