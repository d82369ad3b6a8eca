// ABOUTME: Tests for envelope and chunk frame encoding
// ABOUTME: Verifies field names on the wire and binary frame layout
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeUsesEnvelope(t *testing.T) {
	data, err := Encode(TypeSyncRequest, SyncRequest{T1: 42})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if raw["type"] != TypeSyncRequest {
		t.Errorf("expected type %s, got %v", TypeSyncRequest, raw["type"])
	}
	payload, ok := raw["payload"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected payload object, got %T", raw["payload"])
	}
	if payload["t1"] != float64(42) {
		t.Errorf("expected t1=42, got %v", payload["t1"])
	}
}

func TestDecodeEnvelopePayload(t *testing.T) {
	data, _ := Encode(TypePlay, SchedulePlay{StartTime: 1700000000000000, SeekPositionMs: 1500})

	env, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if env.Type != TypePlay {
		t.Fatalf("expected %s, got %s", TypePlay, env.Type)
	}

	var play SchedulePlay
	if err := env.Decode(&play); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if play.StartTime != 1700000000000000 || play.SeekPositionMs != 1500 {
		t.Errorf("unexpected payload: %+v", play)
	}
}

func TestDecodeEnvelopeWithoutPayload(t *testing.T) {
	data, _ := Encode(TypeStop, nil)

	env, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	var stop ScheduleStop
	if err := env.Decode(&stop); err != nil {
		t.Errorf("expected empty payload to decode, got %v", err)
	}
}

func TestDecodeEnvelopeErrors(t *testing.T) {
	if _, err := DecodeEnvelope([]byte("not json")); err == nil {
		t.Error("expected error for invalid json")
	}
	if _, err := DecodeEnvelope([]byte(`{"payload":{}}`)); !errors.Is(err, ErrMissingType) {
		t.Errorf("expected ErrMissingType, got %v", err)
	}
}

func TestChunkFrameLayout(t *testing.T) {
	frame := EncodeChunk(TransferChunk{Index: 2, ChunkCount: 3, Data: []byte{0xAA, 0xBB}})

	want := []byte{FrameChunk, 0, 0, 0, 2, 0, 0, 0, 3, 0xAA, 0xBB}
	if !bytes.Equal(frame, want) {
		t.Fatalf("frame = %x, want %x", frame, want)
	}

	chunk, err := DecodeChunk(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if chunk.Index != 2 || chunk.ChunkCount != 3 || !bytes.Equal(chunk.Data, []byte{0xAA, 0xBB}) {
		t.Errorf("unexpected chunk: %+v", chunk)
	}
}

func TestDecodeChunkErrors(t *testing.T) {
	if _, err := DecodeChunk([]byte{FrameChunk, 0, 0}); !errors.Is(err, ErrShortFrame) {
		t.Errorf("expected ErrShortFrame, got %v", err)
	}
	if _, err := DecodeChunk(make([]byte, 12)); !errors.Is(err, ErrUnknownFrame) {
		t.Errorf("expected ErrUnknownFrame, got %v", err)
	}
}

func TestEmptyChunk(t *testing.T) {
	chunk, err := DecodeChunk(EncodeChunk(TransferChunk{Index: 0, ChunkCount: 1}))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(chunk.Data) != 0 {
		t.Errorf("expected empty data, got %d bytes", len(chunk.Data))
	}
}
