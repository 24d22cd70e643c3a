package event

import (
	"errors"
	"testing"
)

func TestDecodeOutput(t *testing.T) {
	t.Parallel()

	ev, err := Decode([]byte(`{"type":"output","content":"hello\n","taskId":"r1","runId":"r1","seq":1,"timestamp":12.5}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	out, ok := ev.(Output)
	if !ok {
		t.Fatalf("expected Output, got %T", ev)
	}
	if out.Chunk != "hello\n" {
		t.Fatalf("unexpected chunk: %q", out.Chunk)
	}
	if out.Key() != "r1:r1" {
		t.Fatalf("unexpected key: %s", out.Key())
	}
	if out.Seq() != 1 {
		t.Fatalf("unexpected seq: %d", out.Seq())
	}
}

func TestDecodeStatusCarriesErrorFlag(t *testing.T) {
	t.Parallel()

	ev, err := Decode([]byte(`{"type":"status","content":"Task failed with exit code 2","taskId":"t1","runId":"a","isError":true}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	st, ok := ev.(Status)
	if !ok {
		t.Fatalf("expected Status, got %T", ev)
	}
	if !st.IsError {
		t.Fatalf("expected IsError")
	}
}

func TestDecodeComplete(t *testing.T) {
	t.Parallel()

	ev, err := Decode([]byte(`{"type":"complete","taskId":"t1","runId":"a","result":{"status":"success","exit_code":0}}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	done, ok := ev.(Complete)
	if !ok {
		t.Fatalf("expected Complete, got %T", ev)
	}
	if !done.Result.Success() {
		t.Fatalf("expected success result, got %+v", done.Result)
	}
}

func TestDecodeCompleteWithoutResultFails(t *testing.T) {
	t.Parallel()

	if _, err := Decode([]byte(`{"type":"complete","taskId":"t1","runId":"a"}`)); err == nil {
		t.Fatalf("expected error for complete without result")
	}
}

func TestDecodeErrorEventDefaultsMessage(t *testing.T) {
	t.Parallel()

	ev, err := Decode([]byte(`{"type":"error","taskId":"t1","runId":"a","content":"  "}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	f, ok := ev.(Failure)
	if !ok {
		t.Fatalf("expected Failure, got %T", ev)
	}
	if f.Message == "" {
		t.Fatalf("expected a non-empty failure message")
	}
}

func TestDecodeRejectsMalformedAndUnroutable(t *testing.T) {
	t.Parallel()

	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Fatalf("expected error for malformed JSON")
	}
	if _, err := Decode([]byte(`{"type":"output","content":"x"}`)); !errors.Is(err, ErrUnroutable) {
		t.Fatalf("expected ErrUnroutable, got %v", err)
	}
	if _, err := Decode([]byte(`{"type":"mystery","taskId":"t","runId":"r"}`)); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}
