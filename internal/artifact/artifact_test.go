package artifact_test

import (
	"testing"

	"mediamill/internal/artifact"
)

func TestKindSatisfies(t *testing.T) {
	if !artifact.KindAudio.Satisfies(artifact.KindAudio) {
		t.Fatal("audio should satisfy audio")
	}
	if !artifact.KindVideo.Satisfies(artifact.KindAny) {
		t.Fatal("video should satisfy any")
	}
	if artifact.KindText.Satisfies(artifact.KindAudio) {
		t.Fatal("text should not satisfy audio")
	}
}

func TestRefEncodeDecode(t *testing.T) {
	ref := artifact.Ref{
		Backend:  artifact.BackendLocal,
		Key:      "jobs/abc/stage-0/out.wav",
		Kind:     artifact.KindAudio,
		Size:     1024,
		Checksum: "deadbeef",
	}
	encoded, err := ref.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := artifact.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded != ref {
		t.Fatalf("round trip mismatch: %#v != %#v", decoded, ref)
	}
}

func TestParseRef(t *testing.T) {
	ref, err := artifact.ParseRef("remote://inputs/source.mp4", artifact.KindVideo)
	if err != nil {
		t.Fatalf("ParseRef failed: %v", err)
	}
	if ref.Backend != artifact.BackendRemote || ref.Key != "inputs/source.mp4" {
		t.Fatalf("unexpected ref: %#v", ref)
	}
	if _, err := artifact.ParseRef("   ", artifact.KindVideo); err == nil {
		t.Fatal("expected error for empty reference")
	}
}
