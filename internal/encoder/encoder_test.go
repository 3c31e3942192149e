package encoder

import (
	"bytes"
	"testing"

	"github.com/iron-insights/iron-insights/internal/payload"
)

func samplePayload() payload.Payload {
	return payload.Payload{
		RawHistogram: []payload.HistogramBin{
			{Value: 100, Count: 4, Lo: 90, Hi: 110},
			{Value: 120, Count: 0, Lo: 110, Hi: 130},
		},
		DotsHistogram: []payload.HistogramBin{
			{Value: 300, Count: 2, Lo: 250, Hi: 350},
		},
		RawScatter: []payload.ScatterPoint{
			{X: 75, Y: 180, Sex: "M"},
			{X: 60, Y: 120, Sex: "F"},
		},
		DotsScatter: []payload.ScatterPoint{
			{X: 75, Y: 300, Sex: "M"},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := samplePayload()

	b, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if len(got.RawHistogram) != len(p.RawHistogram) ||
		len(got.DotsHistogram) != len(p.DotsHistogram) ||
		len(got.RawScatter) != len(p.RawScatter) ||
		len(got.DotsScatter) != len(p.DotsScatter) {
		t.Fatalf("section lengths changed across round trip: got %+v", got)
	}

	for i := range p.RawHistogram {
		if got.RawHistogram[i].Value != p.RawHistogram[i].Value ||
			got.RawHistogram[i].Count != p.RawHistogram[i].Count {
			t.Errorf("raw histogram row %d changed: got %+v want %+v", i, got.RawHistogram[i], p.RawHistogram[i])
		}
	}
	for i := range p.RawScatter {
		if got.RawScatter[i] != p.RawScatter[i] {
			t.Errorf("raw scatter row %d changed: got %+v want %+v", i, got.RawScatter[i], p.RawScatter[i])
		}
	}
}

func TestEncodeEmptyPayloadProducesZeroRows(t *testing.T) {
	b, err := Encode(payload.Payload{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.RawHistogram)+len(got.DotsHistogram)+len(got.RawScatter)+len(got.DotsScatter) != 0 {
		t.Error("empty payload must decode to zero rows across all sections")
	}
}

func TestEncodeDeterministic(t *testing.T) {
	p := samplePayload()
	b1, err := Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b1, b2) {
		t.Error("encoding the same payload twice should be byte-equal")
	}
}

func TestEncodeStreamDecodeStreamRoundTrip(t *testing.T) {
	p := samplePayload()
	var buf bytes.Buffer
	if err := EncodeStream(&buf, p); err != nil {
		t.Fatalf("EncodeStream: %v", err)
	}

	got, err := DecodeStream(&buf)
	if err != nil {
		t.Fatalf("DecodeStream: %v", err)
	}
	if len(got.RawScatter) != len(p.RawScatter) || len(got.DotsHistogram) != len(p.DotsHistogram) {
		t.Errorf("stream round trip changed section lengths: %+v", got)
	}
}
