package codec

import (
	"net/http"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func zstdNewReader() (*zstd.Decoder, error) { return zstd.NewReader(nil) }
func zstdNewWriter() (*zstd.Encoder, error) { return zstd.NewWriter(nil) }

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := &Response{
		StatusCode:   200,
		EffectiveURL: "http://example.com/x",
		Header:       http.Header{"Content-Type": []string{"text/plain"}},
		HeaderOrder:  []string{"Content-Type"},
		Body:         []byte("hello"),
		RequestTime:  0.123,
		TimingBreakdown: map[string]float64{
			"connect": 0.01,
			"total":   0.123,
		},
	}

	blob, err := Encode(original)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(blob, &OriginatingRequest{URL: original.EffectiveURL})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if decoded.StatusCode != original.StatusCode {
		t.Errorf("StatusCode = %d, want %d", decoded.StatusCode, original.StatusCode)
	}
	if decoded.EffectiveURL != original.EffectiveURL {
		t.Errorf("EffectiveURL = %q, want %q", decoded.EffectiveURL, original.EffectiveURL)
	}
	if decoded.Header.Get("Content-Type") != "text/plain" {
		t.Errorf("Header Content-Type = %q, want text/plain", decoded.Header.Get("Content-Type"))
	}
	if string(decoded.Body) != "hello" {
		t.Errorf("Body = %q, want hello", decoded.Body)
	}
	if decoded.RequestTime != original.RequestTime {
		t.Errorf("RequestTime = %v, want %v", decoded.RequestTime, original.RequestTime)
	}
	if decoded.TimingBreakdown["connect"] != 0.01 {
		t.Errorf("TimingBreakdown[connect] = %v, want 0.01", decoded.TimingBreakdown["connect"])
	}
}

func TestEncodeDecodePreservesMultiValueHeaders(t *testing.T) {
	original := &Response{
		StatusCode:   200,
		EffectiveURL: "http://example.com/x",
		Header:       http.Header{"Set-Cookie": []string{"a=1", "b=2"}},
		HeaderOrder:  []string{"Set-Cookie"},
	}

	blob, err := Encode(original)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(blob, &OriginatingRequest{URL: original.EffectiveURL})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	got := decoded.Header["Set-Cookie"]
	want := []string{"a=1", "b=2"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Set-Cookie = %v, want %v", got, want)
	}
}

func TestDecodeBindsOriginatingRequest(t *testing.T) {
	blob, err := Encode(&Response{StatusCode: 200, EffectiveURL: "http://old.example/x", Header: http.Header{}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(blob, &OriginatingRequest{URL: "http://new.example/x"})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.EffectiveURL != "http://new.example/x" {
		t.Errorf("EffectiveURL = %q, want rebinding to the originating request's URL", decoded.EffectiveURL)
	}
}

func TestDecodeTruncatedBlobFails(t *testing.T) {
	blob, err := Encode(&Response{StatusCode: 200, EffectiveURL: "http://example.com", Header: http.Header{}, Body: []byte("0123456789")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	_, err = Decode(blob[:len(blob)/2], nil)
	if err == nil {
		t.Fatal("expected DecodeError for truncated blob")
	}
	if _, ok := err.(*DecodeError); !ok {
		t.Errorf("expected *DecodeError, got %T", err)
	}
}

func TestDecodeUnknownVersionFails(t *testing.T) {
	blob, err := Encode(&Response{StatusCode: 200, EffectiveURL: "http://example.com", Header: http.Header{}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	dec, err := zstdNewReader()
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	raw, err := dec.DecodeAll(blob, nil)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	raw[0] = 0xFF // corrupt the version tag

	enc, err := zstdNewWriter()
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	corrupted := enc.EncodeAll(raw, nil)

	_, err = Decode(corrupted, nil)
	if err == nil {
		t.Fatal("expected DecodeError for unknown version")
	}
	if _, ok := err.(*DecodeError); !ok {
		t.Errorf("expected *DecodeError, got %T", err)
	}
}
