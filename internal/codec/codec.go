// Package codec encodes a captured HTTP response into an opaque, compressed
// blob suitable for storing in the cache, and decodes it back. The wire
// format is self-describing across process restarts of the same build: a
// version tag followed by a length-prefixed field layout, passed through a
// general-purpose compression pass.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net/http"

	"github.com/klauspost/compress/zstd"
)

// version is bumped whenever the field layout changes incompatibly.
const version byte = 1

// Response is the unit captured by the Upstream Fetcher and stored in the
// cache. Every value of a repeated header (e.g. multiple Set-Cookie) is
// preserved. HeaderOrder, when supplied, preserves header name order across
// encode/decode; callers that can no longer recover that order (as-received
// order is gone once net/http has parsed a response into its Header map)
// leave it nil and Encode falls back to ranging Header itself.
type Response struct {
	StatusCode      int
	EffectiveURL    string
	Header          http.Header
	HeaderOrder     []string // wire order, since http.Header is a map
	Body            []byte
	RequestTime     float64
	TimingBreakdown map[string]float64
}

// OriginatingRequest carries the request identity a decoded Response should
// be bound to, so downstream handlers see the URL they asked for rather than
// whatever was recorded at encode time.
type OriginatingRequest struct {
	URL string
}

// DecodeError is returned when a blob is truncated or carries a version this
// build does not understand. Callers should treat it as a cache miss.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "codec: decode failed: " + e.Reason
}

// Encode serializes r into a compressed, self-describing blob.
func Encode(r *Response) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(version)

	writeInt(&buf, r.StatusCode)
	writeString(&buf, r.EffectiveURL)

	order := r.HeaderOrder
	if order == nil {
		for k := range r.Header {
			order = append(order, k)
		}
	}
	writeInt(&buf, len(order))
	for _, name := range order {
		values := r.Header[name]
		writeString(&buf, name)
		writeInt(&buf, len(values))
		for _, v := range values {
			writeString(&buf, v)
		}
	}

	writeBytes(&buf, r.Body)
	writeFloat(&buf, r.RequestTime)

	writeInt(&buf, len(r.TimingBreakdown))
	for k, v := range r.TimingBreakdown {
		writeString(&buf, k)
		writeFloat(&buf, v)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()

	return enc.EncodeAll(buf.Bytes(), nil), nil
}

// Decode reconstructs a Response from a blob produced by Encode, binding its
// effective-URL-facing identity to req.
func Decode(blob []byte, req *OriginatingRequest) (*Response, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}

	r := bytes.NewReader(raw)

	v, err := r.ReadByte()
	if err != nil {
		return nil, &DecodeError{Reason: "empty blob"}
	}
	if v != version {
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported version %d", v)}
	}

	resp := &Response{Header: make(http.Header), TimingBreakdown: make(map[string]float64)}

	statusCode, err := readInt(r)
	if err != nil {
		return nil, &DecodeError{Reason: "truncated status code"}
	}
	resp.StatusCode = statusCode

	effectiveURL, err := readString(r)
	if err != nil {
		return nil, &DecodeError{Reason: "truncated effective url"}
	}
	resp.EffectiveURL = effectiveURL

	headerCount, err := readInt(r)
	if err != nil {
		return nil, &DecodeError{Reason: "truncated header count"}
	}
	for i := 0; i < headerCount; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, &DecodeError{Reason: "truncated header name"}
		}
		valueCount, err := readInt(r)
		if err != nil {
			return nil, &DecodeError{Reason: "truncated header value count"}
		}
		for j := 0; j < valueCount; j++ {
			value, err := readString(r)
			if err != nil {
				return nil, &DecodeError{Reason: "truncated header value"}
			}
			resp.Header.Add(name, value)
		}
		resp.HeaderOrder = append(resp.HeaderOrder, name)
	}

	body, err := readBytes(r)
	if err != nil {
		return nil, &DecodeError{Reason: "truncated body"}
	}
	resp.Body = body

	requestTime, err := readFloat(r)
	if err != nil {
		return nil, &DecodeError{Reason: "truncated request time"}
	}
	resp.RequestTime = requestTime

	timingCount, err := readInt(r)
	if err != nil {
		return nil, &DecodeError{Reason: "truncated timing count"}
	}
	for i := 0; i < timingCount; i++ {
		k, err := readString(r)
		if err != nil {
			return nil, &DecodeError{Reason: "truncated timing key"}
		}
		v, err := readFloat(r)
		if err != nil {
			return nil, &DecodeError{Reason: "truncated timing value"}
		}
		resp.TimingBreakdown[k] = v
	}

	if req != nil {
		resp.EffectiveURL = req.URL
	}

	return resp, nil
}

func writeInt(w *bytes.Buffer, v int) {
	var b [binary.MaxVarintLen64]byte
	n := binary.PutVarint(b[:], int64(v))
	w.Write(b[:n])
}

func writeFloat(w *bytes.Buffer, v float64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	w.Write(b[:])
}

func writeString(w *bytes.Buffer, s string) {
	writeBytes(w, []byte(s))
}

func writeBytes(w *bytes.Buffer, b []byte) {
	writeInt(w, len(b))
	w.Write(b)
}

func readInt(r *bytes.Reader) (int, error) {
	v, err := binary.ReadVarint(r)
	return int(v), err
}

func readFloat(r *bytes.Reader) (float64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b[:])), nil
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	return string(b), err
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readInt(r)
	if err != nil {
		return nil, err
	}
	if n < 0 || n > r.Len() {
		return nil, io.ErrUnexpectedEOF
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
