// Package codec implements the storage engine's row compression contract.
// Spec §1 treats "DNA compression" as an opaque byte-in/byte-out transform
// owned by an external collaborator; this package gives that contract a
// concrete implementation using klauspost/compress's zstd, present in the
// teacher's own go.sum as a transitive dependency of the BSON driver (see
// SPEC_FULL.md's domain-stack table) and the sole dependency of
// Felmond13/novusdb, a storage engine in the same retrieval pack.
package codec

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// FormatVersion identifies the codec revision. Nothing writes it into a
// compressed block: Encode returns the bare zstd stream.
const FormatVersion = 1

// Codec compresses and decompresses row payloads. A single Codec is safe
// for concurrent use; it pools its encoder/decoder the way the teacher
// pools WAL entries and buffers.
type Codec struct {
	encPool sync.Pool
	decPool sync.Pool
}

// New returns a ready-to-use Codec.
func New() *Codec {
	return &Codec{
		encPool: sync.Pool{New: func() any {
			enc, err := zstd.NewWriter(nil)
			if err != nil {
				panic(err)
			}
			return enc
		}},
		decPool: sync.Pool{New: func() any {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				panic(err)
			}
			return dec
		}},
	}
}

// Encode compresses a row payload. The opaque result is what gets stored in
// a CompressedRowEntry's compressed_bytes field.
func (c *Codec) Encode(data []byte) []byte {
	enc := c.encPool.Get().(*zstd.Encoder)
	defer c.encPool.Put(enc)

	var buf bytes.Buffer
	enc.Reset(&buf)
	_, _ = enc.Write(data)
	_ = enc.Close()
	return buf.Bytes()
}

// Decode reverses Encode. Returns an error if the bytes are not a valid
// stream produced by this codec (e.g. corrupted on disk).
func (c *Codec) Decode(compressed []byte) ([]byte, error) {
	dec := c.decPool.Get().(*zstd.Decoder)
	defer c.decPool.Put(dec)

	return dec.DecodeAll(compressed, nil)
}
