// Package serialization encodes graph snapshots and cached vertex results.
// A Serializer is a pipeline of codec, optional compression and optional
// AES-GCM sealing, applied in that order on the way out.
package serialization

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Errors
var (
	ErrUnknownCodec       = errors.New("unknown codec")
	ErrUnknownCompression = errors.New("unknown compression")
	ErrInvalidKey         = errors.New("encryption key must be 16, 24 or 32 bytes")
	ErrShortCiphertext    = errors.New("ciphertext shorter than nonce")
)

// Codec turns values into bytes and back.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Compression names a compression algorithm.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// Options configures a Serializer.
type Options struct {
	Codec       Codec
	Compression Compression
	// Key enables AES-GCM sealing when set.
	Key []byte
}

// Serializer runs the encode pipeline. It is safe for concurrent use.
type Serializer struct {
	codec       Codec
	compression Compression
	aead        cipher.AEAD

	zenc *zstd.Encoder
	zdec *zstd.Decoder
}

// New builds a Serializer, defaulting to msgpack without compression.
func New(opts Options) (*Serializer, error) {
	if opts.Codec == nil {
		opts.Codec = MsgPack()
	}
	if opts.Compression == "" {
		opts.Compression = CompressionNone
	}

	s := &Serializer{codec: opts.Codec, compression: opts.Compression}

	switch opts.Compression {
	case CompressionNone, CompressionGzip:
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		s.zenc, s.zdec = enc, dec
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, opts.Compression)
	}

	if len(opts.Key) > 0 {
		switch len(opts.Key) {
		case 16, 24, 32:
		default:
			return nil, ErrInvalidKey
		}
		block, err := aes.NewCipher(opts.Key)
		if err != nil {
			return nil, err
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		s.aead = aead
	}
	return s, nil
}

// Default returns the snapshot serializer: msgpack with zstd.
func Default() *Serializer {
	s, err := New(Options{Codec: MsgPack(), Compression: CompressionZstd})
	if err != nil {
		// zstd with default options cannot fail to initialise
		panic(err)
	}
	return s
}

// Name describes the pipeline, e.g. "msgpack+zstd".
func (s *Serializer) Name() string {
	name := s.codec.Name()
	if s.compression != CompressionNone {
		name += "+" + string(s.compression)
	}
	if s.aead != nil {
		name += "+aes-gcm"
	}
	return name
}

// Marshal encodes, compresses and seals v.
func (s *Serializer) Marshal(v any) ([]byte, error) {
	data, err := s.codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s encode: %w", s.codec.Name(), err)
	}
	if data, err = s.compress(data); err != nil {
		return nil, fmt.Errorf("%s compress: %w", s.compression, err)
	}
	if s.aead != nil {
		nonce := make([]byte, s.aead.NonceSize())
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return nil, fmt.Errorf("nonce: %w", err)
		}
		data = s.aead.Seal(nonce, nonce, data, nil)
	}
	return data, nil
}

// Unmarshal reverses Marshal into v.
func (s *Serializer) Unmarshal(data []byte, v any) error {
	if s.aead != nil {
		n := s.aead.NonceSize()
		if len(data) < n {
			return ErrShortCiphertext
		}
		plain, err := s.aead.Open(nil, data[:n], data[n:], nil)
		if err != nil {
			return fmt.Errorf("open: %w", err)
		}
		data = plain
	}
	data, err := s.decompress(data)
	if err != nil {
		return fmt.Errorf("%s decompress: %w", s.compression, err)
	}
	if err := s.codec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s decode: %w", s.codec.Name(), err)
	}
	return nil
}

func (s *Serializer) compress(data []byte) ([]byte, error) {
	switch s.compression {
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		return s.zenc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	default:
		return data, nil
	}
}

func (s *Serializer) decompress(data []byte) ([]byte, error) {
	switch s.compression {
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case CompressionZstd:
		return s.zdec.DecodeAll(data, nil)
	default:
		return data, nil
	}
}

// ParseCodec resolves a codec by name.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "msgpack":
		return MsgPack(), nil
	case "json":
		return JSON(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// ParseCompression resolves a compression by name.
func ParseCompression(name string) (Compression, error) {
	switch c := Compression(strings.ToLower(name)); c {
	case "":
		return CompressionNone, nil
	case CompressionNone, CompressionGzip, CompressionZstd:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCompression, name)
	}
}

type jsonCodec struct{}

// JSON returns the encoding/json codec.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

type msgpackCodec struct{}

// MsgPack returns a MessagePack codec that honours json struct tags, so
// payload types need a single set of tags.
func MsgPack() Codec { return msgpackCodec{} }

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.SetOmitEmpty(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

func (msgpackCodec) Name() string { return "msgpack" }
