// Package compress implements pluggable, fingerprint-selected response
// compression: on first encounter of a payload shape, every enabled
// algorithm is benchmarked once and the winner is cached per fingerprint
// so subsequent payloads of the same shape skip straight to the chosen
// algorithm.
package compress

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"
	kgzip "github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Algorithm names an enabled compression codec.
type Algorithm string

const (
	Zstd Algorithm = "zstd"
	Gzip Algorithm = "gzip"
)

// defaultMinSize is the documented size floor below which compression is
// skipped entirely.
const defaultMinSize = 1024

// Codec compresses and decompresses payloads for one algorithm.
type Codec interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

type zstdCodec struct{}

func (zstdCodec) Compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func (zstdCodec) Decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

type gzipCodec struct{}

func (gzipCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := kgzip.NewWriterLevel(&buf, kgzip.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decompress(data []byte) ([]byte, error) {
	r, err := kgzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func defaultCodecs() map[Algorithm]Codec {
	return map[Algorithm]Codec{
		Zstd: zstdCodec{},
		Gzip: gzipCodec{},
	}
}

// Config bounds the selector's behavior.
type Config struct {
	Enabled []Algorithm
	MinSize int
}

func DefaultConfig() Config {
	return Config{Enabled: []Algorithm{Zstd, Gzip}, MinSize: defaultMinSize}
}

// Selector picks, caches, and applies the best compression algorithm per
// payload-structure fingerprint.
type Selector struct {
	cfg    Config
	codecs map[Algorithm]Codec

	mu    sync.RWMutex
	cache map[uint64]Algorithm

	// workSem bounds concurrent CPU-bound compression work so it never
	// competes unbounded with the request-handling goroutines.
	workSem chan struct{}
}

func New(cfg Config) *Selector {
	if cfg.MinSize <= 0 {
		cfg.MinSize = defaultMinSize
	}
	if len(cfg.Enabled) == 0 {
		cfg.Enabled = []Algorithm{Zstd, Gzip}
	}
	return &Selector{
		cfg:     cfg,
		codecs:  defaultCodecs(),
		cache:   make(map[uint64]Algorithm),
		workSem: make(chan struct{}, 8),
	}
}

// Fingerprint hashes a sparse sketch of the payload's JSON key structure
// (not its values), so differently-valued responses with the same shape
// share a cached algorithm decision.
func Fingerprint(jsonPayload []byte) uint64 {
	sketch := structureSketch(jsonPayload)
	return xxhash.Sum64(sketch)
}

// Compress applies the best algorithm for data's fingerprint, benchmarking
// all enabled codecs the first time a fingerprint is seen. Payloads at or
// below MinSize are passed through uncompressed ("" algorithm, unchanged
// payload).
func (s *Selector) Compress(data []byte) (Algorithm, []byte, error) {
	if len(data) <= s.cfg.MinSize {
		return "", data, nil
	}

	s.workSem <- struct{}{}
	defer func() { <-s.workSem }()

	fp := Fingerprint(data)

	s.mu.RLock()
	algo, known := s.cache[fp]
	s.mu.RUnlock()

	if known {
		out, err := s.codecs[algo].Compress(data)
		return algo, out, err
	}

	var bestAlgo Algorithm
	var bestOut []byte
	bestRatio := 1.0
	for _, a := range s.cfg.Enabled {
		codec, ok := s.codecs[a]
		if !ok {
			continue
		}
		out, err := codec.Compress(data)
		if err != nil {
			continue
		}
		ratio := float64(len(out)) / float64(len(data))
		if bestAlgo == "" || ratio < bestRatio {
			bestAlgo, bestOut, bestRatio = a, out, ratio
		}
	}
	if bestAlgo == "" {
		return "", nil, fmt.Errorf("compress: no enabled algorithm succeeded")
	}

	s.mu.Lock()
	s.cache[fp] = bestAlgo
	s.mu.Unlock()

	return bestAlgo, bestOut, nil
}

// Decompress reverses Compress for the given algorithm. An empty
// algorithm means the payload was passed through uncompressed.
func (s *Selector) Decompress(algo Algorithm, data []byte) ([]byte, error) {
	if algo == "" {
		return data, nil
	}
	codec, ok := s.codecs[algo]
	if !ok {
		return nil, fmt.Errorf("compress: unknown algorithm %q", algo)
	}
	return codec.Decompress(data)
}

// structureSketch walks the JSON byte stream and emits a compact
// byte-sketch of its punctuation/structure, ignoring string and number
// content, cheaply approximating "shape" without a full parse tree.
func structureSketch(data []byte) []byte {
	sketch := make([]byte, 0, 64)
	inString := false
	escaped := false
	for _, c := range data {
		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
			sketch = append(sketch, '"')
		case '{', '}', '[', ']', ':', ',':
			sketch = append(sketch, c)
		}
		if len(sketch) >= 512 {
			break
		}
	}
	return sketch
}
