package digest

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/roach88/recstore/internal/fault"
)

// Algorithm names a registered hash algorithm.
type Algorithm string

// Built-in algorithms.
const (
	MD5    Algorithm = "md5"
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
	SHA384 Algorithm = "sha384"
	SHA512 Algorithm = "sha512"
	BLAKE3 Algorithm = "blake3"
)

// Default is the algorithm used when none is configured.
const Default = SHA256

// DefaultLadder is the escalation order used when none is configured.
var DefaultLadder = []Algorithm{MD5, SHA1, SHA256, SHA512}

// Definition describes a hash algorithm.
type Definition struct {
	// Name is the registry key.
	Name Algorithm

	// Size is the digest length in bytes. Output of New is truncated to
	// Size; zero means the hash's native size.
	Size int

	// Strength ranks algorithms for escalation. Higher is stronger.
	Strength int

	// New constructs a fresh hash.
	New func() hash.Hash
}

// Registry is a concurrency-safe set of algorithm definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[Algorithm]Definition
}

// NewRegistry returns a registry holding the built-in algorithms.
func NewRegistry() *Registry {
	r := &Registry{defs: make(map[Algorithm]Definition)}
	for _, d := range builtins() {
		r.defs[d.Name] = d
	}
	return r
}

func builtins() []Definition {
	return []Definition{
		{Name: MD5, Size: md5.Size, Strength: 10, New: md5.New},
		{Name: SHA1, Size: sha1.Size, Strength: 20, New: sha1.New},
		{Name: SHA256, Size: sha256.Size, Strength: 30, New: sha256.New},
		{Name: BLAKE3, Size: 32, Strength: 35, New: func() hash.Hash { return blake3.New() }},
		{Name: SHA384, Size: sha512.Size384, Strength: 40, New: sha512.New384},
		{Name: SHA512, Size: sha512.Size, Strength: 50, New: sha512.New},
	}
}

// Register adds a custom algorithm. The name must be unused and Size must
// not exceed the native output of New.
func (r *Registry) Register(d Definition) error {
	d.Name = Algorithm(strings.ToLower(strings.TrimSpace(string(d.Name))))
	if d.Name == "" {
		return fault.Validation("digest.register", "algorithm name is required")
	}
	if d.New == nil {
		return fault.Validation("digest.register", "algorithm %q has no constructor", d.Name)
	}
	native := d.New().Size()
	if d.Size == 0 {
		d.Size = native
	}
	if d.Size < 1 || d.Size > native {
		return fault.Validation("digest.register", "algorithm %q size %d outside 1..%d", d.Name, d.Size, native)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[d.Name]; exists {
		return fault.Validation("digest.register", "algorithm %q already registered", d.Name)
	}
	r.defs[d.Name] = d
	return nil
}

// Lookup returns the definition for name. Names are case-insensitive.
func (r *Registry) Lookup(name Algorithm) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[Algorithm(strings.ToLower(string(name)))]
	return d, ok
}

// Algorithms returns every registered name ordered by strength, weakest first.
func (r *Registry) Algorithms() []Algorithm {
	r.mu.RLock()
	defs := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		defs = append(defs, d)
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Strength != defs[j].Strength {
			return defs[i].Strength < defs[j].Strength
		}
		return defs[i].Name < defs[j].Name
	})
	names := make([]Algorithm, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

// Compute returns the lowercase hex digest of content under alg.
func (r *Registry) Compute(content []byte, alg Algorithm) (string, error) {
	d, ok := r.Lookup(alg)
	if !ok {
		return "", fault.Validation("digest.compute", "unknown algorithm %q", alg)
	}
	return d.sum(content), nil
}

// ValidDigest normalizes s to lowercase and checks that it is hex of a
// length produced by at least one registered algorithm.
func (r *Registry) ValidDigest(s string) (string, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	if norm == "" {
		return "", fault.Validation("digest.parse", "digest is empty")
	}
	if _, err := hex.DecodeString(norm); err != nil {
		return "", fault.Validation("digest.parse", "digest %q is not hex", s)
	}
	if len(r.MatchLength(len(norm))) == 0 {
		return "", fault.Validation("digest.parse", "digest %q has no algorithm of length %d", s, len(norm))
	}
	return norm, nil
}

// MatchLength returns the algorithms whose hex digests are hexLen long.
func (r *Registry) MatchLength(hexLen int) []Algorithm {
	var out []Algorithm
	for _, name := range r.Algorithms() {
		d, _ := r.Lookup(name)
		if d.Size*2 == hexLen {
			out = append(out, name)
		}
	}
	return out
}

func (d Definition) sum(content []byte) string {
	h := d.New()
	h.Write(content)
	out := h.Sum(nil)
	return hex.EncodeToString(out[:d.Size])
}

var defaultRegistry = NewRegistry()

// Compute hashes content with the process-wide registry.
func Compute(content []byte, alg Algorithm) (string, error) {
	return defaultRegistry.Compute(content, alg)
}

// Register adds a custom algorithm to the process-wide registry.
func Register(d Definition) error {
	return defaultRegistry.Register(d)
}

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	return defaultRegistry
}
