package repo

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// DocumentId is an opaque 16-byte identifier for a document library entry.
// comparable
type DocumentId [16]byte

// NewDocumentId mints a fresh random DocumentId (UUID v4 layout).
func NewDocumentId() DocumentId {
	return DocumentId(uuid.New())
}

func DocumentIdFromBytes(b []byte) (DocumentId, error) {
	if len(b) != 16 {
		return DocumentId{}, fmt.Errorf("%w: document id must be 16 bytes, got %d", ErrInvalidDocumentId, len(b))
	}
	var id DocumentId
	copy(id[:], b)
	return id, nil
}

func (id DocumentId) Bytes() []byte {
	out := make([]byte, 16)
	copy(out, id[:])
	return out
}

// String renders the base58check encoding of the id (no "automerge:" prefix).
func (id DocumentId) String() string {
	return encodeBase58Check(id[:])
}

// URL renders the full "automerge:<base58check>" form.
func (id DocumentId) URL() string {
	return automergeURLScheme + encodeBase58Check(id[:])
}

const automergeURLScheme = "automerge:"

// ParseDocumentId accepts a base58check string or an "automerge:" URL.
func ParseDocumentId(s string) (DocumentId, error) {
	if strings.HasPrefix(s, automergeURLScheme) {
		return parseAutomergeURL(s)
	}
	return parseBase58CheckDocumentId(s)
}

// ParseAutomergeURL parses a strict "automerge:<base58check>" URL, rejecting
// any trailing characters.
func ParseAutomergeURL(s string) (DocumentId, error) {
	return parseAutomergeURL(s)
}

func parseAutomergeURL(s string) (DocumentId, error) {
	if !strings.HasPrefix(s, automergeURLScheme) {
		return DocumentId{}, fmt.Errorf("%w: missing automerge: scheme", ErrInvalidDocumentId)
	}
	payload := s[len(automergeURLScheme):]
	if payload == "" {
		return DocumentId{}, fmt.Errorf("%w: empty payload", ErrInvalidDocumentId)
	}
	return parseBase58CheckDocumentId(payload)
}

func parseBase58CheckDocumentId(s string) (DocumentId, error) {
	b, err := decodeBase58Check(s)
	if err == nil {
		return DocumentIdFromBytes(b)
	}

	// legacy hyphenated UUID form, accepted on input only
	if parsed, uerr := uuid.Parse(s); uerr == nil {
		return DocumentId(parsed), nil
	}

	return DocumentId{}, fmt.Errorf("%w: %v", ErrInvalidDocumentId, err)
}

// PeerId names a process-unique participant. Two PeerId values that name the
// same logical peer across reconnects are treated as equal strings by
// convention of the caller (the core never rewrites a PeerId).
type PeerId string

// StorageId names a storage backend, possibly shared by multiple peers.
type StorageId string

// Heads identifies a document version by the set of change hashes the CRDT
// engine reports for it. Order is not semantically meaningful to the core;
// Equal ignores order but counts repeated entries, so {"x","y"} and
// {"x","y","y"} are not equal.
type Heads []string

func (h Heads) Equal(other Heads) bool {
	if len(h) != len(other) {
		return false
	}
	counts := make(map[string]int, len(h))
	for _, s := range h {
		counts[s]++
	}
	for _, s := range other {
		counts[s]--
	}
	for _, c := range counts {
		if c != 0 {
			return false
		}
	}
	return true
}

func (h Heads) Clone() Heads {
	out := make(Heads, len(h))
	copy(out, h)
	return out
}

// --- base58check -----------------------------------------------------------
//
// A hand-rolled codec in the spirit of the teacher's own encodeUuid/parseUuid
// (connect/connect.go): a 16-byte identifier codec is core data-model
// surface, not an external concern to delegate to a library.

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var base58Index = func() map[byte]int64 {
	m := make(map[byte]int64, len(base58Alphabet))
	for i := 0; i < len(base58Alphabet); i++ {
		m[base58Alphabet[i]] = int64(i)
	}
	return m
}()

func checksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[0:4]
}

func encodeBase58Check(payload []byte) string {
	buf := make([]byte, 0, len(payload)+4)
	buf = append(buf, payload...)
	buf = append(buf, checksum(payload)...)

	n := new(big.Int).SetBytes(buf)
	zero := big.NewInt(0)
	base := big.NewInt(58)
	mod := new(big.Int)

	var out []byte
	for n.Cmp(zero) > 0 {
		n.DivMod(n, base, mod)
		out = append(out, base58Alphabet[mod.Int64()])
	}
	// leading zero bytes become leading '1's
	for _, b := range buf {
		if b != 0 {
			break
		}
		out = append(out, base58Alphabet[0])
	}
	reverse(out)
	return string(out)
}

func decodeBase58Check(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("empty string")
	}
	n := big.NewInt(0)
	base := big.NewInt(58)
	for i := 0; i < len(s); i++ {
		v, ok := base58Index[s[i]]
		if !ok {
			return nil, fmt.Errorf("invalid base58 character %q", s[i])
		}
		n.Mul(n, base)
		n.Add(n, big.NewInt(v))
	}

	decoded := n.Bytes()
	leadingZeros := 0
	for i := 0; i < len(s) && s[i] == base58Alphabet[0]; i++ {
		leadingZeros++
	}
	buf := make([]byte, leadingZeros+len(decoded))
	copy(buf[leadingZeros:], decoded)

	if len(buf) < 4 {
		return nil, fmt.Errorf("payload too short for checksum")
	}
	payload := buf[:len(buf)-4]
	sum := buf[len(buf)-4:]
	want := checksum(payload)
	for i := range want {
		if want[i] != sum[i] {
			return nil, fmt.Errorf("checksum mismatch")
		}
	}
	return payload, nil
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
