package digest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	sdkdigest "github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"
)

// Digest is the content address of a blob: a lowercase hex SHA-256 hash plus
// the blob size in bytes. Two digests are equal iff both fields match.
type Digest struct {
	Hash string `json:"hash"`
	Size int64  `json:"size_bytes"`
}

// Empty is the digest of the zero-length blob.
var Empty = FromBlob(nil)

var hashRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// New builds a digest from its parts without validation
func New(hash string, size int64) Digest {
	return Digest{Hash: hash, Size: size}
}

// FromBlob computes the digest of a byte slice
func FromBlob(b []byte) Digest {
	d := sdkdigest.NewFromBlob(b)
	return Digest{Hash: d.Hash, Size: d.Size}
}

// FromMessage computes the digest of a proto message and returns its wire form
func FromMessage(m proto.Message) (Digest, []byte, error) {
	b, err := proto.Marshal(m)
	if err != nil {
		return Digest{}, nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return FromBlob(b), b, nil
}

// FromProto converts a Remote Execution API digest
func FromProto(d *repb.Digest) Digest {
	if d == nil {
		return Digest{}
	}
	return Digest{Hash: d.Hash, Size: d.SizeBytes}
}

// Proto converts back to the Remote Execution API form
func (d Digest) Proto() *repb.Digest {
	return &repb.Digest{Hash: d.Hash, SizeBytes: d.Size}
}

// Key is the canonical "<hash>_<size>" form used for backplane keys, CAS cache
// file names and ByteStream resource segments.
func (d Digest) Key() string {
	return fmt.Sprintf("%s_%d", d.Hash, d.Size)
}

func (d Digest) String() string {
	return d.Key()
}

// IsEmpty reports whether d addresses the empty blob
func (d Digest) IsEmpty() bool {
	return d.Size == 0 && d.Hash == Empty.Hash
}

// Validate checks the structural well-formedness of the digest
func (d Digest) Validate() error {
	if !hashRe.MatchString(d.Hash) {
		return fmt.Errorf("malformed digest hash %q", d.Hash)
	}
	if d.Size < 0 {
		return fmt.Errorf("negative digest size %d", d.Size)
	}
	return nil
}

// ParseKey parses the "<hash>_<size>" form
func ParseKey(s string) (Digest, error) {
	i := strings.LastIndexByte(s, '_')
	if i < 0 {
		return Digest{}, fmt.Errorf("malformed digest key %q", s)
	}
	size, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil {
		return Digest{}, fmt.Errorf("malformed digest key %q: %w", s, err)
	}
	d := Digest{Hash: s[:i], Size: size}
	if err := d.Validate(); err != nil {
		return Digest{}, err
	}
	return d, nil
}
