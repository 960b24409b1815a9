package digest

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ByteStream resource names understood by the farm:
//
//	blobs/<hash>_<size>                     downloads
//	uploads/<uuid>/blobs/<hash>_<size>      uploads
//	<operation_name>/streams/{stdout,stderr}  operation streams

// StreamKind identifies an operation output stream
type StreamKind string

const (
	StdoutStream StreamKind = "stdout"
	StderrStream StreamKind = "stderr"
)

// ParseDownloadResource parses a "blobs/<hash>_<size>" resource name
func ParseDownloadResource(name string) (Digest, error) {
	rest, ok := strings.CutPrefix(name, "blobs/")
	if !ok || strings.ContainsRune(rest, '/') {
		return Digest{}, fmt.Errorf("malformed download resource name %q", name)
	}
	return ParseKey(rest)
}

// ParseUploadResource parses an "uploads/<uuid>/blobs/<hash>_<size>" resource
// name, returning the upload UUID and the digest.
func ParseUploadResource(name string) (string, Digest, error) {
	rest, ok := strings.CutPrefix(name, "uploads/")
	if !ok {
		return "", Digest{}, fmt.Errorf("malformed upload resource name %q", name)
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || parts[1] != "blobs" {
		return "", Digest{}, fmt.Errorf("malformed upload resource name %q", name)
	}
	if _, err := uuid.Parse(parts[0]); err != nil {
		return "", Digest{}, fmt.Errorf("malformed upload id in %q: %w", name, err)
	}
	d, err := ParseKey(parts[2])
	if err != nil {
		return "", Digest{}, err
	}
	return parts[0], d, nil
}

// ParseStreamResource parses an "<operation_name>/streams/<kind>" resource name
func ParseStreamResource(name string) (string, StreamKind, error) {
	i := strings.Index(name, "/streams/")
	if i <= 0 {
		return "", "", fmt.Errorf("malformed stream resource name %q", name)
	}
	op, kind := name[:i], StreamKind(name[i+len("/streams/"):])
	if kind != StdoutStream && kind != StderrStream {
		return "", "", fmt.Errorf("unknown stream kind in %q", name)
	}
	return op, kind, nil
}

// DownloadResource formats the download resource name for a digest
func DownloadResource(d Digest) string {
	return "blobs/" + d.Key()
}

// UploadResource formats a fresh upload resource name for a digest
func UploadResource(d Digest) string {
	return "uploads/" + uuid.New().String() + "/blobs/" + d.Key()
}
