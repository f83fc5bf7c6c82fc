package workload

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/animus-labs/requestor-go/internal/domain"
)

const imageRefPrefix = "hash"

// ImageRef is a content-addressed pointer to the workload image:
// hash:<algorithm>:<hex digest>:<source url>.
type ImageRef struct {
	Algorithm string
	Digest    []byte
	Source    string
}

type hashKind struct {
	code uint64
	size int
}

// digest sizes in bytes, keyed by algorithm family.
var hashKinds = map[string][]hashKind{
	"sha3": {
		{code: multihash.SHA3_224, size: 28},
		{code: multihash.SHA3_256, size: 32},
		{code: multihash.SHA3_384, size: 48},
		{code: multihash.SHA3_512, size: 64},
	},
	"sha256": {
		{code: multihash.SHA2_256, size: 32},
	},
}

// ParseImageRef parses and validates a hash:<alg>:<hex>:<url> reference.
func ParseImageRef(ref string) (ImageRef, error) {
	ref = strings.TrimSpace(ref)
	parts := strings.SplitN(ref, ":", 4)
	if len(parts) != 4 || strings.ToLower(parts[0]) != imageRefPrefix {
		return ImageRef{}, fmt.Errorf("%w: expected hash:<algorithm>:<digest>:<url>", domain.ErrImageRefInvalid)
	}
	alg := strings.ToLower(strings.TrimSpace(parts[1]))
	if alg == "sha2-256" {
		alg = "sha256"
	}
	digest, err := hex.DecodeString(strings.TrimSpace(parts[2]))
	if err != nil {
		return ImageRef{}, fmt.Errorf("%w: digest is not hex: %v", domain.ErrImageRefInvalid, err)
	}
	source := strings.TrimSpace(parts[3])
	if source == "" {
		return ImageRef{}, fmt.Errorf("%w: source url is required", domain.ErrImageRefInvalid)
	}
	out := ImageRef{Algorithm: alg, Digest: digest, Source: source}
	if _, err := out.multihashCode(); err != nil {
		return ImageRef{}, err
	}
	return out, nil
}

func (r ImageRef) multihashCode() (uint64, error) {
	kinds, ok := hashKinds[r.Algorithm]
	if !ok {
		return 0, fmt.Errorf("%w: %q", domain.ErrUnsupportedAlgorithm, r.Algorithm)
	}
	for _, k := range kinds {
		if k.size == len(r.Digest) {
			return k.code, nil
		}
	}
	return 0, fmt.Errorf("%w: %d byte digest does not match %s", domain.ErrImageRefInvalid, len(r.Digest), r.Algorithm)
}

// Multihash encodes the pinned digest as a self-describing multihash.
func (r ImageRef) Multihash() (multihash.Multihash, error) {
	code, err := r.multihashCode()
	if err != nil {
		return nil, err
	}
	encoded, err := multihash.Encode(r.Digest, code)
	if err != nil {
		return nil, fmt.Errorf("encode multihash: %w", err)
	}
	return multihash.Multihash(encoded), nil
}

// HashName is the multihash name of the digest, e.g. "sha3-256".
func (r ImageRef) HashName() string {
	code, err := r.multihashCode()
	if err != nil {
		return r.Algorithm
	}
	if name, ok := multihash.Codes[code]; ok {
		return name
	}
	return r.Algorithm
}

// CID returns the CIDv1 (raw codec) identifying the image content.
func (r ImageRef) CID() (cid.Cid, error) {
	mh, err := r.Multihash()
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

func (r ImageRef) DigestHex() string {
	return hex.EncodeToString(r.Digest)
}

func (r ImageRef) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", imageRefPrefix, r.Algorithm, r.DigestHex(), r.Source)
}
