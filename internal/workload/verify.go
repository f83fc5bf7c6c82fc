package workload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/animus-labs/requestor-go/internal/domain"
	"github.com/animus-labs/requestor-go/internal/storage/objectstore"
)

// Opener streams the bytes behind an image source URL.
type Opener interface {
	Open(ctx context.Context, source string) (io.ReadCloser, error)
}

// Verify streams the image from its source and compares it with the pinned digest.
func Verify(ctx context.Context, ref ImageRef, opener Opener) error {
	h, err := newHasher(ref)
	if err != nil {
		return err
	}
	rc, err := opener.Open(ctx, ref.Source)
	if err != nil {
		return fmt.Errorf("open image source: %w", err)
	}
	defer rc.Close()
	if _, err := io.Copy(h, rc); err != nil {
		return fmt.Errorf("read image source: %w", err)
	}
	sum := h.Sum(nil)
	if !bytes.Equal(sum, ref.Digest) {
		return fmt.Errorf("%w: want %s got %x", domain.ErrImageDigestMismatch, ref.DigestHex(), sum)
	}
	return nil
}

func newHasher(ref ImageRef) (hash.Hash, error) {
	switch ref.Algorithm {
	case "sha256":
		return sha256.New(), nil
	case "sha3":
		switch len(ref.Digest) {
		case 28:
			return sha3.New224(), nil
		case 32:
			return sha3.New256(), nil
		case 48:
			return sha3.New384(), nil
		case 64:
			return sha3.New512(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%d", domain.ErrUnsupportedAlgorithm, ref.Algorithm, len(ref.Digest))
}

// SchemeOpener dispatches on the source URL scheme. Sources without a scheme
// are treated as local paths.
type SchemeOpener struct {
	HTTP    *http.Client
	Objects objectstore.Store
}

func (o SchemeOpener) Open(ctx context.Context, source string) (io.ReadCloser, error) {
	u, err := url.Parse(strings.TrimSpace(source))
	if err != nil {
		return nil, fmt.Errorf("parse source url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "", "file":
		path := u.Path
		if u.Scheme == "" {
			path = source
		}
		return os.Open(path)
	case "http", "https":
		return o.openHTTP(ctx, u.String())
	case "s3":
		if o.Objects == nil {
			return nil, fmt.Errorf("s3 source %q requires an object store", source)
		}
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return nil, fmt.Errorf("s3 source must be s3://bucket/key: %q", source)
		}
		rc, _, err := o.Objects.Get(ctx, u.Host, key)
		return rc, err
	default:
		return nil, fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
}

func (o SchemeOpener) openHTTP(ctx context.Context, target string) (io.ReadCloser, error) {
	client := o.HTTP
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Minute}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("http GET %s: status=%d", target, resp.StatusCode)
	}
	return resp.Body, nil
}
