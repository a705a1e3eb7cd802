package firmware

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/patrickmn/go-cache"
)

const hashChunkSize = 32 * 1024

// HashFile streams the file at path through MD5 and returns the lowercase hex
// digest devices compare against.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sum, err := HashReader(f)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return sum, nil
}

// HashReader streams r through MD5 and returns the lowercase hex digest.
func HashReader(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.CopyBuffer(h, r, make([]byte, hashChunkSize)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Hasher memoises digests keyed by path, size and modification time so that
// polling devices do not rehash unchanged artifacts.
type Hasher struct {
	memo *cache.Cache
}

// NewHasher returns a Hasher whose entries expire after ttl.
func NewHasher(ttl time.Duration) *Hasher {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Hasher{memo: cache.New(ttl, 2*ttl)}
}

// Sum returns the digest for path, hashing it only when the file changed.
func (h *Hasher) Sum(path string) (string, error) {
	if h == nil {
		return HashFile(path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("%s|%d|%d", path, info.Size(), info.ModTime().UnixNano())
	if v, ok := h.memo.Get(key); ok {
		return v.(string), nil
	}

	sum, err := HashFile(path)
	if err != nil {
		return "", err
	}
	h.memo.SetDefault(key, sum)
	return sum, nil
}

// SumOpen returns the digest of the already opened file f and rewinds it, so
// the digest describes exactly the bytes a later read of f returns.
func (h *Hasher) SumOpen(f *os.File) (string, error) {
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("%s|%d|%d", f.Name(), info.Size(), info.ModTime().UnixNano())
	if h != nil {
		if v, ok := h.memo.Get(key); ok {
			return v.(string), nil
		}
	}

	sum, err := HashReader(f)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", f.Name(), err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind %s: %w", f.Name(), err)
	}
	if h != nil {
		h.memo.SetDefault(key, sum)
	}
	return sum, nil
}
