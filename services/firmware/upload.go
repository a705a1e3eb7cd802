package firmware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
)

// Receipt describes a stored upload.
type Receipt struct {
	Identity string
	Artifact Artifact
	MD5      string
}

// UploadReceiver stores uploaded firmware under a device identity.
type UploadReceiver struct {
	store     *Store
	hasher    *Hasher
	normalize bool
	logger    *log.Logger
}

// NewUploadReceiver returns a receiver writing into store. With normalize set,
// colons are stripped from identities the same way polls derive them;
// otherwise identities are stored verbatim.
func NewUploadReceiver(store *Store, hasher *Hasher, normalize bool, logger *log.Logger) (*UploadReceiver, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &UploadReceiver{store: store, hasher: hasher, normalize: normalize, logger: logger}, nil
}

// Receive validates and persists one upload.
func (u *UploadReceiver) Receive(ctx context.Context, identity, filename string, body io.Reader) (Receipt, error) {
	if identity == "" {
		return Receipt{}, fmt.Errorf("%w: no device", ErrValidation)
	}
	if filename == "" {
		return Receipt{}, fmt.Errorf("%w: no selected file", ErrValidation)
	}
	if strings.Contains(identity, ":") {
		if u.normalize {
			identity = NormalizeMAC(identity)
		} else {
			u.logger.Printf("WARN upload id %q contains ':' and will not match polls from that device", identity)
		}
	}
	if err := ValidateName(identity); err != nil {
		return Receipt{}, err
	}
	if !HasFirmwareExt(filename) {
		return Receipt{}, fmt.Errorf("%w: %q is not a %s file", ErrValidation, filename, FirmwareExt)
	}

	art, err := u.store.Put(ctx, identity, filename, body)
	if err != nil {
		return Receipt{}, err
	}
	sum, err := u.hasher.Sum(art.Path)
	if err != nil {
		return Receipt{}, err
	}
	u.logger.Printf("INFO persisted %s for %s (%d bytes, md5 %s)", art.Path, identity, art.Size, sum)
	return Receipt{Identity: identity, Artifact: art, MD5: sum}, nil
}
