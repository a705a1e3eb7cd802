package firmware

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// FirmwareExt is the only extension accepted for stored firmware.
const FirmwareExt = ".bin"

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// NormalizeMAC derives a device identity from a MAC address by dropping the
// colon separators.
func NormalizeMAC(mac string) string {
	return strings.ReplaceAll(strings.TrimSpace(mac), ":", "")
}

// ValidateName checks that a store-relative name cannot escape the store root.
// Names may be nested ("group/device") but no component may be empty or start
// with a dot, which also rules out "..".
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty name", ErrValidation)
	}
	if strings.HasPrefix(name, "..") {
		return fmt.Errorf("%w: %q can not start with '..'", ErrValidation, name)
	}
	if !filepath.IsLocal(filepath.FromSlash(name)) {
		return fmt.Errorf("%w: %q is not a relative path", ErrValidation, name)
	}
	for _, part := range strings.FieldsFunc(name, isSeparator) {
		if strings.HasPrefix(part, ".") {
			return fmt.Errorf("%w: %q contains a hidden component", ErrValidation, name)
		}
	}
	return nil
}

// HasFirmwareExt reports whether name carries the firmware extension, ignoring case.
func HasFirmwareExt(name string) bool {
	return strings.EqualFold(filepath.Ext(name), FirmwareExt)
}

// SecureFilename reduces an uploaded file name to a flat ASCII name that is
// safe to join onto a directory. It returns "" if nothing usable remains.
func SecureFilename(name string) string {
	name = strings.NewReplacer("/", " ", `\`, " ").Replace(name)
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeFilenameChars.ReplaceAllString(name, "")
	return strings.Trim(name, "._")
}

func isSeparator(r rune) bool {
	return r == '/' || r == '\\'
}
