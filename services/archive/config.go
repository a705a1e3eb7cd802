package archive

import (
	"io"
	"time"

	"espota/services/firmware"
)

// ExportConfig configures archive creation.
type ExportConfig struct {
	Root   string
	Output string
	Signer *Signer
	Now    func() time.Time
	Stdout io.Writer
}

// ImportConfig configures archive installation.
type ImportConfig struct {
	ArchivePath string
	Root        string
	Signer      *Signer
	// Aliases recreates the archived links. Links are skipped when nil.
	Aliases firmware.Aliases
	Stdout  io.Writer
}
