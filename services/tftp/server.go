package tftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pin/tftp"

	"espota/services/firmware"
)

func NewServer(cfg Config, store *firmware.Store, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{cfg: cfg, store: store, logger: logger}
}

func (s *Server) Run(ctx context.Context, ready *atomic.Bool) error {
	if s.store == nil {
		return errors.New("store is required")
	}
	srv := tftp.NewServer(s.readHandler, nil)
	srv.SetTimeout(time.Duration(s.cfg.TimeoutSec) * time.Second)

	addr := s.cfg.Address
	if addr == "" {
		addr = ":69"
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	ready.Store(true)
	s.logger.Printf("INFO tftp listening on %s", conn.LocalAddr())

	done := make(chan struct{})
	go func() {
		srv.Serve(conn)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		srv.Shutdown()
		<-done
		return nil
	}
}

func (s *Server) readHandler(filename string, rf io.ReaderFrom) error {
	path, err := s.resolve(context.Background(), filename)
	if err != nil {
		s.logger.Printf("WARN tftp request for %s: %v", filename, err)
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil {
		if t, ok := rf.(tftp.OutgoingTransfer); ok {
			t.SetSize(info.Size())
		}
	}
	if _, err := rf.ReadFrom(f); err != nil {
		return err
	}
	s.logger.Printf("INFO served %s (%s) via TFTP", filename, path)
	return nil
}

// resolve maps a requested filename onto a file in the store. A bare
// identity, with or without the firmware extension, yields that identity's
// newest artifact. Any other name is a store-relative path.
func (s *Server) resolve(ctx context.Context, filename string) (string, error) {
	name := strings.TrimLeft(strings.ReplaceAll(filename, "\\", "/"), "/")
	if err := firmware.ValidateName(name); err != nil {
		return "", err
	}

	if !strings.Contains(name, "/") {
		identity := name
		if firmware.HasFirmwareExt(identity) {
			identity = identity[:len(identity)-len(firmware.FirmwareExt)]
		}
		identity = firmware.NormalizeMAC(identity)
		if identity != "" {
			art, err := s.store.Latest(ctx, identity)
			if err == nil {
				return art.Path, nil
			}
			if !errors.Is(err, firmware.ErrNotFound) && !errors.Is(err, firmware.ErrValidation) {
				return "", err
			}
		}
	}

	path, err := s.store.Locate(name)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", firmware.ErrNotFound, name)
	}
	if err != nil {
		return "", err
	}
	if _, err := s.store.Rel(resolved); err != nil {
		return "", fmt.Errorf("%w: %v", firmware.ErrValidation, err)
	}
	if _, err := s.store.Stat(resolved); err != nil {
		return "", err
	}
	return resolved, nil
}
