package tftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/pin/tftp"
	"github.com/rs/zerolog"

	"bootvault/pkg/errs"
	"bootvault/services/bootvaultd/internal/config"
)

// Source opens stored artifacts by stored name.
type Source interface {
	Get(ctx context.Context, storedName string) (io.ReadCloser, int64, error)
}

// Server answers read requests from the artifact store first and from RootDir second, so
// chainloaders can live on disk while kernels and images are uploaded through the API.
type Server struct {
	cfg     config.TFTPConfig
	source  Source
	logger  zerolog.Logger
	baseCtx context.Context
}

func NewServer(cfg config.TFTPConfig, source Source, logger zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		source:  source,
		logger:  logger.With().Str("component", "tftp").Logger(),
		baseCtx: context.Background(),
	}
}

// Run serves until ctx is cancelled. ready is set once the socket is bound.
func (s *Server) Run(ctx context.Context, ready *atomic.Bool) error {
	s.baseCtx = ctx

	srv := tftp.NewServer(s.readHandler, nil)
	srv.SetTimeout(s.cfg.Timeout)

	udpAddr, err := net.ResolveUDPAddr("udp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.cfg.Address, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}
	ready.Store(true)
	s.logger.Info().Str("addr", s.cfg.Address).Msg("tftp listening")

	done := make(chan error, 1)
	go func() {
		srv.Serve(conn)
		done <- nil
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		srv.Shutdown()
		<-done
		return nil
	}
}

func (s *Server) readHandler(filename string, rf io.ReaderFrom) error {
	name, ok := cleanName(filename)
	if !ok {
		s.logger.Warn().Str("file", filename).Msg("rejected path")
		return fmt.Errorf("invalid path %q", filename)
	}

	r, size, origin, err := s.open(name)
	if err != nil {
		s.logger.Warn().Err(err).Str("file", name).Msg("read request failed")
		return err
	}
	defer r.Close()

	if t, ok := rf.(tftp.OutgoingTransfer); ok {
		t.SetSize(size)
	}
	n, err := rf.ReadFrom(r)
	if err != nil {
		s.logger.Error().Err(err).Str("file", name).Int64("bytes", n).Msg("transfer aborted")
		return err
	}
	s.logger.Info().Str("file", name).Str("origin", origin).Int64("bytes", n).Msg("served")
	return nil
}

func (s *Server) open(name string) (io.ReadCloser, int64, string, error) {
	if s.source != nil && !strings.Contains(name, "/") {
		rc, size, err := s.source.Get(s.baseCtx, name)
		switch {
		case err == nil:
			return rc, size, "store", nil
		case !errors.Is(err, errs.ErrNotFound):
			return nil, 0, "", err
		}
	}
	if s.cfg.RootDir == "" {
		return nil, 0, "", fmt.Errorf("%s: %w", name, os.ErrNotExist)
	}

	f, err := os.Open(filepath.Join(s.cfg.RootDir, filepath.FromSlash(name)))
	if err != nil {
		return nil, 0, "", err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, "", err
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, "", fmt.Errorf("%s is a directory", name)
	}
	return f, info.Size(), "root", nil
}

// cleanName normalises a request path to a slash separated name relative to the root. Paths
// that climb out of the root are refused.
func cleanName(filename string) (string, bool) {
	raw := strings.ReplaceAll(filename, `\`, "/")
	for _, part := range strings.Split(raw, "/") {
		if part == ".." {
			return "", false
		}
	}
	name := strings.TrimPrefix(path.Clean("/"+raw), "/")
	if name == "" {
		return "", false
	}
	return name, true
}
