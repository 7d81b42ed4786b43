package credentials

import (
	"bytes"
	"context"
	"crypto/rand"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/HMasataka/carelink/internal/logging"
	"github.com/HMasataka/carelink/pkg/errors"
)

const nonceSize = 24

// FileOption configures a FileStore
type FileOption func(*FileStore)

// WithKey seals the token file with a 32-byte secretbox key
func WithKey(key [32]byte) FileOption {
	return func(s *FileStore) {
		s.key = &key
	}
}

// WithLogger sets the logger of a FileStore
func WithLogger(logger *logging.Logger) FileOption {
	return func(s *FileStore) {
		s.logger = logger
	}
}

// FileStore keeps the token in a file readable only by the owner. Other
// processes may rewrite the file; after Start those writes reach watchers.
type FileStore struct {
	watchers

	path   string
	key    *[32]byte
	logger *logging.Logger

	mu       sync.Mutex
	last     string
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	watching bool
	done     chan struct{}
}

// NewFileStore creates a store backed by path
func NewFileStore(path string, opts ...FileOption) (*FileStore, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "INVALID_PATH", "invalid token file path").WithDetails(path)
	}

	s := &FileStore{path: abs}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Nop()
	}
	s.logger = s.logger.Component("credentials")

	if token, err := s.read(); err == nil {
		s.last = token
	}
	return s, nil
}

// Path returns the absolute path of the token file
func (s *FileStore) Path() string {
	return s.path
}

// Token implements Store
func (s *FileStore) Token(ctx context.Context) (string, error) {
	return s.read()
}

// SetToken implements Store
func (s *FileStore) SetToken(ctx context.Context, token string) error {
	if token == "" {
		return s.ClearToken(ctx)
	}

	data, err := s.seal([]byte(token))
	if err != nil {
		return err
	}

	if err := writeFile(s.path, data); err != nil {
		return err
	}

	s.observe(token)
	return nil
}

// ClearToken implements Store
func (s *FileStore) ClearToken(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.ErrorTypeInternal, "TOKEN_CLEAR_FAILED", "failed to remove token file")
	}

	s.observe("")
	return nil
}

// Start watches the token file for external changes until ctx is done or
// Close is called.
func (s *FileStore) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watching {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "WATCH_FAILED", "failed to create file watcher")
	}

	// Watch the directory to catch file recreations
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return errors.Wrap(err, errors.ErrorTypeInternal, "WATCH_FAILED", "failed to watch directory").WithDetails(dir)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.watcher = watcher
	s.cancel = cancel
	s.watching = true
	s.done = make(chan struct{})

	go s.watchLoop(ctx, watcher, s.done)

	s.logger.Debug("watching token file", "path", s.path)
	return nil
}

// Close stops watching
func (s *FileStore) Close() error {
	s.mu.Lock()
	if !s.watching {
		s.mu.Unlock()
		return nil
	}
	s.watching = false
	s.cancel()
	err := s.watcher.Close()
	done := s.done
	s.mu.Unlock()

	<-done
	return err
}

func (s *FileStore) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			s.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("token file watch error", "path", s.path, "error", err)
		}
	}
}

func (s *FileStore) reload() {
	token, err := s.read()
	switch {
	case err == nil:
		s.observe(token)
	case stderrors.Is(err, ErrNoToken):
		// An empty file is usually a truncate ahead of a write.
		if _, statErr := os.Stat(s.path); os.IsNotExist(statErr) {
			s.observe("")
		}
	default:
		// Writers may be mid-rename; the next event will settle it.
		s.logger.Debug("token file unreadable", "path", s.path, "error", err)
	}
}

// observe notifies watchers when token differs from the last one seen
func (s *FileStore) observe(token string) {
	s.mu.Lock()
	changed := s.last != token
	s.last = token
	s.mu.Unlock()

	if changed {
		s.notify(token)
	}
}

func (s *FileStore) read() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoToken
		}
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "TOKEN_READ_FAILED", "failed to read token file")
	}

	plain, err := s.open(data)
	if err != nil {
		return "", err
	}

	token := string(bytes.TrimSpace(plain))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

func (s *FileStore) seal(plain []byte) ([]byte, error) {
	if s.key == nil {
		return plain, nil
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "NONCE_FAILED", "failed to generate nonce")
	}
	return secretbox.Seal(nonce[:], plain, &nonce, s.key), nil
}

func (s *FileStore) open(data []byte) ([]byte, error) {
	if s.key == nil {
		return data, nil
	}

	if len(data) < nonceSize+secretbox.Overhead {
		return nil, errors.New(errors.ErrorTypeValidation, "TOKEN_CORRUPT", "sealed token is too short")
	}

	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])
	plain, ok := secretbox.Open(nil, data[nonceSize:], &nonce, s.key)
	if !ok {
		return nil, errors.New(errors.ErrorTypeValidation, "TOKEN_CORRUPT", "sealed token failed to open")
	}
	return plain, nil
}

// writeFile replaces path atomically with mode 0600
func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".token-*")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "TOKEN_WRITE_FAILED", "failed to create temp file")
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.ErrorTypeInternal, "TOKEN_WRITE_FAILED", "failed to set file mode")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.ErrorTypeInternal, "TOKEN_WRITE_FAILED", "failed to write token")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "TOKEN_WRITE_FAILED", "failed to write token")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "TOKEN_WRITE_FAILED", "failed to replace token file")
	}
	return nil
}
