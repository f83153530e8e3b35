package infra

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"form-gateway/middleware/ratelimit/domain"
)

// FileStore persiste o snapshot em um arquivo JSON compartilhado entre processos.
//
// A exclusão mútua usa flock(LOCK_EX) em um arquivo irmão "<path>.lock", e a
// gravação é atômica (arquivo temporário + rename), então um processo que morre
// no meio da escrita nunca deixa o arquivo de dados pela metade.
type FileStore struct {
	path      string
	lockPath  string
	perm      os.FileMode
	pollEvery time.Duration
	logger    *zap.Logger
}

type FileStoreOption func(*FileStore)

// WithFileMode define a permissão dos arquivos criados (padrão 0600).
func WithFileMode(perm os.FileMode) FileStoreOption {
	return func(s *FileStore) { s.perm = perm }
}

// WithLockPollInterval define o intervalo entre tentativas de lock quando o
// ctx tem prazo ou pode ser cancelado (padrão 5ms).
func WithLockPollInterval(d time.Duration) FileStoreOption {
	return func(s *FileStore) { s.pollEvery = d }
}

func WithFileLogger(l *zap.Logger) FileStoreOption {
	return func(s *FileStore) { s.logger = l }
}

func NewFileStore(path string, opts ...FileStoreOption) *FileStore {
	s := &FileStore{
		path:      path,
		lockPath:  path + ".lock",
		perm:      0o600,
		pollEvery: 5 * time.Millisecond,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

func (s *FileStore) Path() string { return s.path }

// WithExclusiveAccess implementa domain.WindowStore.
func (s *FileStore) WithExclusiveAccess(ctx context.Context, fn func(domain.Snapshot) domain.Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}

	lockFile, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, s.perm)
	if err != nil {
		return fmt.Errorf("%w: open lock file: %w", domain.ErrStorageUnavailable, err)
	}
	// fechar o descritor também libera o flock
	defer func() { _ = lockFile.Close() }()

	if err := s.lock(ctx, int(lockFile.Fd())); err != nil {
		return err
	}
	defer func() { _ = unix.Flock(int(lockFile.Fd()), unix.LOCK_UN) }()

	snap, err := s.load()
	if err != nil {
		return err
	}
	return s.save(fn(snap))
}

// lock bloqueia no flock quando ctx nunca encerra; caso contrário tenta
// LOCK_NB em intervalos regulares até conseguir ou ctx encerrar.
func (s *FileStore) lock(ctx context.Context, fd int) error {
	if ctx.Done() == nil {
		for {
			err := unix.Flock(fd, unix.LOCK_EX)
			if err == nil {
				return nil
			}
			if !errors.Is(err, unix.EINTR) {
				return fmt.Errorf("%w: flock: %w", domain.ErrStorageUnavailable, err)
			}
		}
	}

	pace := rate.NewLimiter(rate.Every(s.pollEvery), 1)
	for {
		err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("%w: flock: %w", domain.ErrStorageUnavailable, err)
		}
		if werr := pace.Wait(ctx); werr != nil {
			return fmt.Errorf("%w: %w: %s", domain.ErrStorageUnavailable, domain.ErrLockTimeout, s.lockPath)
		}
	}
}

func (s *FileStore) load() (domain.Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", domain.ErrStorageUnavailable, s.path, err)
	}

	snap, corrupt := decodeSnapshot(data)
	if corrupt {
		s.logger.Warn("rate limit state is corrupt, starting from empty snapshot",
			zap.String("path", s.path),
			zap.Int("bytes", len(data)))
	}
	return snap, nil
}

func (s *FileStore) save(snap domain.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("%w: encode: %w", domain.ErrStorageUnavailable, err)
	}

	dir, base := filepath.Split(s.path)
	tmp := filepath.Join(dir, "."+base+"."+uuid.NewString()+".tmp")

	if err := writeFileSync(tmp, data, s.perm); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: write: %w", domain.ErrStorageUnavailable, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: rename: %w", domain.ErrStorageUnavailable, err)
	}
	return nil
}

func writeFileSync(name string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
