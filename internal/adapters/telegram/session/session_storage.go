// Package session хранит MTProto-сессии тенантов: по одному файлу
// <dir>/<tenant>.session на тенанта. Файл пишется атомарно с правами 0600 и
// удаляется только явным hard reset.
package session

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/go-faster/errors"
	tdsession "github.com/gotd/td/session"
	"go.uber.org/zap"

	"tgworker/internal/infra/logger"
	"tgworker/internal/infra/storage"
)

// Ext: расширение файлов сессий.
const Ext = ".session"

// validTenant ограничивает идентификатор тенанта безопасным для имени файла набором.
var validTenant = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ErrInvalidTenant: идентификатор нельзя превратить в имя файла.
var ErrInvalidTenant = errors.New("invalid tenant id")

// ValidTenant сообщает, пригоден ли id для имени файла сессии.
func ValidTenant(id string) bool { return validTenant.MatchString(id) }

// FileStorage реализует tdsession.Storage поверх файла одного тенанта.
// Потокобезопасен: Load/Store защищены мьютексом.
type FileStorage struct {
	Path string
	mux  sync.Mutex
}

var _ tdsession.Storage = (*FileStorage)(nil)

// LoadSession читает файл сессии с диска.
func (f *FileStorage) LoadSession(_ context.Context) ([]byte, error) {
	if f == nil {
		return nil, errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, tdsession.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read session")
	}
	return data, nil
}

// StoreSession атомарно сохраняет данные сессии.
func (f *FileStorage) StoreSession(_ context.Context, data []byte) error {
	if f == nil {
		return errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	if err := storage.AtomicWriteFile(f.Path, data); err != nil {
		return errors.Wrap(err, "atomic write session")
	}
	logger.Debug("session stored", zap.String("path", f.Path))
	return nil
}

// Dir: каталог файлов сессий всех тенантов.
type Dir struct {
	root string

	mu    sync.Mutex
	files map[string]*FileStorage
}

// NewDir создаёт каталог root (0700), если его нет.
func NewDir(root string) (*Dir, error) {
	root = filepath.Clean(strings.TrimSpace(root))
	if err := os.MkdirAll(root, storage.DirPerm); err != nil {
		return nil, errors.Wrap(err, "create sessions dir")
	}
	return &Dir{root: root, files: map[string]*FileStorage{}}, nil
}

// Path возвращает путь к файлу сессии тенанта.
func (d *Dir) Path(tenantID string) string {
	return filepath.Join(d.root, tenantID+Ext)
}

// Storage возвращает хранилище тенанта. Один экземпляр на тенанта, чтобы
// мьютекс FileStorage сериализовал все записи в файл.
func (d *Dir) Storage(tenantID string) (*FileStorage, error) {
	if !ValidTenant(tenantID) {
		return nil, errors.Wrapf(ErrInvalidTenant, "tenant %q", tenantID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if fs, ok := d.files[tenantID]; ok {
		return fs, nil
	}
	fs := &FileStorage{Path: d.Path(tenantID)}
	d.files[tenantID] = fs
	return fs, nil
}

// List возвращает отсортированный список тенантов с непустыми файлами сессий.
func (d *Dir) List() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, errors.Wrap(err, "read sessions dir")
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, Ext) {
			continue
		}
		id := strings.TrimSuffix(name, Ext)
		if !ValidTenant(id) {
			logger.Warn("skipping session file with invalid tenant id", zap.String("file", name))
			continue
		}
		if info, err := e.Info(); err != nil || info.Size() == 0 {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// Exists сообщает, есть ли у тенанта непустой файл сессии.
func (d *Dir) Exists(tenantID string) bool {
	if !ValidTenant(tenantID) {
		return false
	}
	info, err := os.Stat(d.Path(tenantID))
	return err == nil && info.Size() > 0
}

// Remove удаляет файл сессии тенанта. Отсутствующий файл не ошибка.
func (d *Dir) Remove(tenantID string) error {
	if !ValidTenant(tenantID) {
		return errors.Wrapf(ErrInvalidTenant, "tenant %q", tenantID)
	}
	fs, err := d.Storage(tenantID)
	if err != nil {
		return err
	}
	fs.mux.Lock()
	defer fs.mux.Unlock()
	return storage.RemoveFile(fs.Path)
}
