// Package storage: утилиты безопасной работы с локальным хранилищем.
//   - EnsureDir: гарантирует наличие директории для целевого пути;
//   - AtomicWriteFile: атомарная запись файла с fsync данных и каталога;
//   - RemoveFile: удаление файла, отсутствующий файл не считается ошибкой.
//
// Используется для файлов MTProto‑сессий тенантов: частично записанный файл
// сессии означает потерю авторизации, поэтому запись всегда идёт через temp+rename.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"tgworker/internal/infra/logger"
)

const (
	// FilePerm: права итогового файла: доступ только владельцу процесса.
	FilePerm os.FileMode = 0o600
	// DirPerm: права создаваемых каталогов.
	DirPerm os.FileMode = 0o700
)

// EnsureDir гарантирует наличие каталога для указанного файла.
// Если путь не содержит директорию ("." или пустая строка), ничего не делает.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, DirPerm); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}

// AtomicWriteFile атомарно записывает байты в файл path.
//
// Алгоритм: temp в той же директории → write → fsync(temp) → chmod(FilePerm)
// → close → rename → fsync(dir). Либо старый файл остаётся целым, либо новый
// записан полностью. rename атомарен только в пределах одного тома, поэтому
// temp создаётся рядом с целевым файлом.
func AtomicWriteFile(path string, data []byte) error {
	clean := filepath.Clean(path)
	if err := EnsureDir(clean); err != nil {
		return err
	}
	dir := filepath.Dir(clean)

	tmp, err := os.CreateTemp(dir, ".atomic-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err = tmp.Chmod(FilePerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err = os.Rename(tmpName, clean); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	// fsync каталога делается по возможности, часть ФС его игнорирует.
	if dirFile, openErr := os.Open(dir); openErr == nil {
		if syncErr := dirFile.Sync(); syncErr != nil {
			logger.Debug("AtomicWriteFile: dir sync failed", zap.String("dir", dir), zap.Error(syncErr))
		}
		_ = dirFile.Close()
	}
	return nil
}

// RemoveFile удаляет файл. Отсутствие файла не является ошибкой.
func RemoveFile(path string) error {
	err := os.Remove(filepath.Clean(path))
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("remove %s: %w", path, err)
}

// Exists сообщает, существует ли обычный файл по пути path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
