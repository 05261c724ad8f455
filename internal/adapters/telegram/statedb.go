package telegram

import (
	"time"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"

	"tgworker/internal/infra/storage"
)

const dbOpenTimeout = time.Second

// OpenStateDB открывает общую bbolt-базу: состояние апдейтов всех аккаунтов
// и бакеты пиров peers:<tenant>.
func OpenStateDB(path string) (*bbolt.DB, error) {
	if err := storage.EnsureDir(path); err != nil {
		return nil, errors.Wrap(err, "ensure state db dir")
	}
	db, err := bbolt.Open(path, storage.FilePerm, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, errors.Wrap(err, "open state db")
	}
	return db, nil
}
