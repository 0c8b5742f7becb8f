package engine_util

import (
	"os"

	"github.com/coocood/badger"
	"github.com/pingcap-incubator/tinyobj/kv/config"
	"github.com/pingcap/errors"
)

// Column families. Badger has no column families, so a family is a key prefix.
const (
	CfDataspace string = "ds"
	CfControl   string = "ctl"
)

var CFs [2]string = [2]string{CfDataspace, CfControl}

func KeyWithCF(cf string, key []byte) []byte {
	return append([]byte(cf+"_"), key...)
}

// OpenDB opens (creating if needed) the badger database described by conf.
func OpenDB(conf *config.Engine) (*badger.DB, error) {
	if err := os.MkdirAll(conf.DBPath, os.ModePerm); err != nil {
		return nil, errors.Trace(err)
	}
	opts := badger.DefaultOptions
	opts.Dir = conf.DBPath
	opts.ValueDir = conf.DBPath
	opts.ValueThreshold = conf.ValueThreshold
	opts.NumCompactors = conf.NumCompactors
	opts.SyncWrites = conf.SyncWrite
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Annotatef(err, "open badger at %s", conf.DBPath)
	}
	return db, nil
}

// GetCF returns the value at key, or badger.ErrKeyNotFound.
func GetCF(db *badger.DB, cf string, key []byte) (val []byte, err error) {
	err = db.View(func(txn *badger.Txn) error {
		val, err = GetCFFromTxn(txn, cf, key)
		return err
	})
	return
}

func GetCFFromTxn(txn *badger.Txn, cf string, key []byte) (val []byte, err error) {
	item, err := txn.Get(KeyWithCF(cf, key))
	if err != nil {
		return nil, err
	}
	val, err = item.ValueCopy(val)
	return
}

func PutCF(engine *badger.DB, cf string, key []byte, val []byte) error {
	return engine.Update(func(txn *badger.Txn) error {
		return txn.Set(KeyWithCF(cf, key), val)
	})
}

func DeleteCF(engine *badger.DB, cf string, key []byte) error {
	return engine.Update(func(txn *badger.Txn) error {
		return txn.Delete(KeyWithCF(cf, key))
	})
}

// ScanCF calls fn for every key in cf in key order, with the column family prefix stripped. The slices passed to
// fn are only valid during the call.
func ScanCF(db *badger.DB, cf string, fn func(key, val []byte) error) error {
	prefix := KeyWithCF(cf, nil)
	return db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.Value()
			if err != nil {
				return err
			}
			if err := fn(item.Key()[len(prefix):], val); err != nil {
				return err
			}
		}
		return nil
	})
}
