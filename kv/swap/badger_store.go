package swap

import (
	"github.com/coocood/badger"
	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinyobj/kv/config"
	"github.com/pingcap-incubator/tinyobj/kv/util/codec"
	"github.com/pingcap-incubator/tinyobj/kv/util/engine_util"
	"github.com/pingcap/errors"
)

// BadgerStore keeps records in a badger database, one column family per record kind.
type BadgerStore struct {
	db   *badger.DB
	path string
}

func NewBadgerStore(conf *config.Engine) (*BadgerStore, error) {
	db, err := engine_util.OpenDB(conf)
	if err != nil {
		return nil, err
	}
	log.Infof("block store opened at %s", conf.DBPath)
	return &BadgerStore{db: db, path: conf.DBPath}, nil
}

func cfOf(kind Kind) string {
	if kind == KindControl {
		return engine_util.CfControl
	}
	return engine_util.CfDataspace
}

func (s *BadgerStore) Get(kind Kind, id uint32) ([]byte, error) {
	val, err := engine_util.GetCF(s.db, cfOf(kind), codec.EncodeID(id))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return val, nil
}

func (s *BadgerStore) Put(kind Kind, id uint32, record []byte) error {
	return errors.Trace(engine_util.PutCF(s.db, cfOf(kind), codec.EncodeID(id), record))
}

func (s *BadgerStore) Delete(kind Kind, id uint32) error {
	return errors.Trace(engine_util.DeleteCF(s.db, cfOf(kind), codec.EncodeID(id)))
}

func (s *BadgerStore) IDs(kind Kind) ([]uint32, error) {
	var ids []uint32
	err := engine_util.ScanCF(s.db, cfOf(kind), func(key, val []byte) error {
		id, err := codec.DecodeID(key)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	})
	return ids, errors.Trace(err)
}

// WriteBatch applies several writes in one badger transaction.
func (s *BadgerStore) WriteBatch(kind Kind, records map[uint32][]byte) error {
	wb := new(engine_util.WriteBatch)
	for id, rec := range records {
		if rec == nil {
			wb.DeleteCF(cfOf(kind), codec.EncodeID(id))
		} else {
			wb.SetCF(cfOf(kind), codec.EncodeID(id), rec)
		}
	}
	return wb.WriteToDB(s.db)
}

func (s *BadgerStore) Close() error {
	log.Infof("block store at %s closed", s.path)
	return errors.Trace(s.db.Close())
}
