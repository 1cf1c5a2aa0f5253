package offline

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	s:<store>            storeMeta
//	e:<store>\x00<key>   Entry
const (
	storeMetaPrefix = "s:"
	entryPrefix     = "e:"
	keySep          = "\x00"
)

type storeMeta struct {
	Seq       uint64
	CreatedAt int64
}

// LevelDBStorage persists stores in a single leveldb database so the cache
// survives restarts.
type LevelDBStorage struct {
	db *leveldb.DB

	mu    sync.Mutex
	metas map[string]storeMeta
	seq   uint64
}

func OpenLevelDBStorage(path string) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	s := &LevelDBStorage{db: db, metas: map[string]storeMeta{}}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LevelDBStorage) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(storeMetaPrefix)), nil)
	defer it.Release()

	metas := map[string]storeMeta{}
	var maxSeq uint64
	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), []byte(storeMetaPrefix)))
		var meta storeMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		metas[name] = meta
		if meta.Seq > maxSeq {
			maxSeq = meta.Seq
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	s.mu.Lock()
	s.metas = metas
	s.seq = maxSeq
	s.mu.Unlock()
	return nil
}

func (s *LevelDBStorage) Open(_ context.Context, name string) (Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.metas[name]; ok {
		return &leveldbStore{parent: s, name: name}, nil
	}
	s.seq++
	meta := storeMeta{Seq: s.seq, CreatedAt: time.Now().UnixNano()}
	b, err := encodeGob(meta)
	if err != nil {
		return nil, err
	}
	if err := s.db.Put([]byte(storeMetaPrefix+name), b, nil); err != nil {
		return nil, mapLevelDBErr(err)
	}
	s.metas[name] = meta
	return &leveldbStore{parent: s, name: name}, nil
}

func (s *LevelDBStorage) Names(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.metas))
	for name := range s.metas {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return s.metas[out[i]].Seq < s.metas[out[j]].Seq })
	return out, nil
}

func (s *LevelDBStorage) Drop(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	_, ok := s.metas[name]
	delete(s.metas, name)
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	batch := new(leveldb.Batch)
	batch.Delete([]byte(storeMetaPrefix + name))
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+name+keySep)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return true, mapLevelDBErr(err)
	}
	return true, mapLevelDBErr(s.db.Write(batch, nil))
}

func (s *LevelDBStorage) Match(ctx context.Context, key string) (Entry, bool, error) {
	names, _ := s.Names(ctx)
	for _, name := range names {
		st := &leveldbStore{parent: s, name: name}
		ent, ok, err := st.Get(ctx, key)
		if err != nil {
			return Entry{}, false, err
		}
		if ok {
			return ent, true, nil
		}
	}
	return Entry{}, false, nil
}

func (s *LevelDBStorage) has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.metas[name]
	return ok
}

func (s *LevelDBStorage) Close() error {
	return s.db.Close()
}

type leveldbStore struct {
	parent *LevelDBStorage
	name   string
}

func (st *leveldbStore) Name() string { return st.name }

func (st *leveldbStore) entryKey(key string) []byte {
	return []byte(entryPrefix + st.name + keySep + key)
}

func (st *leveldbStore) Get(_ context.Context, key string) (Entry, bool, error) {
	b, err := st.parent.db.Get(st.entryKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, mapLevelDBErr(err)
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false, nil
	}
	return ent, true, nil
}

func (st *leveldbStore) Put(_ context.Context, key string, ent Entry) error {
	if !st.parent.has(st.name) {
		return ErrStoreDropped
	}
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	return mapLevelDBErr(st.parent.db.Put(st.entryKey(key), b, nil))
}

func (st *leveldbStore) Delete(_ context.Context, key string) (bool, error) {
	k := st.entryKey(key)
	ok, err := st.parent.db.Has(k, nil)
	if err != nil {
		return false, mapLevelDBErr(err)
	}
	if !ok {
		return false, nil
	}
	return true, mapLevelDBErr(st.parent.db.Delete(k, nil))
}

func (st *leveldbStore) Keys(_ context.Context) ([]string, error) {
	prefix := []byte(entryPrefix + st.name + keySep)
	it := st.parent.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return out, mapLevelDBErr(it.Error())
}

func mapLevelDBErr(err error) error {
	if errors.Is(err, leveldb.ErrClosed) {
		return ErrStorageClosed
	}
	return err
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
