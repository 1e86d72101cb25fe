package storage

import (
	"bytes"
	"context"
	"io"
	"iter"
	"regexp"

	"github.com/asdine/storm/v3"
	"github.com/asdine/storm/v3/codec/json"
	"github.com/asdine/storm/v3/q"
	"github.com/pkg/errors"
)

// boltPageSize is the number of records fetched per listing page.
const boltPageSize = 256

// StormCodec is the format used to store data in the database.
var StormCodec = storm.Codec(json.Codec)

const (
	keysNode    = "keys"
	objectsNode = "objects"
)

// An index lists a stored key without its payload.
type index struct {
	Key string `storm:"id"`
}

// A record is an object stored in the bolt database.
type record struct {
	Key  string `storm:"id"`
	Data []byte
}

type bolt struct {
	db      *storm.DB
	keys    storm.Node
	objects storm.Node
}

// NewBolt returns a backend storing all the objects in a single bolt database file.
// It suits local and single runner caches; the whole object is held in memory on Put and Get.
func NewBolt(database string) (Backend, error) {
	db, err := storm.Open(database, StormCodec)
	if err != nil {
		return nil, errors.Wrap(err, "could not get database connection")
	}

	keys := db.From(keysNode)
	if err := keys.Init(&index{}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "could not init index bucket")
	}

	objects := db.From(objectsNode)
	if err := objects.Init(&record{}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "could not init record bucket")
	}

	return &bolt{
		db:      db,
		keys:    keys,
		objects: objects,
	}, nil
}

func (b *bolt) Name() string {
	return "bolt"
}

func (b *bolt) Exists(_ context.Context, key string) (bool, error) {
	var i index
	err := b.keys.One("Key", key, &i)
	if err == storm.ErrNotFound {
		return false, nil
	}
	return err == nil, errors.Wrap(err, "could not find record")
}

func (b *bolt) Put(ctx context.Context, key string, r io.Reader, _ int64) error {
	data, err := io.ReadAll(&contextReader{ctx: ctx, r: r})
	if err != nil {
		return errors.Wrap(err, "could not read content")
	}

	tx, err := b.db.Begin(true)
	if err != nil {
		return errors.Wrap(err, "could not begin transaction")
	}
	defer tx.Rollback()

	if err = tx.From(objectsNode).Save(&record{Key: key, Data: data}); err != nil {
		return errors.Wrap(err, "could not save record")
	}
	if err = tx.From(keysNode).Save(&index{Key: key}); err != nil {
		return errors.Wrap(err, "could not save index")
	}

	return errors.Wrap(tx.Commit(), "could not commit record")
}

func (b *bolt) Get(_ context.Context, key string) (io.ReadCloser, error) {
	var r record
	err := b.objects.One("Key", key, &r)
	if err == storm.ErrNotFound {
		return nil, errors.Wrap(ErrNotFound, key)
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not find record")
	}

	return io.NopCloser(bytes.NewReader(r.Data)), nil
}

func (b *bolt) Delete(_ context.Context, key string) error {
	tx, err := b.db.Begin(true)
	if err != nil {
		return errors.Wrap(err, "could not begin transaction")
	}
	defer tx.Rollback()

	for _, step := range []struct {
		node string
		data any
	}{
		{node: keysNode, data: &index{Key: key}},
		{node: objectsNode, data: &record{Key: key}},
	} {
		err = tx.From(step.node).DeleteStruct(step.data)
		if err != nil && err != storm.ErrNotFound {
			return errors.Wrap(err, "could not delete record")
		}
	}

	return errors.Wrap(tx.Commit(), "could not commit deletion")
}

func (b *bolt) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		matcher := q.Re("Key", "^"+regexp.QuoteMeta(prefix))

		for skip := 0; ; skip += boltPageSize {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}

			var page []index
			err := b.keys.Select(matcher).OrderBy("Key").Skip(skip).Limit(boltPageSize).Find(&page)
			if err == storm.ErrNotFound {
				return
			}
			if err != nil {
				yield("", errors.Wrap(err, "could not list records"))
				return
			}

			for _, i := range page {
				if !yield(i.Key, nil) {
					return
				}
			}

			if len(page) < boltPageSize {
				return
			}
		}
	}
}

func (b *bolt) Close() error {
	return b.db.Close()
}
