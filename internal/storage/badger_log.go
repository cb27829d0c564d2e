package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// BadgerLog is a chat.MessageLog persisted in BadgerDB.
//
// Messages live under "msg:{room}:{seq}" with the sequence zero padded to 20
// digits so a prefix scan yields them in append order. The last sequence of
// a room is kept under "seq:{room}" and bumped in the same transaction as the
// message write.
type BadgerLog struct {
	db *badger.DB
}

// OpenBadgerLog opens (or creates) a Badger database at path.
func OpenBadgerLog(path string, logger zerolog.Logger) (*BadgerLog, error) {
	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{logger.With().Str("component", "badger").Logger()})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %s: %w", path, err)
	}
	return NewBadgerLog(db), nil
}

// NewBadgerLog wraps an open database.
func NewBadgerLog(db *badger.DB) *BadgerLog {
	return &BadgerLog{db: db}
}

// Close closes the underlying database.
func (l *BadgerLog) Close() error {
	return l.db.Close()
}

func msgPrefix(room chat.RoomID) []byte {
	return []byte("msg:" + string(room) + ":")
}

func msgKey(room chat.RoomID, seq uint64) []byte {
	return []byte(fmt.Sprintf("msg:%s:%020d", room, seq))
}

func seqKey(room chat.RoomID) []byte {
	return []byte("seq:" + string(room))
}

func (l *BadgerLog) Append(_ context.Context, room chat.RoomID, author chat.Identity, body string, at time.Time) (chat.Message, error) {
	var msg chat.Message
	err := l.db.Update(func(txn *badger.Txn) error {
		last, err := readSeq(txn, room)
		if err != nil {
			return err
		}
		msg = chat.Message{
			Seq:       last + 1,
			Room:      room,
			Author:    author,
			Body:      body,
			Timestamp: at.UTC(),
		}
		value, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := txn.Set(msgKey(room, msg.Seq), value); err != nil {
			return err
		}
		next := make([]byte, 8)
		binary.BigEndian.PutUint64(next, msg.Seq)
		return txn.Set(seqKey(room), next)
	})
	if err != nil {
		return chat.Message{}, fmt.Errorf("%w: badger append: %v", chat.ErrTransientIO, err)
	}
	return msg, nil
}

func readSeq(txn *badger.Txn, room chat.RoomID) (uint64, error) {
	item, err := txn.Get(seqKey(room))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var seq uint64
	err = item.Value(func(v []byte) error {
		if len(v) != 8 {
			return fmt.Errorf("corrupt sequence for room %s", room)
		}
		seq = binary.BigEndian.Uint64(v)
		return nil
	})
	return seq, err
}

func (l *BadgerLog) Messages(_ context.Context, room chat.RoomID, after uint64, limit int) ([]chat.Message, error) {
	out := []chat.Message{}
	if after == math.MaxUint64 {
		// Nothing can follow the largest sequence, and after+1 would wrap.
		return out, nil
	}
	err := l.db.View(func(txn *badger.Txn) error {
		prefix := msgPrefix(room)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(msgKey(room, after+1)); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) == limit {
				break
			}
			var msg chat.Message
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &msg)
			}); err != nil {
				return err
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: badger read: %v", chat.ErrTransientIO, err)
	}
	return out, nil
}

func (l *BadgerLog) Drop(_ context.Context, room chat.RoomID) error {
	if err := l.db.DropPrefix(msgPrefix(room)); err != nil {
		return fmt.Errorf("%w: badger drop: %v", chat.ErrTransientIO, err)
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(seqKey(room))
	})
}

// badgerLogger routes Badger's internal logging through zerolog.
type badgerLogger struct {
	log zerolog.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{})   { b.log.Error().Msgf(format, args...) }
func (b badgerLogger) Warningf(format string, args ...interface{}) { b.log.Warn().Msgf(format, args...) }
func (b badgerLogger) Infof(format string, args ...interface{})    { b.log.Debug().Msgf(format, args...) }
func (b badgerLogger) Debugf(format string, args ...interface{})   { b.log.Trace().Msgf(format, args...) }
