package hub

import (
	"encoding/binary"
	"sync"

	"github.com/juju/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/temoto/solarvalve/helpers"
	"github.com/temoto/solarvalve/log2"
	"github.com/temoto/solarvalve/tele"
)

// QueueMemory opens queue without disk storage.
const QueueMemory = "\x00"

const queueKeyPrefixLen = 4
const queueKeyLen = queueKeyPrefixLen + 8

var queueKeyPrefix = [queueKeyPrefixLen]byte{'h', 'c', 'q', '1'}
var queueKeyLimit = [queueKeyPrefixLen]byte{'h', 'c', 'q', '2'}

var ErrQueueClosed = errors.New("command queue is closed")

// CommandQueue is durable FIFO of pending commands.
// Append and List are for admin API, PopFront is for drain session.
// All operations are short and never block on empty queue.
type CommandQueue struct {
	mu     sync.Mutex
	log    *log2.Log
	db     *leveldb.DB
	wopt   opt.WriteOptions
	rng    *util.Range
	next   uint64
	length int
	ready  chan struct{}
	closed bool
}

func OpenCommandQueue(path string, log *log2.Log) (*CommandQueue, error) {
	q := &CommandQueue{
		log:   log,
		ready: make(chan struct{}, 1),
		wopt: opt.WriteOptions{
			NoWriteMerge: true,
			Sync:         true,
		},
		rng: &util.Range{Start: queueKeyPrefix[:], Limit: queueKeyLimit[:]},
	}
	o := &opt.Options{
		NoWriteMerge: true,
		Strict:       opt.StrictJournalChecksum | opt.StrictBlockChecksum,
		WriteBuffer:  4 << 10,
	}
	var err error
	if path == QueueMemory {
		q.db, err = leveldb.Open(storage.NewMemStorage(), o)
	} else {
		q.db, err = leveldb.RecoverFile(path, o)
	}
	if err != nil {
		return nil, errors.Annotate(err, "command queue open")
	}

	iter := q.db.NewIterator(q.rng, nil)
	for iter.Next() {
		q.length++
	}
	if iter.Last() {
		q.next = binary.BigEndian.Uint64(iter.Key()[queueKeyPrefixLen:])
	}
	iter.Release()
	if err = iter.Error(); err != nil {
		_ = q.db.Close()
		return nil, errors.Annotate(err, "command queue load")
	}
	q.next++
	if q.length > 0 {
		q.log.Infof("command queue restored length=%d", q.length)
		helpers.Signal(q.ready)
	}
	return q, nil
}

func (q *CommandQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.db.Close()
}

// Ready receives token on every empty -> non-empty transition.
func (q *CommandQueue) Ready() <-chan struct{} { return q.ready }

func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}

// Append adds command to tail, returns new length.
// Invalid command is rejected with NotValid error and never enters queue.
func (q *CommandQueue) Append(cmd tele.Command) (int, error) {
	if err := tele.ValidateAppend(cmd); err != nil {
		return 0, err
	}
	b, err := tele.MarshalCommand(cmd)
	if err != nil {
		return 0, errors.NewNotValid(err, "command value")
	}
	var key [queueKeyLen]byte
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrQueueClosed
	}
	encodeQueueKey(key[:], q.next)
	if err = q.db.Put(key[:], b, &q.wopt); err != nil {
		return 0, errors.Annotate(err, "command queue append")
	}
	q.next++
	q.length++
	if q.length == 1 {
		helpers.Signal(q.ready)
	}
	return q.length, nil
}

// PopFront removes and returns head, or end marker when queue is empty.
// Unparsable stored entries are dropped.
func (q *CommandQueue) PopFront() (tele.Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return tele.Command{}, ErrQueueClosed
	}
	for {
		key, value, err := q.first()
		if err != nil {
			return tele.Command{}, errors.Annotate(err, "command queue read")
		}
		if key == nil {
			return tele.CommandEOF, nil
		}
		if err = q.db.Delete(key, &q.wopt); err != nil {
			return tele.Command{}, errors.Annotate(err, "command queue delete")
		}
		q.length--
		cmd, err := tele.ParseCommand(value)
		if err != nil {
			q.log.Errorf("command queue drop corrupt key=%x err=%v", key, err)
			continue
		}
		return cmd, nil
	}
}

// List returns queue contents without mutation.
func (q *CommandQueue) List() ([]tele.Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	cmds := make([]tele.Command, 0, q.length)
	iter := q.db.NewIterator(q.rng, nil)
	defer iter.Release()
	for iter.Next() {
		cmd, err := tele.ParseCommand(iter.Value())
		if err != nil {
			q.log.Errorf("command queue list skip corrupt key=%x err=%v", iter.Key(), err)
			continue
		}
		cmds = append(cmds, cmd)
	}
	return cmds, errors.Annotate(iter.Error(), "command queue list")
}

func (q *CommandQueue) first() (key, value []byte, err error) {
	iter := q.db.NewIterator(q.rng, nil)
	defer iter.Release()
	if !iter.First() {
		return nil, nil, iter.Error()
	}
	key = append([]byte(nil), iter.Key()...)
	value = append([]byte(nil), iter.Value()...)
	return key, value, nil
}

func encodeQueueKey(key []byte, id uint64) {
	copy(key, queueKeyPrefix[:])
	binary.BigEndian.PutUint64(key[queueKeyPrefixLen:], id)
}
