// Package batch implements the append-only store of transfer record batches
// shared by the outbound vault and the inbound refund tail. Batch ids are
// contiguous starting at 1 and at most one batch is open at a time.
package batch

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fedbridge/fedbridge/node/pkg/bridge"
)

// MinBlocksForFinality is the minimum block age of the last record in a
// sealed batch before the batch may be consumed. Reorg protection.
const MinBlocksForFinality = 10

var (
	recordsAppendedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedbridge_batch_records_appended_total",
			Help: "Total number of transfer records appended, grouped by store",
		}, []string{"store"})
	batchesOpenedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedbridge_batches_opened_total",
			Help: "Total number of batches opened, grouped by store",
		}, []string{"store"})
)

// Status describes the readiness of a batch to outside observers.
type Status uint8

const (
	StatusAlreadyProcessed Status = iota + 1
	StatusEmpty
	StatusPartiallyFull
	StatusFull
	StatusWaitingForSignatures
)

func (s Status) String() string {
	switch s {
	case StatusAlreadyProcessed:
		return "already-processed"
	case StatusEmpty:
		return "empty"
	case StatusPartiallyFull:
		return "partially-full"
	case StatusFull:
		return "full"
	case StatusWaitingForSignatures:
		return "waiting-for-signatures"
	default:
		return "unknown"
	}
}

// StatusReport is the answer to a batch readiness query. EndBlock and
// RecordSeqs are only populated for partially full batches.
type StatusReport struct {
	Status     Status
	EndBlock   uint64
	RecordSeqs []uint64
}

// Batch is a contiguous group of transfer records sharing an id.
type Batch struct {
	ID      uint64
	Records []*bridge.TransferRecord
}

func (b *Batch) firstBlockSeq() uint64 {
	return b.Records[0].BlockSeq
}

func (b *Batch) lastBlockSeq() uint64 {
	return b.Records[len(b.Records)-1].BlockSeq
}

// Store keeps the batches of one side of the bridge. It is owned exclusively
// by a single component (vault or inbound executor) which serializes access.
type Store struct {
	name    string
	firstID uint64
	lastID  uint64
	batches map[uint64]*Batch
	nextSeq uint64

	maxSize uint64
	maxAge  uint64
}

// NewStore creates a store whose first batch will have id 1. A record seals
// its batch when the batch holds maxSize records or when the first record is
// maxAge blocks old.
func NewStore(name string, maxSize, maxAge uint64) *Store {
	return &Store{
		name:    name,
		firstID: 1,
		lastID:  1,
		batches: make(map[uint64]*Batch),
		nextSeq: 1,
		maxSize: maxSize,
		maxAge:  maxAge,
	}
}

func (s *Store) FirstID() uint64 { return s.firstID }
func (s *Store) LastID() uint64  { return s.lastID }

// SetMaxSize adjusts the size cap. Applies to the open batch as well.
func (s *Store) SetMaxSize(maxSize uint64) error {
	if maxSize == 0 {
		return fmt.Errorf("batch size cap must be positive: %w", bridge.ErrBadAmount)
	}
	s.maxSize = maxSize
	return nil
}

// SetMaxAge adjusts the block-age cap used for sealing.
func (s *Store) SetMaxAge(maxAge uint64) error {
	if maxAge == 0 {
		return fmt.Errorf("batch age cap must be positive: %w", bridge.ErrBadAmount)
	}
	s.maxAge = maxAge
	return nil
}

// Append adds one record, opening a new batch first if the current one is
// sealed, and returns the id of the batch the record landed in. Append never
// fails. The record's Seq is assigned here and is monotonic across batches.
func (s *Store) Append(r *bridge.TransferRecord) uint64 {
	r.Seq = s.nextSeq
	s.nextSeq++

	b, ok := s.batches[s.lastID]
	if !ok {
		b = &Batch{ID: s.lastID}
		s.batches[s.lastID] = b
		batchesOpenedTotal.WithLabelValues(s.name).Inc()
	} else if s.sealedBySize(b) || s.sealedByAge(b, r.BlockSeq) {
		s.lastID++
		b = &Batch{ID: s.lastID}
		s.batches[s.lastID] = b
		batchesOpenedTotal.WithLabelValues(s.name).Inc()
	}

	b.Records = append(b.Records, r)
	recordsAppendedTotal.WithLabelValues(s.name).Inc()
	return b.ID
}

// AppendMany appends records in order, returning one batch id per record.
// Records may span two batches when a seal happens mid-way.
func (s *Store) AppendMany(rs []*bridge.TransferRecord) []uint64 {
	ids := make([]uint64, len(rs))
	for i, r := range rs {
		ids[i] = s.Append(r)
	}
	return ids
}

func (s *Store) sealedBySize(b *Batch) bool {
	return uint64(len(b.Records)) >= s.maxSize
}

func (s *Store) sealedByAge(b *Batch, nowSeq uint64) bool {
	return len(b.Records) > 0 && nowSeq-b.firstBlockSeq() >= s.maxAge
}

// IsSealed reports whether the batch can no longer accept records.
func (s *Store) IsSealed(id uint64, nowSeq uint64) bool {
	b, ok := s.batches[id]
	if !ok || len(b.Records) == 0 {
		return false
	}
	return s.sealedBySize(b) || s.sealedByAge(b, nowSeq)
}

// IsFinal reports whether a sealed batch is deep enough under the chain tip
// to be consumed for external processing.
func (s *Store) IsFinal(id uint64, nowSeq uint64) bool {
	b, ok := s.batches[id]
	if !ok || len(b.Records) == 0 {
		return false
	}
	return nowSeq-b.lastBlockSeq() > MinBlocksForFinality
}

// CurrentSealedFinal returns the first batch if it is both sealed and final.
func (s *Store) CurrentSealedFinal(nowSeq uint64) (uint64, *Batch, bool) {
	if !s.IsSealed(s.firstID, nowSeq) || !s.IsFinal(s.firstID, nowSeq) {
		return 0, nil, false
	}
	return s.firstID, s.batches[s.firstID], true
}

// Get returns the batch with the given id, or nil.
func (s *Store) Get(id uint64) *Batch {
	return s.batches[id]
}

// ClearFirst garbage collects the first batch and advances the cursor. The
// id is never reused; lastID is bumped if needed so lastID >= firstID holds.
func (s *Store) ClearFirst() {
	delete(s.batches, s.firstID)
	s.firstID++
	if s.lastID < s.firstID {
		s.lastID = s.firstID
	}
}

// Report answers a readiness query for the given batch id.
func (s *Store) Report(id uint64, nowSeq uint64) StatusReport {
	if id < s.firstID {
		return StatusReport{Status: StatusAlreadyProcessed}
	}
	b, ok := s.batches[id]
	if !ok || len(b.Records) == 0 {
		return StatusReport{Status: StatusEmpty}
	}
	if !s.IsSealed(id, nowSeq) {
		seqs := make([]uint64, len(b.Records))
		for i, r := range b.Records {
			seqs[i] = r.Seq
		}
		return StatusReport{
			Status:     StatusPartiallyFull,
			EndBlock:   b.firstBlockSeq() + s.maxAge,
			RecordSeqs: seqs,
		}
	}
	if !s.IsFinal(id, nowSeq) {
		return StatusReport{Status: StatusFull}
	}
	return StatusReport{Status: StatusWaitingForSignatures}
}

// Restore reinstalls persisted batches at startup. Cursors and the sequence
// counter are rebuilt from the batch contents.
func (s *Store) Restore(batches []*Batch) error {
	if len(batches) == 0 {
		return nil
	}
	for _, b := range batches {
		if _, dup := s.batches[b.ID]; dup || b.ID == 0 {
			return fmt.Errorf("bad persisted batch id %d: %w", b.ID, bridge.ErrBadState)
		}
		s.batches[b.ID] = b
	}
	s.firstID = batches[0].ID
	s.lastID = batches[0].ID
	for _, b := range batches {
		if b.ID < s.firstID {
			s.firstID = b.ID
		}
		if b.ID > s.lastID {
			s.lastID = b.ID
		}
		for _, r := range b.Records {
			if r.Seq >= s.nextSeq {
				s.nextSeq = r.Seq + 1
			}
		}
	}
	return nil
}
