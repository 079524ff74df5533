package db

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/fedbridge/fedbridge/node/pkg/bridge"
)

// StoredCall is one persisted call-proxy entry.
type StoredCall struct {
	ID          uint64
	Tx          *bridge.EthTransaction
	Payment     bridge.Payment
	OpenedEpoch uint64
	InFlight    bool
}

// ProxyDB persists the call proxy's pending transaction table.
type ProxyDB interface {
	StorePendingCall(c *StoredCall) error
	DeletePendingCall(id uint64) error
	LoadPendingCalls() ([]*StoredCall, error)
}

type MockProxyDB struct{}

func (MockProxyDB) StorePendingCall(*StoredCall) error          { return nil }
func (MockProxyDB) DeletePendingCall(uint64) error              { return nil }
func (MockProxyDB) LoadPendingCalls() ([]*StoredCall, error)    { return nil, nil }

func pendingCallKey(id uint64) []byte {
	return []byte(fmt.Sprintf("pendingCalls/%020d", id))
}

func (d *Database) StorePendingCall(c *StoredCall) error {
	txBytes, err := MarshalEthTransaction(c.Tx)
	if err != nil {
		return err
	}

	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, c.ID)
	_ = binary.Write(buf, binary.BigEndian, c.OpenedEpoch)
	if c.InFlight {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	writeToken(buf, c.Payment.Token)
	writeAmount(buf, c.Payment.Amount)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(txBytes)))
	buf.Write(txBytes)
	return d.put("pendingCalls", pendingCallKey(c.ID), buf.Bytes())
}

func (d *Database) DeletePendingCall(id uint64) error {
	return d.delete(pendingCallKey(id))
}

func (d *Database) LoadPendingCalls() ([]*StoredCall, error) {
	var out []*StoredCall
	err := d.scanPrefix([]byte("pendingCalls/"), func(key, value []byte) error {
		if _, err := strconv.ParseUint(strings.TrimPrefix(string(key), "pendingCalls/"), 10, 64); err != nil {
			return fmt.Errorf("malformed pending call key %q: %w", string(key), err)
		}

		c := &StoredCall{}
		r := bytes.NewReader(value)
		if err := binary.Read(r, binary.BigEndian, &c.ID); err != nil {
			return err
		}
		if err := binary.Read(r, binary.BigEndian, &c.OpenedEpoch); err != nil {
			return err
		}
		flag, err := r.ReadByte()
		if err != nil {
			return err
		}
		c.InFlight = flag == 1
		if c.Payment.Token, err = readToken(r); err != nil {
			return err
		}
		if c.Payment.Amount, err = readAmount(r); err != nil {
			return err
		}
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return err
		}
		raw := make([]byte, n)
		if _, err := io.ReadFull(r, raw); err != nil {
			return err
		}
		if c.Tx, err = UnmarshalEthTransaction(raw); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// InboundDB persists the inbound delivery cursors and the refund pipeline.
type InboundDB interface {
	VaultDB
	StoreInboundCursors(lastBatchID, lastTxID uint64) error
	LoadInboundCursors() (lastBatchID, lastTxID uint64, err error)
	StoreRefundTx(batchID uint64, tx *bridge.EthTransaction) error
	DeleteRefundBatch(batchID uint64) error
	LoadRefundTxs() (map[uint64][]*bridge.EthTransaction, error)
	StoreUnprocessedRefundTx(id uint64, tx *bridge.EthTransaction) error
	DeleteUnprocessedRefundTx(id uint64) error
	LoadUnprocessedRefundTxs() (map[uint64]*bridge.EthTransaction, error)
}

type MockInboundDB struct{ MockVaultDB }

func (MockInboundDB) StoreInboundCursors(_, _ uint64) error { return nil }
func (MockInboundDB) LoadInboundCursors() (uint64, uint64, error) {
	return 0, 0, nil
}
func (MockInboundDB) StoreRefundTx(uint64, *bridge.EthTransaction) error { return nil }
func (MockInboundDB) DeleteRefundBatch(uint64) error                     { return nil }
func (MockInboundDB) LoadRefundTxs() (map[uint64][]*bridge.EthTransaction, error) {
	return nil, nil
}
func (MockInboundDB) StoreUnprocessedRefundTx(uint64, *bridge.EthTransaction) error { return nil }
func (MockInboundDB) DeleteUnprocessedRefundTx(uint64) error                        { return nil }
func (MockInboundDB) LoadUnprocessedRefundTxs() (map[uint64]*bridge.EthTransaction, error) {
	return nil, nil
}

func (d *Database) StoreInboundCursors(lastBatchID, lastTxID uint64) error {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, lastBatchID)
	_ = binary.Write(buf, binary.BigEndian, lastTxID)
	return d.put("inboundCursors", []byte("inboundCursors"), buf.Bytes())
}

func (d *Database) LoadInboundCursors() (uint64, uint64, error) {
	value, err := d.get([]byte("inboundCursors"))
	if errors.Is(err, ErrNotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	r := bytes.NewReader(value)
	var batchID, txID uint64
	if err := binary.Read(r, binary.BigEndian, &batchID); err != nil {
		return 0, 0, err
	}
	if err := binary.Read(r, binary.BigEndian, &txID); err != nil {
		return 0, 0, err
	}
	return batchID, txID, nil
}

func refundTxKey(batchID, txNonce uint64) []byte {
	return []byte(fmt.Sprintf("refundTxs/%020d/%020d", batchID, txNonce))
}

func (d *Database) StoreRefundTx(batchID uint64, tx *bridge.EthTransaction) error {
	value, err := MarshalEthTransaction(tx)
	if err != nil {
		return err
	}
	return d.put("refundTxs", refundTxKey(batchID, tx.TxNonce), value)
}

func (d *Database) DeleteRefundBatch(batchID uint64) error {
	prefix := []byte(fmt.Sprintf("refundTxs/%020d/", batchID))
	var keys [][]byte
	err := d.scanPrefix(prefix, func(key, _ []byte) error {
		keys = append(keys, append([]byte(nil), key...))
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := d.delete(key); err != nil {
			return err
		}
	}
	return nil
}

// LoadRefundTxs returns the persisted refund batches, txs in nonce order
// within each batch.
func (d *Database) LoadRefundTxs() (map[uint64][]*bridge.EthTransaction, error) {
	out := make(map[uint64][]*bridge.EthTransaction)
	err := d.scanPrefix([]byte("refundTxs/"), func(key, value []byte) error {
		parts := strings.Split(string(key), "/")
		if len(parts) != 3 {
			return fmt.Errorf("malformed refund tx key %q", string(key))
		}
		batchID, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return fmt.Errorf("malformed refund tx key %q: %w", string(key), err)
		}
		tx, err := UnmarshalEthTransaction(value)
		if err != nil {
			return fmt.Errorf("failed to unmarshal refund tx %s: %w", string(key), err)
		}
		out[batchID] = append(out[batchID], tx)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, txs := range out {
		sort.Slice(txs, func(i, j int) bool { return txs[i].TxNonce < txs[j].TxNonce })
	}
	return out, nil
}

func unprocessedRefundTxKey(id uint64) []byte {
	return []byte(fmt.Sprintf("unprocessedRefundTxs/%020d", id))
}

func (d *Database) StoreUnprocessedRefundTx(id uint64, tx *bridge.EthTransaction) error {
	value, err := MarshalEthTransaction(tx)
	if err != nil {
		return err
	}
	return d.put("unprocessedRefundTxs", unprocessedRefundTxKey(id), value)
}

func (d *Database) DeleteUnprocessedRefundTx(id uint64) error {
	return d.delete(unprocessedRefundTxKey(id))
}

func (d *Database) LoadUnprocessedRefundTxs() (map[uint64]*bridge.EthTransaction, error) {
	out := make(map[uint64]*bridge.EthTransaction)
	err := d.scanPrefix([]byte("unprocessedRefundTxs/"), func(key, value []byte) error {
		id, err := strconv.ParseUint(strings.TrimPrefix(string(key), "unprocessedRefundTxs/"), 10, 64)
		if err != nil {
			return fmt.Errorf("malformed unprocessed refund tx key %q: %w", string(key), err)
		}
		tx, err := UnmarshalEthTransaction(value)
		if err != nil {
			return err
		}
		out[id] = tx
		return nil
	})
	return out, err
}
