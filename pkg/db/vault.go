package db

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/holiman/uint256"

	"github.com/fedbridge/fedbridge/node/pkg/batch"
	"github.com/fedbridge/fedbridge/node/pkg/bridge"
	"github.com/fedbridge/fedbridge/node/pkg/registry"
)

// VaultDB is the persistence surface the vault and the inbound executor
// need. Implemented by *Database; MockVaultDB is used by tests that don't
// care about persistence.
type VaultDB interface {
	StorePendingBatch(store string, b *batch.Batch) error
	DeletePendingBatch(store string, id uint64) error
	LoadPendingBatches(store string) ([]*batch.Batch, error)
	StoreRefundAmount(addr bridge.Address, token bridge.TokenID, amount *uint256.Int) error
	LoadRefundAmounts() (map[bridge.Address]map[bridge.TokenID]*uint256.Int, error)
	StoreTokenPolicy(token bridge.TokenID, p registry.Policy) error
}

type MockVaultDB struct{}

func (MockVaultDB) StorePendingBatch(store string, b *batch.Batch) error     { return nil }
func (MockVaultDB) DeletePendingBatch(store string, id uint64) error         { return nil }
func (MockVaultDB) LoadPendingBatches(store string) ([]*batch.Batch, error)  { return nil, nil }
func (MockVaultDB) StoreRefundAmount(bridge.Address, bridge.TokenID, *uint256.Int) error {
	return nil
}
func (MockVaultDB) LoadRefundAmounts() (map[bridge.Address]map[bridge.TokenID]*uint256.Int, error) {
	return nil, nil
}
func (MockVaultDB) StoreTokenPolicy(bridge.TokenID, registry.Policy) error { return nil }

func pendingBatchKey(store string, id uint64) []byte {
	return []byte(fmt.Sprintf("pendingBatches/%s/%020d", store, id))
}

func (d *Database) StorePendingBatch(store string, b *batch.Batch) error {
	return d.put("pendingBatches", pendingBatchKey(store, b.ID), MarshalBatch(b))
}

func (d *Database) DeletePendingBatch(store string, id uint64) error {
	return d.delete(pendingBatchKey(store, id))
}

// LoadPendingBatches returns the persisted batches of a store in id order.
func (d *Database) LoadPendingBatches(store string) ([]*batch.Batch, error) {
	var out []*batch.Batch
	prefix := []byte(fmt.Sprintf("pendingBatches/%s/", store))
	err := d.scanPrefix(prefix, func(key, value []byte) error {
		b, err := UnmarshalBatch(value)
		if err != nil {
			return fmt.Errorf("failed to unmarshal batch %s: %w", string(key), err)
		}
		out = append(out, b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func refundAmountKey(addr bridge.Address, token bridge.TokenID) []byte {
	return []byte(fmt.Sprintf("refundAmount/%s/%s", addr, token))
}

func (d *Database) StoreRefundAmount(addr bridge.Address, token bridge.TokenID, amount *uint256.Int) error {
	if amount.IsZero() {
		return d.delete(refundAmountKey(addr, token))
	}
	b := amount.Bytes32()
	return d.put("refundAmount", refundAmountKey(addr, token), b[:])
}

func (d *Database) LoadRefundAmounts() (map[bridge.Address]map[bridge.TokenID]*uint256.Int, error) {
	out := make(map[bridge.Address]map[bridge.TokenID]*uint256.Int)
	err := d.scanPrefix([]byte("refundAmount/"), func(key, value []byte) error {
		parts := strings.Split(string(key), "/")
		if len(parts) != 3 {
			return fmt.Errorf("malformed refund key %q", string(key))
		}
		addr, err := bridge.StringToAddress(parts[1])
		if err != nil {
			return fmt.Errorf("malformed refund key %q: %w", string(key), err)
		}
		token := bridge.TokenID(parts[2])
		if out[addr] == nil {
			out[addr] = make(map[bridge.TokenID]*uint256.Int)
		}
		out[addr][token] = new(uint256.Int).SetBytes(value)
		return nil
	})
	return out, err
}

func (d *Database) StoreTokenPolicy(token bridge.TokenID, p registry.Policy) error {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, uint16(len(p.Ticker)))
	buf.WriteString(p.Ticker)
	buf.WriteByte(uint8(p.Kind))
	buf.WriteByte(p.Decimals)
	if p.DefaultPricePerGasUnit != nil {
		buf.WriteByte(1)
		writeAmount(buf, p.DefaultPricePerGasUnit)
	} else {
		buf.WriteByte(0)
	}
	if p.MaxBridgedAmount != nil {
		buf.WriteByte(1)
		writeAmount(buf, p.MaxBridgedAmount)
	} else {
		buf.WriteByte(0)
	}
	return d.put("tokenWhitelist", []byte("tokenWhitelist/"+string(token)), buf.Bytes())
}

// LoadTokenPolicies returns every persisted token policy.
func (d *Database) LoadTokenPolicies() (map[bridge.TokenID]registry.Policy, error) {
	out := make(map[bridge.TokenID]registry.Policy)
	err := d.scanPrefix([]byte("tokenWhitelist/"), func(key, value []byte) error {
		token := bridge.TokenID(strings.TrimPrefix(string(key), "tokenWhitelist/"))
		r := bytes.NewReader(value)

		var n uint16
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return err
		}
		ticker := make([]byte, n)
		if _, err := r.Read(ticker); err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		decimals, err := r.ReadByte()
		if err != nil {
			return err
		}
		p := registry.Policy{Ticker: string(ticker), Kind: bridge.TokenKind(kind), Decimals: decimals}

		has, err := r.ReadByte()
		if err != nil {
			return err
		}
		if has == 1 {
			if p.DefaultPricePerGasUnit, err = readAmount(r); err != nil {
				return err
			}
		}
		if has, err = r.ReadByte(); err != nil {
			return err
		}
		if has == 1 {
			if p.MaxBridgedAmount, err = readAmount(r); err != nil {
				return err
			}
		}
		out[token] = p
		return nil
	})
	return out, err
}
