package db

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"

	"github.com/fedbridge/fedbridge/node/pkg/bridge"
)

// CoordinatorDB persists relayer actions, their signer sets and the staking
// table. Action payloads are opaque here; the coordinator owns their format.
type CoordinatorDB interface {
	StoreAction(id uint64, data []byte) error
	DeleteAction(id uint64) error
	LoadActions() (map[uint64][]byte, error)
	StoreActionSigners(id uint64, signers []bridge.Address) error
	LoadActionSigners() (map[uint64][]bridge.Address, error)
	StoreStake(addr bridge.Address, amount *uint256.Int) error
	LoadStakes() (map[bridge.Address]*uint256.Int, error)
	StoreExecutedAction(id uint64, dedupKey []byte) error
	LoadExecutedActions() (map[uint64][]byte, error)
}

type MockCoordinatorDB struct{}

func (MockCoordinatorDB) StoreAction(uint64, []byte) error            { return nil }
func (MockCoordinatorDB) DeleteAction(uint64) error                   { return nil }
func (MockCoordinatorDB) LoadActions() (map[uint64][]byte, error)     { return nil, nil }
func (MockCoordinatorDB) StoreActionSigners(uint64, []bridge.Address) error {
	return nil
}
func (MockCoordinatorDB) LoadActionSigners() (map[uint64][]bridge.Address, error) {
	return nil, nil
}
func (MockCoordinatorDB) StoreStake(bridge.Address, *uint256.Int) error { return nil }
func (MockCoordinatorDB) LoadStakes() (map[bridge.Address]*uint256.Int, error) {
	return nil, nil
}
func (MockCoordinatorDB) StoreExecutedAction(uint64, []byte) error { return nil }
func (MockCoordinatorDB) LoadExecutedActions() (map[uint64][]byte, error) {
	return nil, nil
}

func actionKey(id uint64) []byte {
	return []byte(fmt.Sprintf("action_data/%020d", id))
}

func actionSignersKey(id uint64) []byte {
	return []byte(fmt.Sprintf("actionSigners/%020d", id))
}

func (d *Database) StoreAction(id uint64, data []byte) error {
	return d.put("action_data", actionKey(id), data)
}

func (d *Database) DeleteAction(id uint64) error {
	if err := d.delete(actionKey(id)); err != nil {
		return err
	}
	return d.delete(actionSignersKey(id))
}

func (d *Database) LoadActions() (map[uint64][]byte, error) {
	out := make(map[uint64][]byte)
	err := d.scanPrefix([]byte("action_data/"), func(key, value []byte) error {
		id, err := strconv.ParseUint(strings.TrimPrefix(string(key), "action_data/"), 10, 64)
		if err != nil {
			return fmt.Errorf("malformed action key %q: %w", string(key), err)
		}
		out[id] = value
		return nil
	})
	return out, err
}

func (d *Database) StoreActionSigners(id uint64, signers []bridge.Address) error {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(signers)))
	for _, s := range signers {
		buf.Write(s[:])
	}
	return d.put("actionSigners", actionSignersKey(id), buf.Bytes())
}

func (d *Database) LoadActionSigners() (map[uint64][]bridge.Address, error) {
	out := make(map[uint64][]bridge.Address)
	err := d.scanPrefix([]byte("actionSigners/"), func(key, value []byte) error {
		id, err := strconv.ParseUint(strings.TrimPrefix(string(key), "actionSigners/"), 10, 64)
		if err != nil {
			return fmt.Errorf("malformed signer key %q: %w", string(key), err)
		}
		r := bytes.NewReader(value)
		var count uint32
		if err := binary.Read(r, binary.BigEndian, &count); err != nil {
			return err
		}
		signers := make([]bridge.Address, count)
		for i := range signers {
			if _, err := r.Read(signers[i][:]); err != nil {
				return err
			}
		}
		out[id] = signers
		return nil
	})
	return out, err
}

func executedActionKey(id uint64) []byte {
	return []byte(fmt.Sprintf("executedAction/%020d", id))
}

// StoreExecutedAction marks an action id as spent so it survives a restart
// and can never be proposed again. The content hash is kept as the value so
// duplicate proposals of the same content stay rejected too.
func (d *Database) StoreExecutedAction(id uint64, dedupKey []byte) error {
	return d.put("executedAction", executedActionKey(id), dedupKey)
}

func (d *Database) LoadExecutedActions() (map[uint64][]byte, error) {
	out := make(map[uint64][]byte)
	err := d.scanPrefix([]byte("executedAction/"), func(key, value []byte) error {
		id, err := strconv.ParseUint(strings.TrimPrefix(string(key), "executedAction/"), 10, 64)
		if err != nil {
			return fmt.Errorf("malformed executed action key %q: %w", string(key), err)
		}
		out[id] = value
		return nil
	})
	return out, err
}

func (d *Database) StoreStake(addr bridge.Address, amount *uint256.Int) error {
	key := []byte("amountStaked/" + addr.String())
	if amount.IsZero() {
		return d.delete(key)
	}
	b := amount.Bytes32()
	return d.put("amountStaked", key, b[:])
}

func (d *Database) LoadStakes() (map[bridge.Address]*uint256.Int, error) {
	out := make(map[bridge.Address]*uint256.Int)
	err := d.scanPrefix([]byte("amountStaked/"), func(key, value []byte) error {
		addr, err := bridge.StringToAddress(strings.TrimPrefix(string(key), "amountStaked/"))
		if err != nil {
			return fmt.Errorf("malformed stake key %q: %w", string(key), err)
		}
		out[addr] = new(uint256.Int).SetBytes(value)
		return nil
	})
	return out, err
}
