package db

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"github.com/fedbridge/fedbridge/node/pkg/bridge"
)

// WrapperDB persists the chain-specific to universal token mapping. The key
// prefix is read cross-component and must stay stable.
type WrapperDB interface {
	StoreChainSpecificToUniversalMapping(chainSpecific, universal bridge.TokenID) error
	DeleteChainSpecificToUniversalMapping(chainSpecific bridge.TokenID) error
	LoadChainSpecificToUniversalMappings() (map[bridge.TokenID]bridge.TokenID, error)
	StoreTokenLiquidity(chainSpecific bridge.TokenID, amount *uint256.Int) error
	LoadTokenLiquidity() (map[bridge.TokenID]*uint256.Int, error)
	StoreWrappedTokenMeta(token bridge.TokenID, decimals uint8, whitelisted bool) error
	LoadWrappedTokenMeta() (map[bridge.TokenID]WrappedTokenMeta, error)
}

// WrappedTokenMeta is the per-token wrapper configuration. Universal tokens
// are stored with Whitelisted always true.
type WrappedTokenMeta struct {
	Decimals    uint8
	Whitelisted bool
}

type MockWrapperDB struct{}

func (MockWrapperDB) StoreChainSpecificToUniversalMapping(_, _ bridge.TokenID) error { return nil }
func (MockWrapperDB) DeleteChainSpecificToUniversalMapping(bridge.TokenID) error     { return nil }
func (MockWrapperDB) LoadChainSpecificToUniversalMappings() (map[bridge.TokenID]bridge.TokenID, error) {
	return nil, nil
}
func (MockWrapperDB) StoreTokenLiquidity(bridge.TokenID, *uint256.Int) error { return nil }
func (MockWrapperDB) LoadTokenLiquidity() (map[bridge.TokenID]*uint256.Int, error) {
	return nil, nil
}
func (MockWrapperDB) StoreWrappedTokenMeta(bridge.TokenID, uint8, bool) error { return nil }
func (MockWrapperDB) LoadWrappedTokenMeta() (map[bridge.TokenID]WrappedTokenMeta, error) {
	return nil, nil
}

func (d *Database) StoreChainSpecificToUniversalMapping(chainSpecific, universal bridge.TokenID) error {
	key := []byte("chainSpecificToUniversalMapping/" + string(chainSpecific))
	return d.put("chainSpecificToUniversalMapping", key, []byte(universal))
}

func (d *Database) DeleteChainSpecificToUniversalMapping(chainSpecific bridge.TokenID) error {
	return d.delete([]byte("chainSpecificToUniversalMapping/" + string(chainSpecific)))
}

func (d *Database) LoadChainSpecificToUniversalMappings() (map[bridge.TokenID]bridge.TokenID, error) {
	out := make(map[bridge.TokenID]bridge.TokenID)
	err := d.scanPrefix([]byte("chainSpecificToUniversalMapping/"), func(key, value []byte) error {
		c := strings.TrimPrefix(string(key), "chainSpecificToUniversalMapping/")
		out[bridge.TokenID(c)] = bridge.TokenID(value)
		return nil
	})
	return out, err
}

func (d *Database) StoreTokenLiquidity(chainSpecific bridge.TokenID, amount *uint256.Int) error {
	b := amount.Bytes32()
	return d.put("tokenLiquidity", []byte("tokenLiquidity/"+string(chainSpecific)), b[:])
}

func (d *Database) LoadTokenLiquidity() (map[bridge.TokenID]*uint256.Int, error) {
	out := make(map[bridge.TokenID]*uint256.Int)
	err := d.scanPrefix([]byte("tokenLiquidity/"), func(key, value []byte) error {
		c := strings.TrimPrefix(string(key), "tokenLiquidity/")
		out[bridge.TokenID(c)] = new(uint256.Int).SetBytes(value)
		return nil
	})
	return out, err
}

func (d *Database) StoreWrappedTokenMeta(token bridge.TokenID, decimals uint8, whitelisted bool) error {
	flag := byte(0)
	if whitelisted {
		flag = 1
	}
	return d.put("wrappedTokenMeta", []byte("wrappedTokenMeta/"+string(token)), []byte{decimals, flag})
}

func (d *Database) LoadWrappedTokenMeta() (map[bridge.TokenID]WrappedTokenMeta, error) {
	out := make(map[bridge.TokenID]WrappedTokenMeta)
	err := d.scanPrefix([]byte("wrappedTokenMeta/"), func(key, value []byte) error {
		if len(value) != 2 {
			return fmt.Errorf("malformed wrapped token meta %q", string(key))
		}
		token := bridge.TokenID(strings.TrimPrefix(string(key), "wrappedTokenMeta/"))
		out[token] = WrappedTokenMeta{Decimals: value[0], Whitelisted: value[1] == 1}
		return nil
	})
	return out, err
}

