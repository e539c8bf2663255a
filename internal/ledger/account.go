package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCash AccountSubType = iota
	SubTypeStake

	// System sub-types
	SubTypeSystemProfitPool // fees in, dividends out
	SubTypeSystemMarginBank // margin seized by liquidations
	SubTypeSystemPnLPool    // counterparty of realized trader PnL

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
	SubTypeExternalCustody // stake token custody
)

// AssetID identifies what a balance is denominated in
type AssetID uint16

const (
	AssetSettlement AssetID = 1
	AssetStake      AssetID = 2
)

var (
	assetToID = map[string]AssetID{
		"SETTLEMENT": AssetSettlement,
		"STAKE":      AssetStake,
	}
	idToAsset = map[AssetID]string{
		AssetSettlement: "SETTLEMENT",
		AssetStake:      "STAKE",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID common.Address // trader address; zero for system and external accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// CashKey is the settlement balance of a trader.
func CashKey(addr common.Address) AccountKey {
	return AccountKey{Scope: AccountScopeUser, EntityID: addr, SubType: SubTypeCash, AssetID: AssetSettlement}
}

// StakeKey is the staked token balance of a trader.
func StakeKey(addr common.Address) AccountKey {
	return AccountKey{Scope: AccountScopeUser, EntityID: addr, SubType: SubTypeStake, AssetID: AssetStake}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		AssetID: assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

var (
	ProfitPoolKey = NewSystemAccountKey(SubTypeSystemProfitPool, AssetSettlement)
	MarginBankKey = NewSystemAccountKey(SubTypeSystemMarginBank, AssetSettlement)
	PnLPoolKey    = NewSystemAccountKey(SubTypeSystemPnLPool, AssetSettlement)
	DepositsKey   = NewExternalAccountKey(SubTypeExternalDeposits, AssetSettlement)
	WithdrawKey   = NewExternalAccountKey(SubTypeExternalWithdrawals, AssetSettlement)
	CustodyKey    = NewExternalAccountKey(SubTypeExternalCustody, AssetStake)
)

// IsUserCash reports whether the key is a trader's settlement balance.
func (k AccountKey) IsUserCash() bool {
	return k.Scope == AccountScopeUser && k.SubType == SubTypeCash
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", strings.ToLower(k.EntityID.Hex()), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	var key AccountKey
	var sub, asset string

	switch {
	case len(parts) == 4 && parts[0] == "user":
		if !common.IsHexAddress(parts[1]) {
			return key, fmt.Errorf("invalid address in account path %q", path)
		}
		key.Scope = AccountScopeUser
		key.EntityID = common.HexToAddress(parts[1])
		sub, asset = parts[2], parts[3]
	case len(parts) == 3 && parts[0] == "system":
		key.Scope = AccountScopeSystem
		sub, asset = parts[1], parts[2]
	case len(parts) == 3 && parts[0] == "external":
		key.Scope = AccountScopeExternal
		sub, asset = parts[1], parts[2]
	default:
		return key, fmt.Errorf("malformed account path %q", path)
	}

	st, ok := subTypeByName[sub]
	if !ok {
		return key, fmt.Errorf("unknown sub-type %q in account path %q", sub, path)
	}
	id, ok := GetAssetID(asset)
	if !ok {
		return key, fmt.Errorf("unknown asset %q in account path %q", asset, path)
	}
	key.SubType = st
	key.AssetID = id
	return key, nil
}

var subTypeByName = map[string]AccountSubType{
	"cash":        SubTypeCash,
	"stake":       SubTypeStake,
	"profit_pool": SubTypeSystemProfitPool,
	"margin_bank": SubTypeSystemMarginBank,
	"pnl_pool":    SubTypeSystemPnLPool,
	"deposits":    SubTypeExternalDeposits,
	"withdrawals": SubTypeExternalWithdrawals,
	"custody":     SubTypeExternalCustody,
}

func (k AccountKey) subTypeName() string {
	for name, st := range subTypeByName {
		if st == k.SubType {
			return name
		}
	}
	return "unknown"
}
