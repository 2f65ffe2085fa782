package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
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
	SubTypeWallet AccountSubType = iota
	SubTypeTrove

	// System sub-types
	SubTypePoolDeposits
	SubTypePoolCollateral
	SubTypePoolRewards
	SubTypeDebtBurned

	// External sub-types
	SubTypeExternalLiquidations
	SubTypeExternalIssuance
)

var subTypeNames = map[AccountSubType]string{
	SubTypeWallet:               "wallet",
	SubTypeTrove:                "trove",
	SubTypePoolDeposits:         "pool_deposits",
	SubTypePoolCollateral:       "pool_collateral",
	SubTypePoolRewards:          "pool_rewards",
	SubTypeDebtBurned:           "debt_burned",
	SubTypeExternalLiquidations: "liquidations",
	SubTypeExternalIssuance:     "community_issuance",
}

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

const (
	AssetXBRL AssetID = 1 // stablecoin deposited into the pool
	AssetETH  AssetID = 2 // liquidated collateral
	AssetSTBL AssetID = 3 // issuance reward token
)

var (
	assetToID = map[string]AssetID{
		"XBRL": AssetXBRL,
		"ETH":  AssetETH,
		"STBL": AssetSTBL,
	}
	idToAsset = map[AssetID]string{
		AssetXBRL: "XBRL",
		AssetETH:  "ETH",
		AssetSTBL: "STBL",
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
	EntityID [16]byte // depositor UUID for user accounts, zero otherwise
	SubType  AccountSubType
	AssetID  AssetID
}

func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

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

// Pool custody accounts.
var (
	PoolDepositsAccount   = NewSystemAccountKey(SubTypePoolDeposits, AssetXBRL)
	PoolCollateralAccount = NewSystemAccountKey(SubTypePoolCollateral, AssetETH)
	PoolRewardsAccount    = NewSystemAccountKey(SubTypePoolRewards, AssetSTBL)
	DebtBurnedAccount     = NewSystemAccountKey(SubTypeDebtBurned, AssetXBRL)
	LiquidationsAccount   = NewExternalAccountKey(SubTypeExternalLiquidations, AssetETH)
	IssuanceAccount       = NewExternalAccountKey(SubTypeExternalIssuance, AssetSTBL)
)

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	if name, ok := subTypeNames[k.SubType]; ok {
		return name
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	var key AccountKey
	var subName, assetName string

	switch {
	case len(parts) == 4 && parts[0] == "user":
		uid, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		key.Scope = AccountScopeUser
		key.EntityID = uid
		subName, assetName = parts[2], parts[3]
	case len(parts) == 3 && parts[0] == "system":
		key.Scope = AccountScopeSystem
		subName, assetName = parts[1], parts[2]
	case len(parts) == 3 && parts[0] == "external":
		key.Scope = AccountScopeExternal
		subName, assetName = parts[1], parts[2]
	default:
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}

	assetID, ok := GetAssetID(assetName)
	if !ok {
		return AccountKey{}, fmt.Errorf("account path %q: unknown asset %q", path, assetName)
	}
	key.AssetID = assetID

	found := false
	for st, name := range subTypeNames {
		if name == subName {
			key.SubType = st
			found = true
			break
		}
	}
	if !found {
		return AccountKey{}, fmt.Errorf("account path %q: unknown sub-type %q", path, subName)
	}

	if key.AccountPath() != path {
		return AccountKey{}, fmt.Errorf("account path %q is not canonical", path)
	}
	return key, nil
}
