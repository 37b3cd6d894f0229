package models

import "fmt"

// AssetClass partitions symbols by market type; it drives provider routing,
// freshness SLAs, and calendar arithmetic.
type AssetClass string

const (
	AssetStock  AssetClass = "stock"
	AssetETF    AssetClass = "etf"
	AssetCrypto AssetClass = "crypto"
)

var AllAssetClasses = []AssetClass{AssetStock, AssetETF, AssetCrypto}

// ParseAssetClass validates an asset-class string.
func ParseAssetClass(s string) (AssetClass, error) {
	switch AssetClass(s) {
	case AssetStock, AssetETF, AssetCrypto:
		return AssetClass(s), nil
	}
	return "", fmt.Errorf("unknown asset class %q", s)
}

func (a AssetClass) Valid() bool {
	switch a {
	case AssetStock, AssetETF, AssetCrypto:
		return true
	}
	return false
}

// Equity reports whether the class trades on an exchange calendar.
func (a AssetClass) Equity() bool {
	return a == AssetStock || a == AssetETF
}

func (a AssetClass) String() string { return string(a) }
