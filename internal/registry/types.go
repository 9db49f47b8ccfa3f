package registry

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Fees, in tokens, the contract charges for each operation.
const (
	FeeAddDeveloper  = 3000
	FeeCreateGroup   = 2000
	FeeCreateProject = 2000
	FeeAddLibrary    = 1000
)

// KnownLevels lists the reliability levels the contract is known to report,
// lowest first. The set is owned by the contract; it only orders output.
var KnownLevels = []string{"Very Low", "Low", "Medium", "High", "Very High"}

// Developer is a registered developer's public record.
type Developer struct {
	Address      common.Address `json:"address"`
	Email        string         `json:"email"`
	Reliability  *big.Int       `json:"reliability"`
	RegisteredAt time.Time      `json:"registeredAt"`
}

// LibraryInfo is the immutable ledger record of one library version.
type LibraryInfo struct {
	CID          string   `json:"cid"`
	Version      string   `json:"version"`
	Project      string   `json:"project"`
	Dependencies []string `json:"dependencies"`
}

// LibraryReport is the reliability snapshot the contract emits for a version.
type LibraryReport struct {
	CID         string   `json:"cid"`
	Project     string   `json:"project"`
	Version     string   `json:"version"`
	Reliability *big.Int `json:"reliability"`
	Level       string   `json:"level"`
}
