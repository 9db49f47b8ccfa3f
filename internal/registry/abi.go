package registry

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

var (
	//go:embed abi/SoftwareSupplyChain.json
	registryABIJSON []byte

	//go:embed abi/SupplyChainToken.json
	tokenABIJSON []byte
)

// RegistryABI returns the bundled SoftwareSupplyChain ABI.
func RegistryABI() abi.ABI {
	return mustParse(registryABIJSON)
}

// TokenABI returns the bundled SupplyChainToken ABI.
func TokenABI() abi.ABI {
	return mustParse(tokenABIJSON)
}

// LoadABI reads an ABI JSON file, as emitted by solc or Truffle.
func LoadABI(path string) (abi.ABI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, err
	}
	parsed, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return parsed, nil
}

func mustParse(data []byte) abi.ABI {
	parsed, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		panic(fmt.Sprintf("registry: bundled ABI is invalid: %v", err))
	}
	return parsed
}
