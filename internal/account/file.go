package account

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// KeyPair is an address and its hex-encoded private key as stored in an
// accounts file.
type KeyPair struct {
	Address       string `json:"address"`
	PrivateKeyHex string `json:"privateKey"`
}

const (
	accountsHeader = "Available Accounts"
	keysHeader     = "Private Keys"
	sectionRule    = "=================="
)

// ParseAccountsFile reads the two-section accounts layout: "(i) address" lines,
// a "Private Keys" separator line, then "(i) key" lines. Pairs are matched by
// position and returned in file order. Lines that do not start with "(" are
// ignored, so ganache's console dump parses as well.
func ParseAccountsFile(r io.Reader) ([]KeyPair, error) {
	var addresses, keys []string
	inKeys := false

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == keysHeader {
			inKeys = true
			continue
		}
		if !strings.HasPrefix(line, "(") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if inKeys {
			keys = append(keys, fields[1])
		} else {
			addresses = append(addresses, fields[1])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read accounts: %w", err)
	}
	if !inKeys {
		return nil, fmt.Errorf("accounts file has no %q section", keysHeader)
	}
	if len(addresses) != len(keys) {
		return nil, fmt.Errorf("accounts file lists %d addresses but %d keys", len(addresses), len(keys))
	}

	pairs := make([]KeyPair, len(addresses))
	for i := range addresses {
		pairs[i] = KeyPair{Address: addresses[i], PrivateKeyHex: keys[i]}
	}
	return pairs, nil
}

// LoadAccountsFile parses the accounts file at path.
func LoadAccountsFile(path string) ([]KeyPair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseAccountsFile(f)
}

// WriteAccountsFile writes pairs in the layout ParseAccountsFile reads.
func WriteAccountsFile(w io.Writer, pairs []KeyPair) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s\n%s\n", accountsHeader, sectionRule)
	for i, p := range pairs {
		fmt.Fprintf(bw, "(%d) %s\n", i, p.Address)
	}
	fmt.Fprintf(bw, "\n%s\n%s\n", keysHeader, sectionRule)
	for i, p := range pairs {
		fmt.Fprintf(bw, "(%d) %s\n", i, p.PrivateKeyHex)
	}
	return bw.Flush()
}
