package account

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseAccountsFile(t *testing.T) {
	input := `Available Accounts
==================
(0) 0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1 (100 ETH)
(1) 0xFFcf8FDEE72ac11b5c542428B35EEF5769C409f0 (100 ETH)

Private Keys
==================
(0) 0x4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d
(1) 0x6cbed15c793ce57650b9877cf6fa156fbef513c4e6134f022a85b1ffdd59b2a1
`
	pairs, err := ParseAccountsFile(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseAccountsFile() error = %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("len(pairs) = %d, want 2", len(pairs))
	}
	want := []KeyPair{
		{Address: testAddresses[0], PrivateKeyHex: "0x" + testKeys[0]},
		{Address: testAddresses[1], PrivateKeyHex: "0x" + testKeys[1]},
	}
	for i := range want {
		if pairs[i] != want[i] {
			t.Errorf("pairs[%d] = %+v, want %+v", i, pairs[i], want[i])
		}
	}
}

func TestParseAccountsFileErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"no key section", "(0) 0xabc\n"},
		{"count mismatch", "(0) 0xabc\n(1) 0xdef\nPrivate Keys\n(0) 0x01\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseAccountsFile(strings.NewReader(tt.input)); err == nil {
				t.Error("ParseAccountsFile() expected error")
			}
		})
	}
}

func TestWriteAccountsFileIsParseable(t *testing.T) {
	pairs := []KeyPair{
		{Address: testAddresses[0], PrivateKeyHex: testKeys[0]},
		{Address: testAddresses[1], PrivateKeyHex: testKeys[1]},
		{Address: testAddresses[2], PrivateKeyHex: testKeys[2]},
	}

	var buf bytes.Buffer
	if err := WriteAccountsFile(&buf, pairs); err != nil {
		t.Fatalf("WriteAccountsFile() error = %v", err)
	}
	if !strings.HasPrefix(buf.String(), "Available Accounts\n") {
		t.Errorf("output should start with the accounts header, got %q", buf.String()[:20])
	}

	got, err := ParseAccountsFile(&buf)
	if err != nil {
		t.Fatalf("ParseAccountsFile() error = %v", err)
	}
	if len(got) != len(pairs) {
		t.Fatalf("len = %d, want %d", len(got), len(pairs))
	}
	for i := range pairs {
		if got[i] != pairs[i] {
			t.Errorf("pair %d = %+v, want %+v", i, got[i], pairs[i])
		}
	}
}
