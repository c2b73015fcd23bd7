package config

import (
	"os"
	"path/filepath"
	"testing"
)

const testKeyTableYAML = `
group_keys:
  "1/2/3": "30313233343536373839616263646566"
individual_keys:
  "1.1.5": "66656463626130393837363534333231"
`

func writeTestKeyTable(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.yaml")
	if err := os.WriteFile(path, []byte(testKeyTableYAML), 0600); err != nil {
		t.Fatalf("writing test key table: %v", err)
	}
	return path
}

func TestLoadSecureKeys(t *testing.T) {
	path := writeTestKeyTable(t)

	groupKeys, individualKeys, err := LoadSecureKeys(path)
	if err != nil {
		t.Fatalf("LoadSecureKeys: %v", err)
	}
	if len(groupKeys) != 1 || len(individualKeys) != 1 {
		t.Fatalf("got %d group keys, %d individual keys, want 1 each", len(groupKeys), len(individualKeys))
	}
	// "1/2/3" under StyleLong (5/3/8 bits): 1<<11 | 2<<8 | 3 == 0x0A03.
	if _, ok := groupKeys[0x0A03]; !ok {
		t.Errorf("group key not indexed under expected raw address, got %v", groupKeys)
	}
	// "1.1.5": 1<<12 | 1<<8 | 5 == 0x1105.
	if _, ok := individualKeys[0x1105]; !ok {
		t.Errorf("individual key not indexed under expected raw address, got %v", individualKeys)
	}
}

func TestLoadSecureKeysRejectsBadHexLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	if err := os.WriteFile(path, []byte("group_keys:\n  \"1/2/3\": \"abcd\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadSecureKeys(path); err == nil {
		t.Fatal("expected error for undersized key")
	}
}

func TestLoadSecureKeysRejectsBadAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	if err := os.WriteFile(path, []byte("group_keys:\n  \"not-an-address\": \"30313233343536373839616263646566\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadSecureKeys(path); err == nil {
		t.Fatal("expected error for invalid group address literal")
	}
}
