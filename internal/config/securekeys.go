package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/knxcore/internal/knx/address"
)

// secureKeyLength is the AES-128 key size Data Secure uses.
const secureKeyLength = 16

// secureKeyTable is the on-disk shape of a Data Secure key table file:
// hex-encoded 16-byte keys indexed by group or individual address literal
// ("1/2/3", "1.1.5"). The file is expected to already hold decrypted key
// material — knxcore never parses a .knxkeys keyring itself.
type secureKeyTable struct {
	GroupKeys      map[string]string `yaml:"group_keys"`
	IndividualKeys map[string]string `yaml:"individual_keys"`
}

// LoadSecureKeys reads and parses a Data Secure key table file, returning
// the group and individual keys indexed by their raw 16-bit address.
func LoadSecureKeys(path string) (groupKeys, individualKeys map[uint16][]byte, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading key table file: %w", err)
	}

	var table secureKeyTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, nil, fmt.Errorf("parsing key table file: %w", err)
	}

	groupKeys = make(map[uint16][]byte, len(table.GroupKeys))
	for literal, hexKey := range table.GroupKeys {
		ga, err := address.ParseGroup(literal)
		if err != nil {
			return nil, nil, fmt.Errorf("key table group address %q: %w", literal, err)
		}
		key, err := decodeSecureKey(hexKey)
		if err != nil {
			return nil, nil, fmt.Errorf("key table group address %q: %w", literal, err)
		}
		groupKeys[ga.Raw()] = key
	}

	individualKeys = make(map[uint16][]byte, len(table.IndividualKeys))
	for literal, hexKey := range table.IndividualKeys {
		ia, err := address.ParseIndividual(literal)
		if err != nil {
			return nil, nil, fmt.Errorf("key table individual address %q: %w", literal, err)
		}
		key, err := decodeSecureKey(hexKey)
		if err != nil {
			return nil, nil, fmt.Errorf("key table individual address %q: %w", literal, err)
		}
		individualKeys[ia.Raw()] = key
	}

	return groupKeys, individualKeys, nil
}

func decodeSecureKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding hex key: %w", err)
	}
	if len(key) != secureKeyLength {
		return nil, fmt.Errorf("key length %d, want %d", len(key), secureKeyLength)
	}
	return key, nil
}
