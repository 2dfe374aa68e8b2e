package secrets

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadMap reads an AES-256-GCM encrypted JSON object from path and
// decrypts it into the flat string->string secret map that
// payload.ReplaceSecrets substitutes into a workflow document's base
// fields. The file holds ciphertext produced by Cipher.Encrypt over a
// `{"KEY": "value", ...}` JSON document.
func LoadMap(path string, cipher *Cipher) (map[string]string, error) {
	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secret map %s: %w", path, err)
	}
	plaintext, err := cipher.Decrypt(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret map %s: %w", path, err)
	}
	var m map[string]string
	if err := json.Unmarshal(plaintext, &m); err != nil {
		return nil, fmt.Errorf("parse secret map %s: %w", path, err)
	}
	return m, nil
}
