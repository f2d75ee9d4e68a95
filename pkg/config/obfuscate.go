package config

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Obfuscated values keep casual readers of the configuration file from
// learning secrets at a glance. The key is stored next to the ciphertext,
// so this is not encryption.
const (
	obfuscatedPrefix = "obfuscated:"
	obfuscationKey   = 16
	secretKeyName    = "password"
)

// IsObfuscated reports whether s was produced by Obfuscate.
func IsObfuscated(s string) bool {
	return strings.HasPrefix(s, obfuscatedPrefix)
}

// Obfuscate encodes s so it is not readable as plain text. Empty and already
// obfuscated values are returned unchanged.
func Obfuscate(s string) (string, error) {
	if s == "" || IsObfuscated(s) {
		return s, nil
	}

	key := make([]byte, obfuscationKey)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	out := append(key, nonce...)
	out = gcm.Seal(out, nonce, []byte(s), nil)

	return obfuscatedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Deobfuscate reverses Obfuscate. Plain values are returned unchanged.
func Deobfuscate(s string) (string, error) {
	if !IsObfuscated(s) {
		return s, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, obfuscatedPrefix))
	if err != nil {
		return "", fmt.Errorf("decoding obfuscated value: %w", err)
	}

	if len(raw) < obfuscationKey {
		return "", errors.New("obfuscated value too short")
	}

	gcm, err := newGCM(raw[:obfuscationKey])
	if err != nil {
		return "", err
	}

	rest := raw[obfuscationKey:]
	if len(rest) < gcm.NonceSize() {
		return "", errors.New("obfuscated value too short")
	}

	plain, err := gcm.Open(nil, rest[:gcm.NonceSize()], rest[gcm.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("opening obfuscated value: %w", err)
	}

	return string(plain), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}

	return gcm, nil
}

// ObfuscateFile rewrites every non-empty "password" value in the YAML file
// at path and returns how many values were changed. The file is left
// untouched when nothing needs obfuscation.
func ObfuscateFile(path string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("reading config file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading config file: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return 0, fmt.Errorf("parsing config file: %w", err)
	}

	changed, err := obfuscateNode(&root)
	if err != nil {
		return 0, err
	}

	if changed == 0 {
		return 0, nil
	}

	var buf bytes.Buffer

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)

	if err := enc.Encode(&root); err != nil {
		return 0, fmt.Errorf("encoding config file: %w", err)
	}

	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("encoding config file: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), info.Mode().Perm()); err != nil {
		return 0, fmt.Errorf("writing config file: %w", err)
	}

	return changed, nil
}

func obfuscateNode(n *yaml.Node) (int, error) {
	changed := 0

	if n.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, value := n.Content[i], n.Content[i+1]
			if key.Value != secretKeyName || value.Kind != yaml.ScalarNode {
				continue
			}

			if value.Value == "" || IsObfuscated(value.Value) {
				continue
			}

			obfuscated, err := Obfuscate(value.Value)
			if err != nil {
				return changed, err
			}

			value.Value = obfuscated
			value.Tag = "!!str"
			value.Style = yaml.DoubleQuotedStyle
			changed++
		}
	}

	for _, child := range n.Content {
		c, err := obfuscateNode(child)
		changed += c

		if err != nil {
			return changed, err
		}
	}

	return changed, nil
}
