package encryption

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testKey() []byte {
	return bytes.Repeat([]byte{7}, KeySize)
}

func TestRoundTrip(t *testing.T) {
	g, err := New(testKey())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, plaintext := range [][]byte{nil, []byte("x"), bytes.Repeat([]byte("task"), 1000)} {
		blob, err := g.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		got, err := g.Decrypt(blob)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("round trip of %d bytes mismatched", len(plaintext))
		}
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	g, _ := New(testKey())
	a, _ := g.Encrypt([]byte("same"))
	b, _ := g.Encrypt([]byte("same"))
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same plaintext are identical")
	}
}

func TestDecryptFailures(t *testing.T) {
	g, _ := New(testKey())
	blob, _ := g.Encrypt([]byte("payload"))

	tampered := append([]byte{}, blob...)
	tampered[len(tampered)-1] ^= 1

	other, _ := New(bytes.Repeat([]byte{9}, KeySize))

	tests := []struct {
		name string
		gw   *AEAD
		blob []byte
	}{
		{"truncated", g, blob[:10]},
		{"empty", g, nil},
		{"tampered", g, tampered},
		{"wrong key", other, blob},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.gw.Decrypt(tt.blob); !errors.Is(err, ErrDecrypt) {
				t.Errorf("Decrypt = %v, want ErrDecrypt", err)
			}
		})
	}
}

func TestNewRejectsBadKey(t *testing.T) {
	if _, err := New([]byte("short")); !errors.Is(err, ErrKeySize) {
		t.Errorf("New(short) = %v, want ErrKeySize", err)
	}
}

func TestFromPassphrase(t *testing.T) {
	salt := []byte("0123456789abcdef")
	a, err := FromPassphrase("hunter2", salt)
	if err != nil {
		t.Fatalf("FromPassphrase: %v", err)
	}
	b, _ := FromPassphrase("hunter2", salt)
	c, _ := FromPassphrase("hunter3", salt)

	blob, _ := a.Encrypt([]byte("secret"))
	if _, err := b.Decrypt(blob); err != nil {
		t.Errorf("same passphrase and salt could not decrypt: %v", err)
	}
	if _, err := c.Decrypt(blob); !errors.Is(err, ErrDecrypt) {
		t.Errorf("different passphrase decrypted: %v", err)
	}

	if _, err := FromPassphrase("", salt); err == nil {
		t.Error("empty passphrase accepted")
	}
	if _, err := FromPassphrase("x", []byte("salt")); err == nil {
		t.Error("short salt accepted")
	}
}

func TestKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "store.key")

	key, err := LoadOrGenerateKeyFile(path)
	if err != nil {
		t.Fatalf("LoadOrGenerateKeyFile: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("key file not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("key file mode = %o, want 600", perm)
	}

	again, err := LoadOrGenerateKeyFile(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !bytes.Equal(key, again) {
		t.Error("reloaded key differs")
	}

	if _, err := GenerateKeyFile(path); err == nil {
		t.Error("GenerateKeyFile overwrote an existing key")
	}
}

func TestLoadKeyFileErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"not hex", "zz", "not hex"},
		{"wrong size", "abcd", "bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_"))
			os.WriteFile(path, []byte(tt.content), 0600)
			_, err := LoadKeyFile(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("LoadKeyFile = %v, want error containing %q", err, tt.want)
			}
		})
	}

	if _, err := LoadKeyFile(filepath.Join(dir, "missing")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file = %v, want ErrNotExist", err)
	}
}
