package security

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestBootstrapPersistsAndReusesKey(t *testing.T) {
	dir := t.TempDir()

	first, err := Bootstrap(dir)
	if err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if len(first.key) != 32 {
		t.Fatalf("key length = %d, want 32", len(first.key))
	}

	second, err := Bootstrap(dir)
	if err != nil {
		t.Fatalf("Bootstrap() second call error = %v", err)
	}
	if !bytes.Equal(first.key, second.key) {
		t.Error("Bootstrap() should reuse the key persisted by the first call")
	}
}

func TestBootstrapRejectsWrongSizedKeyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, keyFileName)
	if err := os.WriteFile(path, []byte("too-short"), 0o600); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if _, err := Bootstrap(dir); err == nil {
		t.Error("Bootstrap() should reject a key file of the wrong size")
	}
}

func TestNewFromPassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{name: "valid password", password: "correct horse battery staple", wantErr: false},
		{name: "empty password", password: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewFromPassword(tt.password)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewFromPassword() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && c == nil {
				t.Error("NewFromPassword() returned nil without error")
			}
		})
	}
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	c, err := NewFromPassword("cloud-init-test-key")
	if err != nil {
		t.Fatalf("NewFromPassword() error = %v", err)
	}

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{name: "simple cloud-config", plaintext: []byte("#cloud-config\nhostname: web-1\n")},
		{name: "binary data", plaintext: []byte{0x00, 0x01, 0x02, 0xFF, 0xFE, 0xFD}},
		{name: "large data", plaintext: bytes.Repeat([]byte("user-data"), 1000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := c.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if bytes.Equal(ciphertext, tt.plaintext) {
				t.Error("ciphertext should not equal plaintext")
			}

			decrypted, err := c.Decrypt(ciphertext)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(decrypted, tt.plaintext) {
				t.Errorf("decrypted data does not match original.\nGot:  %v\nWant: %v", decrypted, tt.plaintext)
			}
		})
	}
}

func TestEncryptEmptyInputPassesThrough(t *testing.T) {
	c, _ := NewFromPassword("cloud-init-test-key")

	ciphertext, err := c.Encrypt(nil)
	if err != nil {
		t.Fatalf("Encrypt(nil) error = %v", err)
	}
	if ciphertext != nil {
		t.Errorf("Encrypt(nil) = %v, want nil", ciphertext)
	}

	plaintext, err := c.Decrypt(nil)
	if err != nil {
		t.Fatalf("Decrypt(nil) error = %v", err)
	}
	if plaintext != nil {
		t.Errorf("Decrypt(nil) = %v, want nil", plaintext)
	}
}

func TestDecryptErrors(t *testing.T) {
	c, _ := NewFromPassword("cloud-init-test-key")

	tests := []struct {
		name       string
		ciphertext []byte
		wantErr    bool
	}{
		{name: "too short", ciphertext: []byte{0x01, 0x02}, wantErr: true},
		{name: "corrupted", ciphertext: bytes.Repeat([]byte("x"), 100), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decrypt(tt.ciphertext)
			if (err != nil) != tt.wantErr {
				t.Errorf("Decrypt() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	c1, _ := NewFromPassword("key-one")
	c2, _ := NewFromPassword("key-two")

	ciphertext, err := c1.Encrypt([]byte("seed data"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if _, err := c2.Decrypt(ciphertext); err == nil {
		t.Error("Decrypt() should fail with the wrong key")
	}
}
