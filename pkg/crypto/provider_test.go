package crypto

import (
	"bytes"
	"testing"
)

func testKey() []byte {
	p := NewAEADProvider()
	return p.DeriveKey([]byte("test-secret"))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	p := NewAEADProvider()
	key := testKey()

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{name: "empty", plaintext: []byte{}},
		{name: "short", plaintext: []byte("hello")},
		{name: "json", plaintext: []byte(`[{"id":"n1","type":"http.request"}]`)},
		{name: "binary", plaintext: bytes.Repeat([]byte{0x00, 0xff}, 512)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := p.Encrypt(key, tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}

			got, err := p.Decrypt(key, blob)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(got, tt.plaintext) {
				t.Errorf("round trip mismatch: got %q, want %q", got, tt.plaintext)
			}
		})
	}
}

func TestEncryptProducesFreshNonce(t *testing.T) {
	p := NewAEADProvider()
	key := testKey()

	a, err := p.Encrypt(key, []byte("same plaintext"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	b, err := p.Encrypt(key, []byte("same plaintext"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same plaintext produced identical blobs")
	}
}

func TestDecryptRejectsTamperedBlob(t *testing.T) {
	p := NewAEADProvider()
	key := testKey()

	blob, err := p.Encrypt(key, []byte("sensitive node list"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	// Flip a single bit in every byte position in turn.
	for i := range blob {
		tampered := make([]byte, len(blob))
		copy(tampered, blob)
		tampered[i] ^= 0x01

		if _, err := p.Decrypt(key, tampered); err == nil {
			t.Fatalf("Decrypt() accepted blob with bit flipped at offset %d", i)
		}
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	p := NewAEADProvider()

	blob, err := p.Encrypt(testKey(), []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	other := p.DeriveKey([]byte("another-secret"))
	if _, err := p.Decrypt(other, blob); err == nil {
		t.Error("Decrypt() succeeded with the wrong key")
	}
}

func TestDecryptRejectsShortBlob(t *testing.T) {
	p := NewAEADProvider()
	if _, err := p.Decrypt(testKey(), []byte{0x01, 0x02}); err != ErrCiphertextTooShort {
		t.Errorf("Decrypt() error = %v, want ErrCiphertextTooShort", err)
	}
}

func TestSignVerify(t *testing.T) {
	p := NewAEADProvider()
	key := []byte("signing-key")
	data := []byte("hash||ciphertext")

	sig := p.Sign(key, data)
	if !p.Verify(key, data, sig) {
		t.Error("Verify() rejected a valid signature")
	}

	if p.Verify(key, []byte("different data"), sig) {
		t.Error("Verify() accepted a signature over different data")
	}
	if p.Verify([]byte("different key"), data, sig) {
		t.Error("Verify() accepted a signature under a different key")
	}

	tampered := make([]byte, len(sig))
	copy(tampered, sig)
	tampered[0] ^= 0x80
	if p.Verify(key, data, tampered) {
		t.Error("Verify() accepted a tampered signature")
	}
}

func TestDeriveKeyIsStable(t *testing.T) {
	p := NewAEADProvider()

	a := p.DeriveKey([]byte("secret"))
	b := p.DeriveKey([]byte("secret"))
	if !bytes.Equal(a, b) {
		t.Error("DeriveKey() is not deterministic for the same secret")
	}
	if len(a) != 32 {
		t.Errorf("DeriveKey() length = %d, want 32", len(a))
	}

	c := p.DeriveKey([]byte("other"))
	if bytes.Equal(a, c) {
		t.Error("DeriveKey() produced the same key for different secrets")
	}
}

func TestRandomToken(t *testing.T) {
	p := NewAEADProvider()

	a, err := p.RandomToken(32)
	if err != nil {
		t.Fatalf("RandomToken() error = %v", err)
	}
	if len(a) != 64 {
		t.Errorf("RandomToken(32) length = %d, want 64 hex chars", len(a))
	}

	b, err := p.RandomToken(32)
	if err != nil {
		t.Fatalf("RandomToken() error = %v", err)
	}
	if a == b {
		t.Error("RandomToken() returned the same token twice")
	}
}
