package crypto

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	payload, err := EncryptString("key", "hook-secret")
	if err != nil {
		t.Fatalf("EncryptString returned error: %v", err)
	}
	plain, err := DecryptToString("key", payload)
	if err != nil {
		t.Fatalf("DecryptToString returned error: %v", err)
	}
	if plain != "hook-secret" {
		t.Fatalf("expected round trip, got %q", plain)
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	payload, err := EncryptString("key", "hook-secret")
	if err != nil {
		t.Fatalf("EncryptString returned error: %v", err)
	}
	if _, err := DecryptToString("other", payload); err == nil {
		t.Fatal("expected error for wrong key")
	}
}

func TestDecryptRejectsTruncatedPayload(t *testing.T) {
	if _, err := DecryptToString("key", []byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}
