package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"testing"
	"time"
)

func TestGenerate_DeterministicWithFixedTime(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret: "shared-secret",
		TTL:          time.Hour,
		Now:          func() time.Time { return time.Unix(1_700_000_000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	creds, err := g.Generate("conn123")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	wantExpiry := int64(1_700_003_600)
	if creds.ExpiryUnix != wantExpiry {
		t.Fatalf("ExpiryUnix: got %d, want %d", creds.ExpiryUnix, wantExpiry)
	}
	wantUsername := "1700003600:converse:conn123"
	if creds.Username != wantUsername {
		t.Fatalf("Username: got %q, want %q", creds.Username, wantUsername)
	}

	mac := hmac.New(sha1.New, []byte("shared-secret"))
	_, _ = mac.Write([]byte(wantUsername))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); creds.Credential != want {
		t.Fatalf("Credential: got %q, want %q", creds.Credential, want)
	}
}

func TestGenerate_RejectsBadInput(t *testing.T) {
	if _, err := NewGenerator(GeneratorConfig{SharedSecret: "", TTL: time.Hour}); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, err := NewGenerator(GeneratorConfig{SharedSecret: "s", TTL: 0}); err == nil {
		t.Fatal("expected error for zero TTL")
	}
	if _, err := NewGenerator(GeneratorConfig{SharedSecret: "s", TTL: time.Hour, UsernamePrefix: "a:b"}); err == nil {
		t.Fatal("expected error for prefix with colon")
	}

	g, err := NewGenerator(GeneratorConfig{SharedSecret: "s", TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	if _, err := g.Generate(""); err == nil {
		t.Fatal("expected error for empty client id")
	}
	if _, err := g.Generate("a:b"); err == nil {
		t.Fatal("expected error for client id with colon")
	}
}

func TestGenerateRandom_UsesClientIDSource(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret: "s",
		TTL:          30 * time.Second,
		Now:          func() time.Time { return time.Unix(42, 0).UTC() },
		ClientID:     func() (string, error) { return "fixed", nil },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	creds, err := g.GenerateRandom()
	if err != nil {
		t.Fatalf("GenerateRandom: %v", err)
	}
	if creds.Username != "72:converse:fixed" {
		t.Fatalf("Username: got %q", creds.Username)
	}

	decoded, err := base64.StdEncoding.DecodeString(creds.Credential)
	if err != nil {
		t.Fatalf("DecodeString: %v", err)
	}
	if len(decoded) != sha1.Size {
		t.Fatalf("decoded length: got %d, want %d", len(decoded), sha1.Size)
	}
}
