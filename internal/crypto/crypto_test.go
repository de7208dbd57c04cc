package crypto

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

func TestSecretRoundTrip(t *testing.T) {
	sealed, err := EncryptSecret("s3cr3t-api-key", "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(sealed, EncryptedPrefix) {
		t.Fatalf("missing prefix: %s", sealed)
	}

	plain, err := DecryptSecret(sealed, "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if plain != "s3cr3t-api-key" {
		t.Fatalf("plain = %q", plain)
	}

	if _, err := DecryptSecret(sealed, "wrong"); err == nil {
		t.Fatal("wrong password accepted")
	}
	if _, err := DecryptSecret(sealed, ""); err == nil {
		t.Fatal("empty password accepted")
	}
}

func TestDecryptSecretPassesPlaintextThrough(t *testing.T) {
	got, err := DecryptSecret("plain-key", "")
	if err != nil || got != "plain-key" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestCredentialVaultResolve(t *testing.T) {
	sealed, err := EncryptSecret("secret-b", "pw")
	if err != nil {
		t.Fatal(err)
	}
	v := NewCredentialVault([]CredentialEntry{
		{UserID: "u1", Exchange: domain.ExchangeBinance, APIKey: "key-b", APISecret: sealed},
		{UserID: "u1", Exchange: domain.ExchangeOKX, APIKey: "key-o", APISecret: "secret-o", Passphrase: "pp", Testnet: true},
	}, "pw")

	c, err := v.Resolve(context.Background(), "u1", domain.ExchangeBinance)
	if err != nil {
		t.Fatal(err)
	}
	if c.APIKey != "key-b" || c.APISecret != "secret-b" {
		t.Fatalf("binance creds = %+v", c)
	}

	c, err = v.Resolve(context.Background(), "u1", domain.ExchangeOKX)
	if err != nil {
		t.Fatal(err)
	}
	if c.Passphrase != "pp" || !c.Testnet {
		t.Fatalf("okx creds = %+v", c)
	}

	if _, err := v.Resolve(context.Background(), "u2", domain.ExchangeOKX); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown user: %v", err)
	}
}

func TestHMACSHA256Hex(t *testing.T) {
	mac := hmac.New(sha256.New, []byte("key"))
	mac.Write([]byte("symbol=BTCUSDT&timestamp=1"))
	want := hex.EncodeToString(mac.Sum(nil))

	if got := HMACSHA256Hex("key", "symbol=BTCUSDT&timestamp=1"); got != want {
		t.Fatalf("got %s want %s", got, want)
	}
	if len(HMACSHA512Hex("key", "msg")) != 128 {
		t.Fatal("sha512 hex length")
	}
}
