package crypto

import (
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Throwaway key used only in tests.
const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestNewSignerDerivesAddress(t *testing.T) {
	s, err := NewSigner("0x"+testKeyHex, 137)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	// Well-known address for this key.
	want := "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	if got := s.Address().Hex(); got != want {
		t.Fatalf("address = %s, want %s", got, want)
	}
}

func TestNewSignerRejectsBadKey(t *testing.T) {
	if _, err := NewSigner("not-hex", 137); err == nil {
		t.Fatal("expected error for invalid key")
	}
}

func TestSignAuthMessageRecoverable(t *testing.T) {
	s, err := NewSigner(testKeyHex, 137)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	sig, err := s.SignAuthMessage(s.Address().Hex(), 1700000000, 0)
	if err != nil {
		t.Fatalf("SignAuthMessage: %v", err)
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil {
		t.Fatalf("signature is not hex: %v", err)
	}
	if len(raw) != 65 {
		t.Fatalf("signature length = %d, want 65", len(raw))
	}
	if v := raw[64]; v != 27 && v != 28 {
		t.Fatalf("recovery byte = %d, want 27 or 28", v)
	}

	// Recover the public key from the digest and check it matches the signer.
	raw[64] -= 27
	digest := eip712Hash(s.domainSep, ethcrypto.Keccak256(
		concatBytes(
			clobAuthTypeHash,
			make([]byte, 12), s.Address().Bytes(),
			bigIntTo32BytesFromInt64(1700000000),
			bigIntTo32BytesFromInt64(0),
		),
	))
	pub, err := ethcrypto.SigToPub(digest, raw)
	if err != nil {
		t.Fatalf("SigToPub: %v", err)
	}
	if got := ethcrypto.PubkeyToAddress(*pub); got != s.Address() {
		t.Fatalf("recovered %s, want %s", got.Hex(), s.Address().Hex())
	}
}

func TestSignOrderValidatesFields(t *testing.T) {
	s, err := NewSigner(testKeyHex, 137)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	good := OrderPayload{
		Salt:        "12345",
		Maker:       s.Address().Hex(),
		Signer:      s.Address().Hex(),
		Taker:       "0x0000000000000000000000000000000000000000",
		TokenID:     "1343197538147866997676250008839231694243646439454152539053893078719042421992",
		MakerAmount: "40000000",
		TakerAmount: "100000000",
		Expiration:  "0",
		Nonce:       "0",
		FeeRateBps:  "0",
	}

	sig, err := s.SignOrder(good)
	if err != nil {
		t.Fatalf("SignOrder: %v", err)
	}
	if !strings.HasPrefix(sig, "0x") || len(sig) != 2+130 {
		t.Fatalf("unexpected signature %q", sig)
	}

	bad := good
	bad.TokenID = "xyz"
	if _, err := s.SignOrder(bad); err == nil {
		t.Fatal("expected error for non-numeric tokenId")
	}
}

func TestL2HeadersDeterministic(t *testing.T) {
	auth := &HMACAuth{
		Key:        "key-1",
		Secret:     base64.StdEncoding.EncodeToString([]byte("secret")),
		Passphrase: "phrase",
	}

	h1 := auth.L2HeadersAt("0xabc", "POST", "/order", `{"a":1}`, 1700000000)
	h2 := auth.L2HeadersAt("0xabc", "POST", "/order", `{"a":1}`, 1700000000)

	if h1["POLY_SIGNATURE"] == "" {
		t.Fatal("empty signature")
	}
	if h1["POLY_SIGNATURE"] != h2["POLY_SIGNATURE"] {
		t.Fatal("same inputs produced different signatures")
	}
	if h1["POLY_ADDRESS"] != "0xabc" || h1["POLY_API_KEY"] != "key-1" || h1["POLY_TIMESTAMP"] != "1700000000" {
		t.Fatalf("unexpected headers: %v", h1)
	}

	h3 := auth.L2HeadersAt("0xabc", "POST", "/order", `{"a":2}`, 1700000000)
	if h1["POLY_SIGNATURE"] == h3["POLY_SIGNATURE"] {
		t.Fatal("different bodies produced the same signature")
	}
}

func TestHMACAuthStringRedacts(t *testing.T) {
	auth := &HMACAuth{Key: "verysecretkey", Secret: "verysecretsecret"}
	s := auth.String()
	if strings.Contains(s, "verysecretkey") || strings.Contains(s, "verysecretsecret") {
		t.Fatalf("String leaked credentials: %s", s)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := EncryptKey("0x"+testKeyHex, "hunter2")
	if err != nil {
		t.Fatalf("EncryptKey: %v", err)
	}
	if strings.Contains(string(blob), testKeyHex) {
		t.Fatal("ciphertext blob contains the plaintext key")
	}

	got, err := DecryptKey(blob, "hunter2")
	if err != nil {
		t.Fatalf("DecryptKey: %v", err)
	}
	if got != testKeyHex {
		t.Fatalf("round trip = %s, want %s", got, testKeyHex)
	}

	if _, err := DecryptKey(blob, "wrong"); err == nil {
		t.Fatal("expected error for wrong password")
	}
}

func TestEncryptKeyValidation(t *testing.T) {
	if _, err := EncryptKey(testKeyHex, ""); err == nil {
		t.Fatal("expected error for empty password")
	}
	if _, err := EncryptKey("abcd", "pw"); err == nil {
		t.Fatal("expected error for short key")
	}
	if _, err := EncryptKey("zz", "pw"); err == nil {
		t.Fatal("expected error for non-hex key")
	}
}

func TestLoadKeySources(t *testing.T) {
	// Raw key wins.
	got, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + testKeyHex})
	if err != nil {
		t.Fatalf("LoadKey raw: %v", err)
	}
	if got != testKeyHex {
		t.Fatalf("LoadKey raw = %s, want %s", got, testKeyHex)
	}

	// Encrypted file.
	blob, err := EncryptKey(testKeyHex, "pw")
	if err != nil {
		t.Fatalf("EncryptKey: %v", err)
	}
	path := filepath.Join(t.TempDir(), "key.json")
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err = LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	if err != nil {
		t.Fatalf("LoadKey encrypted: %v", err)
	}
	if got != testKeyHex {
		t.Fatalf("LoadKey encrypted = %s, want %s", got, testKeyHex)
	}

	// No source configured.
	if _, err := LoadKey(KeyConfig{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}

// bigIntTo32BytesFromInt64 keeps the recovery test readable.
func bigIntTo32BytesFromInt64(n int64) []byte {
	b := make([]byte, 32)
	for i := 0; n > 0; i++ {
		b[31-i] = byte(n & 0xff)
		n >>= 8
	}
	return b
}
