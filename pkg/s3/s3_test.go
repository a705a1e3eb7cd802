package s3

import "testing"

func TestEncodeSHA256(t *testing.T) {
	got, err := encodeSHA256("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	if err != nil {
		t.Fatalf("encodeSHA256: %v", err)
	}
	if want := "47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU="; got != want {
		t.Fatalf("encodeSHA256 = %q, want %q", got, want)
	}

	if _, err := encodeSHA256(""); err == nil {
		t.Fatal("expected error for empty digest")
	}
	if _, err := encodeSHA256("zz"); err == nil {
		t.Fatal("expected error for non-hex digest")
	}
}

func TestConfigured(t *testing.T) {
	t.Setenv("S3_ENDPOINT", "")
	t.Setenv("S3_BUCKET", "firmware")
	if Configured() {
		t.Fatal("expected unconfigured without endpoint")
	}
	t.Setenv("S3_ENDPOINT", "localhost:8333")
	if !Configured() {
		t.Fatal("expected configured with endpoint and bucket")
	}
}
