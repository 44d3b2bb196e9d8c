package billing

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestVerifySignature_Valid(t *testing.T) {
	payload := []byte(`{"type":"checkout.session.completed"}`)
	now := time.Now()
	header := SignPayload(payload, "whsec_test", now)

	if err := verifySignature(payload, header, "whsec_test", signatureTolerance, now); err != nil {
		t.Errorf("verifySignature() error = %v, want nil", err)
	}
}

func TestVerifySignature_WrongSecret(t *testing.T) {
	payload := []byte(`{}`)
	now := time.Now()
	header := SignPayload(payload, "whsec_test", now)

	err := verifySignature(payload, header, "whsec_other", signatureTolerance, now)
	if !errors.Is(err, ErrBadSignature) {
		t.Errorf("verifySignature() error = %v, want ErrBadSignature", err)
	}
}

func TestVerifySignature_TamperedPayload(t *testing.T) {
	now := time.Now()
	header := SignPayload([]byte(`{"a":1}`), "whsec_test", now)

	err := verifySignature([]byte(`{"a":2}`), header, "whsec_test", signatureTolerance, now)
	if !errors.Is(err, ErrBadSignature) {
		t.Errorf("verifySignature() error = %v, want ErrBadSignature", err)
	}
}

func TestVerifySignature_StaleTimestamp(t *testing.T) {
	payload := []byte(`{}`)
	signedAt := time.Now().Add(-time.Hour)
	header := SignPayload(payload, "whsec_test", signedAt)

	err := verifySignature(payload, header, "whsec_test", signatureTolerance, time.Now())
	if !errors.Is(err, ErrBadSignature) {
		t.Errorf("verifySignature() error = %v, want ErrBadSignature for stale timestamp", err)
	}
}

func TestVerifySignature_MalformedHeader(t *testing.T) {
	for _, header := range []string{"", "t=abc,v1=def", "v1=deadbeef", "t=12345"} {
		err := verifySignature([]byte(`{}`), header, "whsec_test", signatureTolerance, time.Now())
		if !errors.Is(err, ErrBadSignature) {
			t.Errorf("verifySignature(header=%q) error = %v, want ErrBadSignature", header, err)
		}
	}
}

func TestSignPayload_HeaderShape(t *testing.T) {
	header := SignPayload([]byte(`{}`), "whsec_test", time.Unix(1700000000, 0))
	if !strings.HasPrefix(header, "t=1700000000,v1=") {
		t.Errorf("header = %q, want t=1700000000,v1=... prefix", header)
	}
}
