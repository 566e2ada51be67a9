package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestRenameCoreKeysRewritesBuiltins(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{ReplaceAttr: renameCoreKeys})
	logger := slog.New(handler)

	logger.Info("agreement stored", "agreement", "0xabc")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["message"] != "agreement stored" {
		t.Fatalf("message: got %v", line["message"])
	}
	if line["severity"] != "INFO" {
		t.Fatalf("severity: got %v", line["severity"])
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("timestamp missing: %v", line)
	}
	if _, ok := line["msg"]; ok {
		t.Fatalf("raw msg key must be renamed: %v", line)
	}
	if line["agreement"] != "0xabc" {
		t.Fatalf("plain attr must pass through: %v", line["agreement"])
	}
}

func TestCredentialAttributesAreMasked(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{ReplaceAttr: renameCoreKeys})
	logger := slog.New(handler)

	logger.Info("rpc request", "token", "super-secret", "account", "esc1deadbeef")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["token"] != RedactedValue {
		t.Fatalf("token: got %v, want %s", line["token"], RedactedValue)
	}
	if line["account"] != "esc1deadbeef" {
		t.Fatalf("account: got %v", line["account"])
	}
	if bytes.Contains(buf.Bytes(), []byte("super-secret")) {
		t.Fatalf("credential value leaked into output: %s", buf.String())
	}
}

func TestIsSensitive(t *testing.T) {
	for _, key := range []string{"token", "Authorization", " api_key ", "SECRET", "signature"} {
		if !IsSensitive(key) {
			t.Fatalf("%q must be sensitive", key)
		}
	}
	for _, key := range []string{"account", "agreement", "err", "service"} {
		if IsSensitive(key) {
			t.Fatalf("%q must not be sensitive", key)
		}
	}
}

func TestMaskFieldKeepsEmptyValues(t *testing.T) {
	attr := MaskField("token", "")
	if attr.Value.String() != "" {
		t.Fatalf("empty value must pass through, got %q", attr.Value.String())
	}
	attr = MaskField("token", "abc")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("masked value: got %q", attr.Value.String())
	}
}
