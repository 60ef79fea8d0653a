package security

import (
	"strings"
	"testing"
)

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"client-1", false},
		{"7f9c2ba4-e88f-11ea-adc1-0242ac120002", false},
		{"node:worker_3.a", false},
		{"", true},
		{"-leading", true},
		{"has space", true},
		{"new\nline", true},
		{strings.Repeat("a", MaxSessionIDLength+1), true},
	}

	for _, tt := range tests {
		err := ValidateSessionID(tt.id)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateSessionID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
		}
	}
}

func TestValidateTag(t *testing.T) {
	if err := ValidateTag("t-1"); err != nil {
		t.Errorf("ValidateTag(t-1) = %v", err)
	}
	if err := ValidateTag(""); err == nil {
		t.Error("ValidateTag(empty) should fail")
	}
	if err := ValidateTag("a\x00b"); err == nil {
		t.Error("ValidateTag with NUL should fail")
	}
	if err := ValidateTag(strings.Repeat("x", MaxTagLength+1)); err == nil {
		t.Error("ValidateTag over limit should fail")
	}
}

func TestValidateFilterValue(t *testing.T) {
	if err := ValidateFilterValue("branches", "core"); err != nil {
		t.Errorf("ValidateFilterValue(core) = %v", err)
	}
	if err := ValidateFilterValue("branches", ""); err == nil {
		t.Error("empty entry should fail")
	}
	if err := ValidateFilterValue("levels", "\xff"); err == nil {
		t.Error("invalid UTF-8 should fail")
	}
	err := ValidateFilterValue("keywords", strings.Repeat("k", MaxFilterValueLength+1))
	if err == nil {
		t.Fatal("oversized entry should fail")
	}
	if !strings.Contains(err.Error(), "keywords") {
		t.Errorf("error %q should name the field", err.Error())
	}
}

func TestIsReservedKey(t *testing.T) {
	for _, k := range []string{"__proto__", "constructor", "prototype"} {
		if !IsReservedKey(k) {
			t.Errorf("IsReservedKey(%q) = false", k)
		}
	}
	if IsReservedKey("branches") {
		t.Error("IsReservedKey(branches) = true")
	}
}
