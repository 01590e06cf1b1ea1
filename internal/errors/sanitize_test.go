package errors

import (
	"errors"
	"testing"
)

func TestSanitizeString(t *testing.T) {
	SetProductionMode(true)
	defer SetProductionMode(false)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "policy not found", "policy not found"},
		{"ip masked", "ip 203.0.113.7 is not blocked", "ip 203.0.x.x is not blocked"},
		{"path stripped", "open /etc/soar/rules/custom.yaml: permission denied", "open custom.yaml: permission denied"},
		{"backend hidden", "storage.Insert(correlations): dial tcp 10.0.0.5:9000: refused", "backend operation failed"},
		{"redis hidden", "redis: connection pool timeout", "backend operation failed"},
		{"stack trace", "panic\ngoroutine 1 [running]:\nmain.main()", "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeString(tt.in); got != tt.want {
				t.Errorf("SanitizeString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDevelopmentModePassesThrough(t *testing.T) {
	SetProductionMode(false)

	in := "ip 203.0.113.7 at /var/lib/soar/x.db"
	if got := SanitizeString(in); got != in {
		t.Errorf("SanitizeString() = %q, want unchanged", got)
	}
	err := errors.New(in)
	if got := SanitizeError(err); got != err {
		t.Errorf("SanitizeError() = %v, want the original error", got)
	}
	if SanitizeError(nil) != nil {
		t.Error("SanitizeError(nil) != nil")
	}
}

func TestSanitizeError(t *testing.T) {
	SetProductionMode(true)
	defer SetProductionMode(false)

	if !IsProduction() {
		t.Fatal("IsProduction() = false after SetProductionMode(true)")
	}
	got := SanitizeError(errors.New("lookup 192.168.1.20 failed"))
	if got.Error() != "lookup 192.168.x.x failed" {
		t.Errorf("SanitizeError() = %q", got)
	}
}
