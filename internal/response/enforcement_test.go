package response

import (
	"context"
	"testing"
	"time"

	"boundary-soar/internal/store"
)

func newTestEnforcement(now *time.Time) *Enforcement {
	e := NewEnforcement(store.NewMemory[IPBlock](), store.NewMemory[AccountLock]())
	e.now = func() time.Time { return *now }
	return e
}

func TestEnforcement_BlockLifecycle(t *testing.T) {
	ctx := context.Background()
	now := base
	e := newTestEnforcement(&now)

	if err := e.BlockIP(ctx, "198.51.100.9", "manual", time.Hour); err != nil {
		t.Fatalf("BlockIP() error = %v", err)
	}
	if blocked, _ := e.IsBlocked(ctx, "198.51.100.9"); !blocked {
		t.Fatal("IsBlocked() = false right after BlockIP")
	}

	now = base.Add(time.Hour)
	if blocked, _ := e.IsBlocked(ctx, "198.51.100.9"); blocked {
		t.Error("IsBlocked() = true at expiry")
	}

	active, err := e.ActiveBlocks(ctx)
	if err != nil || len(active) != 0 {
		t.Errorf("ActiveBlocks() = %v, %v, want none", active, err)
	}
}

func TestEnforcement_PermanentBlock(t *testing.T) {
	ctx := context.Background()
	now := base
	e := newTestEnforcement(&now)

	if err := e.BlockIP(ctx, "198.51.100.9", "manual", 0); err != nil {
		t.Fatal(err)
	}
	report, err := e.Expire(ctx, base.Add(365*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if report.Blocks != 0 {
		t.Errorf("Expire() deactivated %d permanent blocks", report.Blocks)
	}

	ok, err := e.UnblockIP(ctx, "198.51.100.9", "")
	if err != nil || !ok {
		t.Fatalf("UnblockIP() = %v, %v", ok, err)
	}
	ok, _ = e.UnblockIP(ctx, "198.51.100.9", "")
	if ok {
		t.Error("second UnblockIP() = true, want false")
	}
}

func TestEnforcement_ExpireIdempotent(t *testing.T) {
	ctx := context.Background()
	now := base
	e := newTestEnforcement(&now)

	exp := base.Add(time.Hour)
	_ = e.PutBlock(ctx, IPBlock{IP: "a", CreatedAt: base, ExpiresAt: &exp, Active: true})
	_ = e.PutLock(ctx, AccountLock{UserID: "u", CreatedAt: base, ExpiresAt: &exp, Active: true})
	_ = e.SetRateLimit(RateLimitOverride{IP: "a", Requests: 10, Window: time.Minute, CreatedAt: base, ExpiresAt: exp})

	sweep := base.Add(2 * time.Hour)
	tests := []struct {
		name string
		want ExpireReport
	}{
		{"first sweep", ExpireReport{Blocks: 1, Locks: 1, RateLimits: 1}},
		{"second sweep", ExpireReport{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Expire(ctx, sweep)
			if err != nil {
				t.Fatalf("Expire() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Expire() = %+v, want %+v", got, tt.want)
			}
		})
	}

	b, _, _ := e.GetBlock(ctx, "a")
	if b.Active || b.DeactivatedAt == nil || !b.DeactivatedAt.Equal(sweep) {
		t.Errorf("block after sweeps = %+v", b)
	}
	if _, ok := e.RateLimit("a"); ok {
		t.Error("rate limit override survived expiry")
	}
}

func TestEnforcement_Flags(t *testing.T) {
	now := base
	e := newTestEnforcement(&now)

	if err := e.UpdateUser("", func(*UserFlags) {}); err == nil {
		t.Error("UpdateUser(\"\") error = nil")
	}
	_ = e.UpdateUser("u", func(f *UserFlags) { f.RequireMFA = true })
	_ = e.UpdateUser("u", func(f *UserFlags) { f.APIKeysDisabled = true })
	if f := e.User("u"); !f.RequireMFA || !f.APIKeysDisabled {
		t.Errorf("User() = %+v, want both flags", f)
	}

	_ = e.RequireCaptcha("a")
	if !e.CaptchaRequired("a") {
		t.Error("CaptchaRequired() = false")
	}
	e.ClearCaptcha("a")
	if e.CaptchaRequired("a") {
		t.Error("CaptchaRequired() = true after ClearCaptcha")
	}

	if err := e.BlockCountry(" cn ", "ddos"); err != nil {
		t.Fatal(err)
	}
	if !e.CountryBlocked("CN") || !e.CountryBlocked("cn") {
		t.Error("CountryBlocked() is not case-insensitive")
	}
}

func TestStaticResolver(t *testing.T) {
	r := StaticResolver{"192.0.2.1": "DE", "203.0.113.0/24": "RU"}

	tests := []struct {
		ip      string
		want    string
		wantErr bool
	}{
		{"192.0.2.1", "DE", false},
		{"203.0.113.200", "RU", false},
		{"198.51.100.1", "", true},
		{"not-an-ip", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			got, err := r.Country(tt.ip)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Country() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Country() = %q, want %q", got, tt.want)
			}
		})
	}
}
