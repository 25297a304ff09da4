package domain

import (
	"testing"
	"time"
)

var testNow = time.Date(2024, 2, 19, 5, 4, 3, 0, time.UTC)

func addressRecord() BlockRecord {
	return BlockRecord{
		ID:         1,
		Target:     "127.0.0.1",
		Reason:     "test",
		CreatedAt:  testNow.Add(-time.Hour),
		ExpiresAt:  testNow.Add(time.Hour),
		RangeStart: "7F000001",
		RangeEnd:   "7F000001",
	}
}

func TestBlockRecord_Validate(t *testing.T) {
	valid := addressRecord()
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := map[string]func(r *BlockRecord){
		"empty target":          func(r *BlockRecord) { r.Target = " " },
		"zero expiry":           func(r *BlockRecord) { r.ExpiresAt = time.Time{} },
		"account and range":     func(r *BlockRecord) { r.TargetIdentityID = 9 },
		"no target at all":      func(r *BlockRecord) { r.RangeStart, r.RangeEnd = "", "" },
		"half open range":       func(r *BlockRecord) { r.RangeEnd = "" },
		"start after range end": func(r *BlockRecord) { r.RangeStart = "7F0000FF" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := addressRecord()
			mutate(&r)
			if err := r.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestBlockRecord_Kind(t *testing.T) {
	r := addressRecord()
	if r.Kind() != TargetAddress {
		t.Fatalf("Kind() = %v, want address", r.Kind())
	}
	r.RangeEnd = "7F0000FF"
	if !r.IsRangeBlock() || r.IsSingleAddress() {
		t.Fatalf("expected range block")
	}
	single := BlockRecord{Target: "1.2.3.4", RangeStart: "01020304", RangeEnd: "01020304"}
	if !single.IsSingleAddress() || single.IsRangeBlock() {
		t.Fatalf("expected single address block, got %v", single.Kind())
	}
	acct := BlockRecord{TargetIdentityID: 5, Target: "Blocked"}
	if !acct.IsAccountBlock() || acct.Kind().String() != "account" {
		t.Fatalf("expected account block, got %v", acct.Kind())
	}
	if got := TargetKind(42).String(); got != "TargetKind(42)" {
		t.Fatalf("unexpected string %q", got)
	}
}

func TestBlockRecord_IsLive_ExpiryBoundary(t *testing.T) {
	r := addressRecord()
	r.ExpiresAt = testNow
	if r.IsLive(testNow) {
		t.Fatalf("a block expiring exactly now must be treated as expired")
	}
	if !r.IsLive(testNow.Add(-time.Nanosecond)) {
		t.Fatalf("block should be live just before expiry")
	}
	r.ExpiresAt = Infinity
	if !r.IsLive(testNow) || !r.IsIndefinite() {
		t.Fatalf("infinite block should always be live")
	}
}

func TestLocalOverride_Suppresses(t *testing.T) {
	o := LocalOverride{BlockID: 2, Enabled: true, ExpiresAt: testNow.Add(time.Minute)}
	if !o.Suppresses(testNow) {
		t.Fatalf("live enabled override should suppress")
	}
	o.Enabled = false
	if o.Suppresses(testNow) {
		t.Fatalf("disabled override must not suppress")
	}
	o.Enabled = true
	o.ExpiresAt = testNow
	if o.Suppresses(testNow) {
		t.Fatalf("expired override must not suppress")
	}
}
