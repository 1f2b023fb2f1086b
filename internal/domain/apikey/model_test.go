package apikey

import (
	"testing"
	"time"
)

func TestAllows(t *testing.T) {
	cases := []struct {
		name      string
		allowList []string
		method    string
		want      bool
	}{
		{"empty list is unrestricted", nil, "pool.create", true},
		{"exact match", []string{"pool.query"}, "pool.query", true},
		{"exact mismatch", []string{"pool.query"}, "pool.create", false},
		{"service wildcard", []string{"pool.*"}, "pool.create", true},
		{"service wildcard other service", []string{"pool.*"}, "account.create", false},
		{"global wildcard", []string{"*"}, "anything.at_all", true},
		{"first of several patterns", []string{"pool.*", "account.query"}, "account.query", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			k := APIKey{AllowList: tc.allowList}
			if got := k.Allows(tc.method); got != tc.want {
				t.Fatalf("Allows(%q) with %v = %v, want %v", tc.method, tc.allowList, got, tc.want)
			}
		})
	}
}

func TestUsable(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	if !(APIKey{}).Usable(now) {
		t.Fatal("a key with no expiry or revocation must be usable")
	}
	if (APIKey{RevokedAt: &past}).Usable(now) {
		t.Fatal("a revoked key must not be usable")
	}
	if (APIKey{ExpiresAt: &past}).Usable(now) {
		t.Fatal("an expired key must not be usable")
	}
	if !(APIKey{ExpiresAt: &future}).Usable(now) {
		t.Fatal("a key expiring in the future must be usable")
	}
	if !(APIKey{ExpiresAt: &past}).Expired(now) {
		t.Fatal("Expired must report a past expiry")
	}
}
