package permission

import (
	"math/big"
	"testing"
	"time"
)

func window(from, to time.Time) SignerPermission {
	return SignerPermission{Signer: "0x01", ValidFrom: from, ValidTo: to}
}

func TestActiveAtBoundsInclusive(t *testing.T) {
	from := time.Unix(1000, 0)
	to := time.Unix(2000, 0)
	p := window(from, to)

	if !p.ActiveAt(from) {
		t.Fatal("window start must be active")
	}
	if !p.ActiveAt(to) {
		t.Fatal("window end must be active")
	}
	if p.ActiveAt(from.Add(-time.Second)) {
		t.Fatal("before window must not be active")
	}
	if p.ActiveAt(to.Add(time.Second)) {
		t.Fatal("after window must not be active")
	}
}

func TestActiveAtZeroRecord(t *testing.T) {
	var p SignerPermission
	if p.ActiveAt(time.Now()) {
		t.Fatal("zero record must never be active")
	}
}

func TestApproves(t *testing.T) {
	p := SignerPermission{ApprovedTargets: []string{"0xaa", "0xbb"}}

	if !p.Approves("0xaa") {
		t.Fatal("listed target must be approved")
	}
	if p.Approves("0xcc") {
		t.Fatal("unlisted target must not be approved")
	}
	if !p.Approves("") {
		t.Fatal("empty target is always in scope")
	}

	wild := SignerPermission{ApprovedTargets: []string{TargetWildcard}}
	if !wild.Approves("0xanything") {
		t.Fatal("wildcard must approve any target")
	}

	empty := SignerPermission{}
	if empty.Approves("0xaa") {
		t.Fatal("empty scope must not approve targets")
	}
}

func TestWithinSpendLimit(t *testing.T) {
	p := SignerPermission{SpendLimitPerTx: big.NewInt(100)}

	if !p.WithinSpendLimit(nil) {
		t.Fatal("nil value moves nothing and must pass")
	}
	if !p.WithinSpendLimit(big.NewInt(0)) {
		t.Fatal("zero value must pass")
	}
	if !p.WithinSpendLimit(big.NewInt(100)) {
		t.Fatal("value at the limit must pass")
	}
	if p.WithinSpendLimit(big.NewInt(101)) {
		t.Fatal("value above the limit must fail")
	}

	noLimit := SignerPermission{}
	if noLimit.WithinSpendLimit(big.NewInt(1)) {
		t.Fatal("nil limit permits no spend")
	}
	if !noLimit.WithinSpendLimit(nil) {
		t.Fatal("nil limit still passes value-free calls")
	}
}

func TestCloneIsolation(t *testing.T) {
	p := SignerPermission{
		Signer:          "0x01",
		ApprovedTargets: []string{"0xaa"},
		SpendLimitPerTx: big.NewInt(5),
	}
	c := p.Clone()
	c.ApprovedTargets[0] = "0xzz"
	c.SpendLimitPerTx.SetInt64(99)

	if p.ApprovedTargets[0] != "0xaa" {
		t.Fatal("clone shares the targets slice")
	}
	if p.SpendLimitPerTx.Int64() != 5 {
		t.Fatal("clone shares the spend limit")
	}
}
