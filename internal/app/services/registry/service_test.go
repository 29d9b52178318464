package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/R3E-Network/extension_router/internal/app/domain/extension"
	"github.com/R3E-Network/extension_router/internal/app/storage/memory"
)

func descriptor(name, impl string, signatures ...string) extension.Descriptor {
	d := extension.Descriptor{Name: name, Implementation: impl}
	for _, sig := range signatures {
		d.Functions = append(d.Functions, extension.Function{
			Selector:  extension.SelectorForSignature(sig),
			Signature: sig,
		})
	}
	return d
}

func newService(t *testing.T, defaults ...extension.Descriptor) *Service {
	t.Helper()
	s, err := New(memory.New(), defaults)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return s
}

func TestAddAndResolve(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	if err := s.Add(ctx, descriptor("payments", "0x1111", "pay(address)", "refund(address)")); err != nil {
		t.Fatalf("add: %v", err)
	}

	d, err := s.Get(ctx, "payments")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.Implementation != "0x1111" || len(d.Functions) != 2 {
		t.Fatalf("unexpected descriptor %+v", d)
	}

	rec, err := s.ForFunction(ctx, extension.SelectorForSignature("pay(address)"))
	if err != nil {
		t.Fatalf("for function: %v", err)
	}
	if rec.Extension != "payments" {
		t.Fatalf("selector resolved to %q", rec.Extension)
	}

	impl, err := s.ImplementationForFunction(ctx, extension.SelectorForSignature("refund(address)"))
	if err != nil || impl != "0x1111" {
		t.Fatalf("implementation = %q, %v", impl, err)
	}
}

func TestAddRejectsDuplicateName(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	if err := s.Add(ctx, descriptor("payments", "0x1111", "pay(address)")); err != nil {
		t.Fatalf("add: %v", err)
	}
	err := s.Add(ctx, descriptor("payments", "0x2222", "settle(address)"))
	if !errors.Is(err, extension.ErrDuplicateExtension) {
		t.Fatalf("error = %v, want ErrDuplicateExtension", err)
	}
}

func TestAddRejectsSelectorConflictAtomically(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	if err := s.Add(ctx, descriptor("payments", "0x1111", "pay(address)")); err != nil {
		t.Fatalf("add: %v", err)
	}

	// Second extension reuses one selector. The whole add must fail and
	// leave no trace of the conflicting extension.
	err := s.Add(ctx, descriptor("wallets", "0x2222", "open()", "pay(address)"))
	if !errors.Is(err, extension.ErrSelectorConflict) {
		t.Fatalf("error = %v, want ErrSelectorConflict", err)
	}

	d, _ := s.Get(ctx, "wallets")
	if !d.IsZero() {
		t.Fatal("failed add left a descriptor behind")
	}
	rec, _ := s.ForFunction(ctx, extension.SelectorForSignature("open()"))
	if rec.Extension != "" {
		t.Fatal("failed add left selector rows behind")
	}
	rec, _ = s.ForFunction(ctx, extension.SelectorForSignature("pay(address)"))
	if rec.Extension != "payments" {
		t.Fatal("original selector ownership disturbed")
	}
}

func TestUpdateRemapsSelectors(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	if err := s.Add(ctx, descriptor("payments", "0x1111", "pay(address)")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Update(ctx, descriptor("payments", "0x2222", "settle(address)")); err != nil {
		t.Fatalf("update: %v", err)
	}

	rec, _ := s.ForFunction(ctx, extension.SelectorForSignature("pay(address)"))
	if rec.Extension != "" {
		t.Fatal("dropped selector still resolves")
	}
	rec, _ = s.ForFunction(ctx, extension.SelectorForSignature("settle(address)"))
	if rec.Extension != "payments" || rec.Implementation != "0x2222" {
		t.Fatalf("new selector resolves to %+v", rec)
	}

	// The freed selector is claimable by another extension.
	if err := s.Add(ctx, descriptor("legacy", "0x3333", "pay(address)")); err != nil {
		t.Fatalf("reclaim freed selector: %v", err)
	}
}

func TestUpdateUnknownExtension(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	err := s.Update(ctx, descriptor("ghost", "0x1111", "boo()"))
	if !errors.Is(err, extension.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	if err := s.Add(ctx, descriptor("payments", "0x1111", "pay(address)")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Remove(ctx, "payments"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	rec, _ := s.ForFunction(ctx, extension.SelectorForSignature("pay(address)"))
	if rec.Extension != "" {
		t.Fatal("selector survived removal")
	}
	if err := s.Remove(ctx, "payments"); !errors.Is(err, extension.ErrNotFound) {
		t.Fatalf("second remove error = %v", err)
	}
}

func TestDefaultsResolveAndShadow(t *testing.T) {
	ctx := context.Background()
	def := descriptor("core", "0xdef0", "version()")
	s := newService(t, def)

	// Default resolves without any mutation.
	rec, err := s.ForFunction(ctx, extension.SelectorForSignature("version()"))
	if err != nil || rec.Extension != "core" {
		t.Fatalf("default selector: %+v, %v", rec, err)
	}

	// An update materializes an override that shadows the default wholesale.
	if err := s.Update(ctx, descriptor("core", "0xbeef", "version2()")); err != nil {
		t.Fatalf("override default: %v", err)
	}
	d, _ := s.Get(ctx, "core")
	if d.Implementation != "0xbeef" {
		t.Fatalf("override not visible: %+v", d)
	}

	// The shadowed default's selector is inert and reclaimable.
	rec, _ = s.ForFunction(ctx, extension.SelectorForSignature("version()"))
	if rec.Extension != "" {
		t.Fatal("shadowed default selector still resolves")
	}
	if err := s.Add(ctx, descriptor("other", "0x4444", "version()")); err != nil {
		t.Fatalf("claim shadowed selector: %v", err)
	}

	// Removing the override falls back to nothing here because the freed
	// default selector is now owned by "other".
	if err := s.Remove(ctx, "core"); err != nil {
		t.Fatalf("remove override: %v", err)
	}
	d, _ = s.Get(ctx, "core")
	if d.Implementation != "0xdef0" {
		t.Fatalf("default not restored after override removal: %+v", d)
	}
}

func TestAddRejectsDefaultName(t *testing.T) {
	ctx := context.Background()
	s := newService(t, descriptor("core", "0xdef0", "version()"))

	err := s.Add(ctx, descriptor("core", "0x1111", "other()"))
	if !errors.Is(err, extension.ErrDuplicateExtension) {
		t.Fatalf("error = %v, want ErrDuplicateExtension", err)
	}
}

func TestAddConflictAgainstUnshadowedDefault(t *testing.T) {
	ctx := context.Background()
	s := newService(t, descriptor("core", "0xdef0", "version()"))

	err := s.Add(ctx, descriptor("imposter", "0x1111", "version()"))
	if !errors.Is(err, extension.ErrSelectorConflict) {
		t.Fatalf("error = %v, want ErrSelectorConflict", err)
	}
}

func TestNewRejectsConflictingDefaults(t *testing.T) {
	_, err := New(memory.New(), []extension.Descriptor{
		descriptor("a", "0x01", "f()"),
		descriptor("b", "0x02", "f()"),
	})
	if !errors.Is(err, extension.ErrSelectorConflict) {
		t.Fatalf("error = %v, want ErrSelectorConflict", err)
	}
}

func TestListMergesTiers(t *testing.T) {
	ctx := context.Background()
	s := newService(t, descriptor("core", "0xdef0", "version()"))

	if err := s.Add(ctx, descriptor("payments", "0x1111", "pay(address)")); err != nil {
		t.Fatalf("add: %v", err)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list has %d entries, want 2", len(list))
	}
	if list[0].Name != "core" || list[1].Name != "payments" {
		t.Fatalf("list order %v", []string{list[0].Name, list[1].Name})
	}
}
