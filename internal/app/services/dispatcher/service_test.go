package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/R3E-Network/extension_router/internal/app/domain/extension"
	"github.com/R3E-Network/extension_router/internal/app/domain/permission"
	"github.com/R3E-Network/extension_router/internal/app/domain/request"
	"github.com/R3E-Network/extension_router/internal/app/services/authorizer"
	"github.com/R3E-Network/extension_router/internal/app/services/permissions"
	"github.com/R3E-Network/extension_router/internal/app/services/registry"
	"github.com/R3E-Network/extension_router/internal/app/signing"
	"github.com/R3E-Network/extension_router/internal/app/storage/memory"
)

const owner = "0xowner"

var clock = time.Unix(1700000000, 0).UTC()

type fixture struct {
	svc   *Service
	store *memory.Store
	key   *secp256k1.PrivateKey
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	store := memory.New()
	auth, err := authorizer.New(
		signing.Domain{ChainID: "testnet", Router: "router-test"},
		store, store,
		authorizer.WithClock(func() time.Time { return clock }),
	)
	if err != nil {
		t.Fatalf("new authorizer: %v", err)
	}
	reg, err := registry.New(store, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	perms := permissions.New(store, auth, owner)

	key, err := signing.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return fixture{svc: New(reg, auth, perms, owner), store: store, key: key}
}

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

func (f fixture) envelope(t *testing.T, action string, payload any) (request.SignedRequest, []byte) {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := request.SignedRequest{
		Action:        action,
		Payload:       body,
		UID:           request.NewUID(),
		ValidityStart: clock.Add(-time.Minute),
		ValidityEnd:   clock.Add(time.Minute),
	}
	digest := signing.RequestDigest(f.svc.auth.Domain(), req)
	return req, signing.SignDigest(f.key, digest)
}

func TestHandleCallRoutesToBoundHandler(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.svc.AddExtension(ctx, owner, descriptor("payments", "0x1111", "pay(address)")); err != nil {
		t.Fatalf("add: %v", err)
	}

	var seen CallContext
	f.svc.BindImplementation("0x1111", HandlerFunc(func(_ context.Context, call CallContext) ([]byte, error) {
		seen = call
		return []byte("ok"), nil
	}))

	call := CallContext{
		Selector: extension.SelectorForSignature("pay(address)"),
		Caller:   "0xcaller",
		Input:    []byte("input"),
	}
	out, err := f.svc.HandleCall(ctx, call)
	if err != nil {
		t.Fatalf("handle call: %v", err)
	}
	if string(out) != "ok" {
		t.Fatalf("output = %q", out)
	}
	if seen.Caller != "0xcaller" || string(seen.Input) != "input" {
		t.Fatalf("handler saw %+v", seen)
	}
}

func TestHandleCallUnknownSelector(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.HandleCall(ctx, CallContext{Selector: extension.SelectorForSignature("ghost()")})
	if !errors.Is(err, extension.ErrNoExtensionForSelector) {
		t.Fatalf("error = %v, want ErrNoExtensionForSelector", err)
	}
}

func TestHandleCallUnboundImplementation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.svc.AddExtension(ctx, owner, descriptor("payments", "0x1111", "pay(address)")); err != nil {
		t.Fatalf("add: %v", err)
	}

	_, err := f.svc.HandleCall(ctx, CallContext{Selector: extension.SelectorForSignature("pay(address)")})
	if err == nil {
		t.Fatal("dispatch to unbound implementation succeeded")
	}
}

func TestHandleCallPropagatesHandlerError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.svc.AddExtension(ctx, owner, descriptor("payments", "0x1111", "pay(address)")); err != nil {
		t.Fatalf("add: %v", err)
	}

	sentinel := errors.New("insufficient balance")
	f.svc.BindImplementation("0x1111", HandlerFunc(func(context.Context, CallContext) ([]byte, error) {
		return nil, sentinel
	}))

	_, err := f.svc.HandleCall(ctx, CallContext{Selector: extension.SelectorForSignature("pay(address)")})
	if !errors.Is(err, sentinel) {
		t.Fatalf("error = %v, want the handler's own error verbatim", err)
	}
}

func TestDirectMutationGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := descriptor("payments", "0x1111", "pay(address)")

	if err := f.svc.AddExtension(ctx, "0xstranger", d); !errors.Is(err, permission.ErrUnauthorized) {
		t.Fatalf("stranger add error = %v, want ErrUnauthorized", err)
	}
	if err := f.svc.AddExtension(ctx, owner, d); err != nil {
		t.Fatalf("owner add: %v", err)
	}

	// An account flagged admin in the store passes the gate too.
	if err := f.store.SetAdmin(ctx, "0xalice", true); err != nil {
		t.Fatalf("set admin: %v", err)
	}
	if err := f.svc.UpdateExtension(ctx, "0xalice", descriptor("payments", "0x2222", "settle(address)")); err != nil {
		t.Fatalf("admin update: %v", err)
	}
	if err := f.svc.RemoveExtension(ctx, "0xstranger", "payments"); !errors.Is(err, permission.ErrUnauthorized) {
		t.Fatalf("stranger remove error = %v", err)
	}
	if err := f.svc.RemoveExtension(ctx, "0xalice", "payments"); err != nil {
		t.Fatalf("admin remove: %v", err)
	}
}

func TestAddExtensionWithSignature(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if err := f.store.SetAdmin(ctx, signing.Address(f.key), true); err != nil {
		t.Fatalf("set admin: %v", err)
	}

	d := descriptor("payments", "0x1111", "pay(address)")
	req, sig := f.envelope(t, ActionAddExtension, d)
	if err := f.svc.AddExtensionWithSignature(ctx, req, sig); err != nil {
		t.Fatalf("signed add: %v", err)
	}

	rec, err := f.svc.registry.ForFunction(ctx, extension.SelectorForSignature("pay(address)"))
	if err != nil || rec.Extension != "payments" {
		t.Fatalf("selector after signed add: %+v, %v", rec, err)
	}

	// The envelope is single use.
	if err := f.svc.AddExtensionWithSignature(ctx, req, sig); !errors.Is(err, request.ErrRequestReplayed) {
		t.Fatalf("replay error = %v, want ErrRequestReplayed", err)
	}
}

func TestSignedMutationRequiresAdminSigner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Active permission but no admin flag: authorization passes, the
	// registry gate must reject.
	err := f.store.PutPermission(ctx, permission.SignerPermission{
		Signer:          signing.Address(f.key),
		ApprovedTargets: []string{permission.TargetWildcard},
		ValidFrom:       clock.Add(-time.Hour),
		ValidTo:         clock.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("put permission: %v", err)
	}

	req, sig := f.envelope(t, ActionAddExtension, descriptor("payments", "0x1111", "pay(address)"))
	if err := f.svc.AddExtensionWithSignature(ctx, req, sig); !errors.Is(err, permission.ErrUnauthorized) {
		t.Fatalf("error = %v, want ErrUnauthorized", err)
	}
}

func TestSignedMutationRejectsMismatchedAction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if err := f.store.SetAdmin(ctx, signing.Address(f.key), true); err != nil {
		t.Fatalf("set admin: %v", err)
	}

	req, sig := f.envelope(t, ActionUpdateExtension, descriptor("payments", "0x1111", "pay(address)"))
	if err := f.svc.AddExtensionWithSignature(ctx, req, sig); !errors.Is(err, permission.ErrUnauthorized) {
		t.Fatalf("error = %v, want ErrUnauthorized", err)
	}
	if consumed, _ := f.store.IsConsumed(ctx, req.UID); consumed {
		t.Fatal("uid consumed for mismatched action")
	}
}

func TestRemoveExtensionWithSignature(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if err := f.store.SetAdmin(ctx, signing.Address(f.key), true); err != nil {
		t.Fatalf("set admin: %v", err)
	}
	if err := f.svc.AddExtension(ctx, owner, descriptor("payments", "0x1111", "pay(address)")); err != nil {
		t.Fatalf("add: %v", err)
	}

	req, sig := f.envelope(t, ActionRemoveExtension, map[string]string{"name": "payments"})
	if err := f.svc.RemoveExtensionWithSignature(ctx, req, sig); err != nil {
		t.Fatalf("signed remove: %v", err)
	}
	rec, _ := f.svc.registry.ForFunction(ctx, extension.SelectorForSignature("pay(address)"))
	if rec.Extension != "" {
		t.Fatal("selector survived signed removal")
	}
}

func TestSignedMutationConsumesUIDEvenIfRegistryRejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if err := f.store.SetAdmin(ctx, signing.Address(f.key), true); err != nil {
		t.Fatalf("set admin: %v", err)
	}
	if err := f.svc.AddExtension(ctx, owner, descriptor("payments", "0x1111", "pay(address)")); err != nil {
		t.Fatalf("add: %v", err)
	}

	// Authorization commits the UID before the registry mutation runs; a
	// mutation failure does not refund it.
	req, sig := f.envelope(t, ActionAddExtension, descriptor("payments", "0x2222", "settle(address)"))
	if err := f.svc.AddExtensionWithSignature(ctx, req, sig); !errors.Is(err, extension.ErrDuplicateExtension) {
		t.Fatalf("error = %v, want ErrDuplicateExtension", err)
	}
	if consumed, _ := f.store.IsConsumed(ctx, req.UID); !consumed {
		t.Fatal("uid not consumed despite successful authorization")
	}
}
