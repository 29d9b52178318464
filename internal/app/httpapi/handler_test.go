package httpapi

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/R3E-Network/extension_router/internal/app/audit"
	"github.com/R3E-Network/extension_router/internal/app/domain/extension"
	"github.com/R3E-Network/extension_router/internal/app/domain/request"
	"github.com/R3E-Network/extension_router/internal/app/services/authorizer"
	"github.com/R3E-Network/extension_router/internal/app/services/dispatcher"
	"github.com/R3E-Network/extension_router/internal/app/services/permissions"
	"github.com/R3E-Network/extension_router/internal/app/services/registry"
	"github.com/R3E-Network/extension_router/internal/app/services/rewards"
	"github.com/R3E-Network/extension_router/internal/app/signing"
	"github.com/R3E-Network/extension_router/internal/app/storage/memory"
	"github.com/R3E-Network/extension_router/internal/middleware"
)

const owner = "0xowner"

var clock = time.Unix(1700000000, 0).UTC()

type testAPI struct {
	handler    http.Handler
	store      *memory.Store
	domain     signing.Domain
	dispatcher *dispatcher.Service
}

func newTestAPI(t *testing.T) testAPI {
	t.Helper()

	store := memory.New()
	domain := signing.Domain{ChainID: "testnet", Router: "router-test"}
	auth, err := authorizer.New(domain, store, store,
		authorizer.WithClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatalf("new authorizer: %v", err)
	}
	reg, err := registry.New(store, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	perms := permissions.New(store, auth, owner)
	disp := dispatcher.New(reg, auth, perms, owner)
	rewardSvc := rewards.New(store, auth, nil)

	h := NewHandler(Services{
		Registry:    reg,
		Permissions: perms,
		Dispatcher:  disp,
		Rewards:     rewardSvc,
		Metadata:    store,
		Audit:       audit.NewLog(0, nil),
	}, nil)

	return testAPI{handler: h, store: store, domain: domain, dispatcher: disp}
}

func (a testAPI) do(t *testing.T, method, path, caller string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if caller != "" {
		req = req.WithContext(middleware.WithCaller(req.Context(), caller))
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
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

func TestHealthz(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestExtensionCRUDOverHTTP(t *testing.T) {
	a := newTestAPI(t)
	d := descriptor("payments", "0x1111", "pay(address)")

	// Unauthenticated and non-admin callers are rejected.
	if rec := a.do(t, http.MethodPost, "/extensions", "", d); rec.Code != http.StatusForbidden {
		t.Fatalf("anonymous add status = %d", rec.Code)
	}
	if rec := a.do(t, http.MethodPost, "/extensions", "0xstranger", d); rec.Code != http.StatusForbidden {
		t.Fatalf("stranger add status = %d", rec.Code)
	}

	if rec := a.do(t, http.MethodPost, "/extensions", owner, d); rec.Code != http.StatusCreated {
		t.Fatalf("owner add status = %d: %s", rec.Code, rec.Body)
	}
	// Duplicate registration conflicts.
	if rec := a.do(t, http.MethodPost, "/extensions", owner, d); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate add status = %d", rec.Code)
	}

	rec := a.do(t, http.MethodGet, "/extensions/payments", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var got extension.Descriptor
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode descriptor: %v", err)
	}
	if got.Implementation != "0x1111" {
		t.Fatalf("descriptor %+v", got)
	}

	if rec := a.do(t, http.MethodGet, "/extensions/ghost", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing extension status = %d", rec.Code)
	}

	upd := descriptor("payments", "0x2222", "settle(address)")
	if rec := a.do(t, http.MethodPut, "/extensions/payments", owner, upd); rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body)
	}
	sel := extension.SelectorForSignature("settle(address)")
	rec = a.do(t, http.MethodGet, "/selectors/"+sel.String(), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("selector lookup status = %d", rec.Code)
	}
	// The dropped selector no longer resolves.
	old := extension.SelectorForSignature("pay(address)")
	if rec := a.do(t, http.MethodGet, "/selectors/"+old.String(), "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("stale selector status = %d", rec.Code)
	}

	if rec := a.do(t, http.MethodDelete, "/extensions/payments", owner, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := a.do(t, http.MethodDelete, "/extensions/payments", owner, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", rec.Code)
	}
}

func TestDescriptorNameMismatch(t *testing.T) {
	a := newTestAPI(t)
	if rec := a.do(t, http.MethodPost, "/extensions", owner, descriptor("payments", "0x1111", "pay(address)")); rec.Code != http.StatusCreated {
		t.Fatalf("add status = %d", rec.Code)
	}
	d := descriptor("other", "0x1111", "pay(address)")
	if rec := a.do(t, http.MethodPut, "/extensions/payments", owner, d); rec.Code != http.StatusBadRequest {
		t.Fatalf("mismatched name status = %d", rec.Code)
	}
}

func TestBadSelectorParam(t *testing.T) {
	a := newTestAPI(t)
	if rec := a.do(t, http.MethodGet, "/selectors/notahexvalue", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSignedPermissionFlowOverHTTP(t *testing.T) {
	a := newTestAPI(t)

	key, err := signing.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if rec := a.do(t, http.MethodPost, "/admins", owner, map[string]any{
		"account": signing.Address(key), "is_admin": true,
	}); rec.Code != http.StatusNoContent {
		t.Fatalf("set admin status = %d: %s", rec.Code, rec.Body)
	}

	payload, err := json.Marshal(permissions.PermissionPayload{
		Signer:          "0xsigner",
		ApprovedTargets: []string{"0xtarget"},
		SpendLimitPerTx: big.NewInt(100),
		ValidFrom:       clock.Add(-time.Hour).Unix(),
		ValidTo:         clock.Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	req := request.SignedRequest{
		Action:        permissions.ActionSetPermissions,
		Payload:       payload,
		UID:           request.NewUID(),
		ValidityStart: clock.Add(-time.Minute),
		ValidityEnd:   clock.Add(time.Minute),
	}
	digest := signing.RequestDigest(a.domain, req)
	sig := signing.SignDigest(key, digest)
	env := map[string]any{"request": req, "signature": "0x" + hex.EncodeToString(sig)}

	// Dry-run first: valid, nothing written.
	rec := a.do(t, http.MethodPost, "/signed/permissions/verify", "", env)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d: %s", rec.Code, rec.Body)
	}
	var verdict struct {
		Valid  bool   `json:"valid"`
		Signer string `json:"signer"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &verdict); err != nil {
		t.Fatalf("decode verdict: %v", err)
	}
	if !verdict.Valid || verdict.Signer != signing.Address(key) {
		t.Fatalf("verdict %+v", verdict)
	}

	if rec := a.do(t, http.MethodPost, "/signed/permissions/set", "", env); rec.Code != http.StatusOK {
		t.Fatalf("set status = %d: %s", rec.Code, rec.Body)
	}
	// Replaying the same envelope conflicts.
	if rec := a.do(t, http.MethodPost, "/signed/permissions/set", "", env); rec.Code != http.StatusConflict {
		t.Fatalf("replay status = %d", rec.Code)
	}

	if rec := a.do(t, http.MethodGet, "/signers/0xsigner", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("get signer status = %d", rec.Code)
	}
	rec = a.do(t, http.MethodGet, "/signers/0xsigner/active", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("active status = %d", rec.Code)
	}
}

func TestSignedEnvelopeRejectsBadSignatureHex(t *testing.T) {
	a := newTestAPI(t)
	env := map[string]any{
		"request":   request.SignedRequest{Action: "permissions.set", UID: "u"},
		"signature": "zz-not-hex",
	}
	if rec := a.do(t, http.MethodPost, "/signed/permissions/set", "", env); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRewardEndpointsGated(t *testing.T) {
	a := newTestAPI(t)
	body := map[string]any{"token": "GAS", "recipient": "0xrcpt", "amount": 10}

	if rec := a.do(t, http.MethodPost, "/rewards", "0xstranger", body); rec.Code != http.StatusForbidden {
		t.Fatalf("stranger register status = %d", rec.Code)
	}
	rec := a.do(t, http.MethodPost, "/rewards", owner, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("owner register status = %d: %s", rec.Code, rec.Body)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode reward: %v", err)
	}

	// Claim requires the authenticated recipient.
	if rec := a.do(t, http.MethodPost, "/rewards/"+created.ID+"/claim", "", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("anonymous claim status = %d", rec.Code)
	}
	if rec := a.do(t, http.MethodPost, "/rewards/"+created.ID+"/claim", "0xmallory", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("stranger claim status = %d", rec.Code)
	}
	if rec := a.do(t, http.MethodPost, "/rewards/"+created.ID+"/claim", "0xrcpt", nil); rec.Code != http.StatusOK {
		t.Fatalf("recipient claim status = %d: %s", rec.Code, rec.Body)
	}
	if rec := a.do(t, http.MethodPost, "/rewards/"+created.ID+"/claim", "0xrcpt", nil); rec.Code != http.StatusConflict {
		t.Fatalf("double claim status = %d", rec.Code)
	}

	if rec := a.do(t, http.MethodGet, "/rewards/missing", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing reward status = %d", rec.Code)
	}
}

func TestMetadataGatedWrite(t *testing.T) {
	a := newTestAPI(t)

	if rec := a.do(t, http.MethodPut, "/metadata/version", "0xstranger", map[string]string{"value": "1"}); rec.Code != http.StatusForbidden {
		t.Fatalf("stranger write status = %d", rec.Code)
	}
	if rec := a.do(t, http.MethodPut, "/metadata/version", owner, map[string]string{"value": "1"}); rec.Code != http.StatusNoContent {
		t.Fatalf("owner write status = %d", rec.Code)
	}
	rec := a.do(t, http.MethodGet, "/metadata/version", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read status = %d", rec.Code)
	}
	var out map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["value"] != "1" {
		t.Fatalf("value = %q", out["value"])
	}
}

func TestAuditEndpointAdminOnly(t *testing.T) {
	a := newTestAPI(t)

	if rec := a.do(t, http.MethodGet, "/audit", "0xstranger", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("stranger audit status = %d", rec.Code)
	}
	if rec := a.do(t, http.MethodGet, "/audit", owner, nil); rec.Code != http.StatusOK {
		t.Fatalf("owner audit status = %d", rec.Code)
	}
}

func TestDispatchOverHTTP(t *testing.T) {
	a := newTestAPI(t)

	sel := extension.SelectorForSignature("ghost()")
	rec := a.do(t, http.MethodPost, "/dispatch", "", map[string]any{"selector": sel.String()})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown selector status = %d: %s", rec.Code, rec.Body)
	}

	if rec := a.do(t, http.MethodPost, "/extensions", owner, descriptor("echo", "0xecho", "echo(bytes)")); rec.Code != http.StatusCreated {
		t.Fatalf("add status = %d", rec.Code)
	}
	a.dispatcher.BindImplementation("0xecho", dispatcher.HandlerFunc(
		func(_ context.Context, call dispatcher.CallContext) ([]byte, error) {
			return call.Input, nil
		}))

	body := map[string]any{
		"selector": extension.SelectorForSignature("echo(bytes)").String(),
		"input":    []byte("hello"),
	}
	rec = a.do(t, http.MethodPost, "/dispatch", "0xcaller", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("dispatch status = %d: %s", rec.Code, rec.Body)
	}
	var out struct {
		Output []byte `json:"output"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if string(out.Output) != "hello" {
		t.Fatalf("output = %q", out.Output)
	}
}
