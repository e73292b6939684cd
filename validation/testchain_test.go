package validation

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/peterldowns/testy/assert"
	"github.com/shopspring/decimal"
	"github.com/veraison/go-cose"

	"github.com/cloudx-io/openiico/core"
	"github.com/cloudx-io/openiico/saleapi"
)

const testSaleID = "0b7f7c4e-3f4e-4c1a-9d55-6f1c2b7a9e10"

// es384Protected is the protected header {1: -35}.
var es384Protected = []byte{0xa1, 0x01, 0x38, 0x22}

var testPCRs = map[uint64][]byte{0: {0x01, 0x02}, 1: {0x03, 0x04}, 2: {0x05, 0x06}}

var testPCRSet = PCRSet{PCR0: "0102", PCR1: "0304", PCR2: "0506", CommitHash: "abc123"}

// testChain is a two level P-384 chain standing in for the Nitro PKI.
type testChain struct {
	roots   *x509.CertPool
	rootDER []byte
	leafDER []byte
	leafKey *ecdsa.PrivateKey
}

func newTestChain(t *testing.T) *testChain {
	t.Helper()
	now := time.Now()

	rootKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	assert.NoError(t, err)
	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-root"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &rootKey.PublicKey, rootKey)
	assert.NoError(t, err)
	root, err := x509.ParseCertificate(rootDER)
	assert.NoError(t, err)

	leafKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	assert.NoError(t, err)
	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "test-enclave"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, root, &leafKey.PublicKey, rootKey)
	assert.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(root)
	return &testChain{roots: roots, rootDER: rootDER, leafDER: leafDER, leafKey: leafKey}
}

// attest builds a COSE_Sign1 attestation over userData signed by key.
func (c *testChain) attest(t *testing.T, userData []byte, protected []byte, key *ecdsa.PrivateKey) saleapi.AttestationCOSEBase64 {
	t.Helper()
	payload, err := cbor.Marshal(map[string]any{
		"module_id":   "i-0abc-enc0123",
		"digest":      "SHA384",
		"timestamp":   uint64(time.Now().UnixMilli()),
		"pcrs":        testPCRs,
		"certificate": c.leafDER,
		"cabundle":    [][]byte{c.rootDER},
		"user_data":   userData,
		"nonce":       []byte("attestation-nonce"),
	})
	assert.NoError(t, err)

	toBeSigned, err := cbor.Marshal([]any{"Signature1", protected, []byte{}, payload})
	assert.NoError(t, err)
	signer, err := cose.NewSigner(cose.AlgorithmES384, key)
	assert.NoError(t, err)
	signature, err := signer.Sign(rand.Reader, toBeSigned)
	assert.NoError(t, err)

	envelope, err := cbor.Marshal([]any{protected, map[any]any{}, payload, signature})
	assert.NoError(t, err)
	return saleapi.AttestationCOSE(envelope).EncodeBase64()
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// testSettlement is a finalized three bid sale: alice and bob accepted, carol at the cutoff.
func testSettlement(t *testing.T, chain *testChain) (saleapi.SettlementResponse, []saleapi.BidView) {
	t.Helper()
	bids := []core.Bid{
		{ID: 1, Bidder: "alice", Cap: core.CapOf(dec("30")), Amount: dec("12"), Contributed: dec("12"), Bonus: dec("0.2")},
		{ID: 2, Bidder: "bob", Cap: core.CapOf(dec("20")), Amount: dec("8"), Contributed: dec("8"), Bonus: dec("0.2")},
		{ID: 3, Bidder: "carol", Cap: core.CapOf(dec("10")), Amount: dec("5"), Contributed: dec("5"), Bonus: dec("0.2")},
	}
	cutoff := core.Cutoff{BidID: 3, AcceptedFraction: decimal.Zero, Finalized: true}
	totals := core.Totals{
		Bids:            3,
		AcceptedReal:    dec("20"),
		AcceptedVirtual: dec("24"),
		TokenSupply:     dec("1000"),
		Finalized:       true,
	}
	effects := []core.Effect{
		{BidID: 1, Bidder: "alice", Outcome: core.OutcomeAccepted, Tokens: dec("600"), Refund: decimal.Zero},
		{BidID: 2, Bidder: "bob", Outcome: core.OutcomeAccepted, Tokens: dec("400"), Refund: decimal.Zero},
		{BidID: 3, Bidder: "carol", Outcome: core.OutcomeCutoff, Tokens: decimal.Zero, Refund: dec("5")},
	}

	userData := saleapi.SettlementUserData{
		SaleID:           testSaleID,
		BidCount:         len(bids),
		BidHashNonce:     "bid-nonce",
		CutoffBidID:      uint64(cutoff.BidID),
		AcceptedFraction: cutoff.AcceptedFraction.String(),
		AcceptedVirtual:  totals.AcceptedVirtual.String(),
		AcceptedReal:     totals.AcceptedReal.String(),
		TokenSupply:      totals.TokenSupply.String(),
		SettlementHash:   core.ComputeSettlementHash(cutoff, totals, "settlement-nonce"),
		SettlementNonce:  "settlement-nonce",
		EffectsHash:      core.ComputeEffectsHash(effects, "effects-nonce"),
		EffectsNonce:     "effects-nonce",
		Timestamp:        time.Now(),
	}
	views := make([]saleapi.BidView, 0, len(bids))
	for _, b := range bids {
		userData.BidHashes = append(userData.BidHashes, core.ComputeBidHash(b, "bid-nonce"))
		views = append(views, saleapi.NewBidView(b))
	}
	userDataBytes, err := json.Marshal(userData)
	assert.NoError(t, err)

	resp := saleapi.SettlementResponse{
		Type:            saleapi.TypeSettlement,
		SaleID:          testSaleID,
		Cutoff:          saleapi.NewCutoffView(cutoff),
		Totals:          saleapi.NewTotalsView(totals),
		AttestationCOSE: chain.attest(t, userDataBytes, es384Protected, chain.leafKey),
	}
	for _, e := range effects {
		resp.Effects = append(resp.Effects, saleapi.NewEffectView(e))
	}
	return resp, views
}

func testOptions(chain *testChain) Options {
	return Options{PCRSets: []PCRSet{testPCRSet}, Roots: chain.roots}
}
