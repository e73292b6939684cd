package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/openiico/saleapi"
)

// unsignedSettlement has a well-formed but unsigned attestation.
func unsignedSettlement(t *testing.T) string {
	t.Helper()
	userData, err := json.Marshal(saleapi.SettlementUserData{SaleID: "sale-1"})
	assert.NoError(t, err)
	payload, err := cbor.Marshal(map[string]any{
		"module_id": "test",
		"timestamp": uint64(1767225600000),
		"pcrs":      map[uint64][]byte{0: {0x01}},
		"user_data": userData,
	})
	assert.NoError(t, err)
	envelope, err := cbor.Marshal([]any{[]byte{0xa1, 0x01, 0x38, 0x22}, map[string]any{}, payload, []byte{0x01}})
	assert.NoError(t, err)

	resp := saleapi.SettlementResponse{
		Type:            saleapi.TypeSettlement,
		SaleID:          "sale-1",
		AttestationCOSE: saleapi.AttestationCOSE(envelope).EncodeBase64(),
	}
	data, err := json.Marshal(resp)
	assert.NoError(t, err)

	path := filepath.Join(t.TempDir(), "settlement.json")
	assert.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestRun_InvalidAttestation(t *testing.T) {
	path := unsignedSettlement(t)

	var stdout, stderr bytes.Buffer
	code := run([]string{"--settlement", path, "--format", "json", "--cutoff", "0"}, &stdout, &stderr)
	check.Equal(t, 1, code)
	check.Equal(t, "", stderr.String())

	var out map[string]any
	assert.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	check.Equal(t, false, out["valid"])
	check.Equal(t, false, out["signature_valid"])
	check.Equal(t, true, out["sale_id_valid"])
	_, hasBid := out["bid_hash_valid"]
	check.False(t, hasBid)
}

func TestRun_TextOutputWithBid(t *testing.T) {
	path := unsignedSettlement(t)

	var stdout, stderr bytes.Buffer
	code := run([]string{"--settlement", path, "--bid", `{"type":"get_bid","bid":{"id":1,"bidder":"alice","cap":"30","contributed":"12","bonus":"0.2"}}`}, &stdout, &stderr)
	check.Equal(t, 1, code)
	check.True(t, bytes.Contains(stdout.Bytes(), []byte("Bid Hash Valid:          false")))
	check.True(t, bytes.Contains(stdout.Bytes(), []byte("VALIDATION: ✗ FAILED")))
}

func TestRun_BadInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code int
	}{
		{"help", []string{"--help"}, 0},
		{"missing settlement", nil, 2},
		{"unknown flag", []string{"--nope"}, 2},
		{"malformed settlement", []string{"--settlement", "{not json"}, 2},
		{"undecodable attestation", []string{"--settlement", `{"attestation_cose":"%%%"}`}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			check.Equal(t, tt.code, run(tt.args, &stdout, &stderr))
		})
	}
}
