package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureAccountValidate(t *testing.T) {
	msg := ConfigureAccount{
		Type:       MsgConfigureAccount,
		DebtorID:   1,
		CreditorID: 2,
		TS:         time.Now().UTC(),
	}
	assert.NoError(t, msg.Validate())

	msg.Type = "SomethingElse"
	assert.Error(t, msg.Validate())
}

func TestPrepareTransferValidate(t *testing.T) {
	msg := PrepareTransfer{
		Type:            MsgPrepareTransfer,
		DebtorID:        1,
		CreditorID:      2,
		CoordinatorType: "direct",
		Recipient:       "3",
		TS:              time.Now().UTC(),
	}
	assert.NoError(t, msg.Validate())

	msg.CoordinatorType = "Not Valid!"
	assert.Error(t, msg.Validate())

	msg.CoordinatorType = "direct"
	msg.Recipient = ""
	assert.Error(t, msg.Validate())
}

func TestFinalizeTransferValidate(t *testing.T) {
	msg := FinalizeTransfer{
		Type:            MsgFinalizeTransfer,
		DebtorID:        1,
		CreditorID:      2,
		TransferID:      1,
		CoordinatorType: "direct",
		CommittedAmount: 40,
		TS:              time.Now().UTC(),
	}
	assert.NoError(t, msg.Validate())

	msg.TransferNoteFormat = "way-too-long-format"
	assert.Error(t, msg.Validate())

	msg.TransferNoteFormat = ""
	msg.CommittedAmount = -1
	assert.Error(t, msg.Validate())
}

func TestDateJSONRoundTrip(t *testing.T) {
	d := Date(time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC))
	b, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"2024-03-07"`, string(b))

	var parsed Date
	require.NoError(t, json.Unmarshal(b, &parsed))
	assert.True(t, d.Time().Equal(parsed.Time()))

	assert.Error(t, json.Unmarshal([]byte(`"07/03/2024"`), &parsed))
}

func TestMessageJSONFieldNames(t *testing.T) {
	msg := AccountTransfer{
		Type:           MsgAccountTransfer,
		DebtorID:       1,
		CreditorID:     2,
		CreationDate:   Date(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		TransferNumber: 1,
		AcquiredAmount: -40,
		Sender:         "2",
		Recipient:      "3",
	}
	b, err := json.Marshal(&msg)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Equal(t, "AccountTransfer", raw["type"])
	assert.Equal(t, "2024-01-01", raw["creation_date"])
	assert.Contains(t, raw, "acquired_amount")
	assert.Contains(t, raw, "previous_transfer_number")
	assert.Contains(t, raw, "transfer_flags")
}

func TestOutgoingMessageRouting(t *testing.T) {
	update := AccountUpdate{DebtorID: 1, CreditorID: 2}
	assert.Equal(t, ExchangeToCreditors, update.Exchange())
	assert.Equal(t, I64ToHexRoutingKey(2), update.RoutingKey())

	// Root account messages go to the debtor.
	rootUpdate := AccountUpdate{DebtorID: 1, CreditorID: RootCreditorID}
	assert.Equal(t, ExchangeToDebtors, rootUpdate.Exchange())
	assert.Equal(t, I64ToHexRoutingKey(1), rootUpdate.RoutingKey())

	rejected := RejectedTransfer{CoordinatorID: 7}
	assert.Equal(t, ExchangeToCoordinators, rejected.Exchange())
	assert.Equal(t, I64ToHexRoutingKey(7), rejected.RoutingKey())

	change := PendingBalanceChange{DebtorID: 1, CreditorID: 3}
	assert.Equal(t, ExchangeAccountsIn, change.Exchange())
	assert.Equal(t, CalcBinRoutingKey(1, 3), change.RoutingKey())
}

func TestParseRootConfigData(t *testing.T) {
	parsed, err := ParseRootConfigData("")
	require.NoError(t, err)
	assert.Zero(t, parsed.InterestRate())

	parsed, err = ParseRootConfigData(`{"type": "RootConfigData", "rate": 5.5}`)
	require.NoError(t, err)
	assert.Equal(t, 5.5, parsed.InterestRate())

	parsed, err = ParseRootConfigData(`{"rate": 0.0, "info": {"iri": "https://example.com/debtors/1/"}}`)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/debtors/1/", parsed.InfoIRI)

	_, err = ParseRootConfigData(`{"rate": 200.0}`)
	assert.Error(t, err)
	_, err = ParseRootConfigData(`{"rate": -51.0}`)
	assert.Error(t, err)
	_, err = ParseRootConfigData(`not json`)
	assert.Error(t, err)
	_, err = ParseRootConfigData(`{"type": "Nonsense"}`)
	assert.Error(t, err)
}
