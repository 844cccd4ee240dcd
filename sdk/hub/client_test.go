package hub

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"hubchan/core/channel"
	coreerrors "hubchan/core/errors"
	"hubchan/core/protocol"
	"hubchan/core/types"
	"hubchan/crypto"
)

var params = protocol.Params{DisputeTimeout: 10}

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key
}

func newClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: url, APIKey: "secret", Timeout: time.Second, RetryRate: 1000, RetryBurst: 5})
	require.NoError(t, err)
	return c
}

func TestCounterSignRoundTrip(t *testing.T) {
	user, hubKey := mustKey(t), mustKey(t)
	current := channel.LedgerState{
		ChannelID: common.HexToHash("0x01"),
		PartyA:    user.Address(),
		PartyI:    hubKey.Address(),
		BalanceA:  types.NewBalance(5, 0),
		BalanceI:  types.NewBalance(0, 0),
	}
	update, err := protocol.ProposeLedgerUpdate(params, current, nil, protocol.Pay(types.NewBalance(1, 0)), user)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/ledger/countersign", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, err := uuid.Parse(r.Header.Get(headerIdempotency))
		require.NoError(t, err)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		got, err := protocol.DecodeLedgerUpdate(body)
		require.NoError(t, err)
		sigs, err := channel.SignLedgerState(got.Proposed.State, hubKey)
		require.NoError(t, err)
		got.Proposed.Signatures, err = got.Proposed.Signatures.Merge(sigs)
		require.NoError(t, err)
		// The commitment is left half-signed: the caller must notice.
		raw, err := protocol.EncodeSignedLedgerState(got.Proposed)
		require.NoError(t, err)
		_, _ = w.Write(raw)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL)
	resp, err := c.CounterSignLedger(context.Background(), update)
	require.NoError(t, err)
	require.True(t, resp.FullySigned())
	_, err = protocol.RequestCounterSignature(context.Background(), c, params, update)
	require.ErrorIs(t, err, coreerrors.ErrSignature)
}

func TestRejectionBecomesHubRefused(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, err := protocol.EncodeRejection("UnknownChannel", "no such channel")
		require.NoError(t, err)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).LatestLedger(context.Background(), common.HexToHash("0x01"))
	require.ErrorIs(t, err, protocol.ErrHubRefused)
	require.EqualValues(t, 1, calls.Load())
}

func TestFetchRetriesServerErrors(t *testing.T) {
	payer, payee := mustKey(t), mustKey(t)
	thread, err := channel.SignThreadState(channel.ThreadState{
		ThreadID: common.HexToHash("0x7"),
		Nonce:    1,
		PartyA:   payer.Address(),
		PartyB:   payee.Address(),
		BalanceA: types.NewBalance(2, 0),
		BalanceB: types.NewBalance(1, 0),
	}, payer)
	require.NoError(t, err)
	raw, err := protocol.EncodeSignedThreadState(thread)
	require.NoError(t, err)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/threads/"+thread.State.ThreadID.Hex(), r.URL.Path)
		require.NotEmpty(t, r.Header.Get(headerRequestID))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write(raw)
	}))
	defer srv.Close()

	got, err := newClient(t, srv.URL).LatestThread(context.Background(), thread.State.ThreadID)
	require.NoError(t, err)
	require.NoError(t, got.Verify())
	require.EqualValues(t, 3, calls.Load())
}

func TestPostsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).SubmitPayments(context.Background(), protocol.PaymentBatch{})
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load())
}

func TestMalformedResponseIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"threads":[],"extra":true}`))
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).OpenThreads(context.Background(), common.HexToHash("0x01"))
	require.ErrorIs(t, err, protocol.ErrMalformed)
}
