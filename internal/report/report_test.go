package report

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/stepd/internal/log"
	"github.com/mattjoyce/stepd/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func sampleReport(replyTo string) *protocol.StepReport {
	return &protocol.StepReport{
		ID:          "inst-1",
		JobID:       12,
		StepID:      3,
		Kind:        "launch",
		State:       "completed",
		ReplyTo:     replyTo,
		StartedAt:   time.Now().UTC(),
		CompletedAt: time.Now().UTC(),
	}
}

func TestHTTPCallbackDeliversSignedJSON(t *testing.T) {
	var (
		gotBody []byte
		gotSig  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotSig = r.Header.Get(SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cb := NewHTTPCallback(time.Second, "s3cret")
	require.NoError(t, cb.Report(context.Background(), sampleReport(srv.URL+"/steps/done")))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "inst-1", decoded["id"])
	assert.NotContains(t, decoded, "ReplyTo")
	assert.NoError(t, Verify(gotBody, gotSig, "s3cret"))
	assert.Error(t, Verify(gotBody, gotSig, "other"))
}

func TestHTTPCallbackFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	cb := NewHTTPCallback(time.Second, "")
	err := cb.Report(context.Background(), sampleReport(srv.URL))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")

	assert.Error(t, cb.Report(context.Background(), sampleReport("ftp://example.org/x")))
	assert.NoError(t, cb.Report(context.Background(), sampleReport("")))
}

func TestVerifyFormats(t *testing.T) {
	body := []byte(`{"id":"x"}`)
	sig := Sign(body, "k")
	assert.NoError(t, Verify(body, sig, "k"))
	assert.NoError(t, Verify(body, "sha256="+sig, "k"))
	assert.Error(t, Verify(body, "zz", "k"))
	assert.Error(t, Verify(body, "", "k"))
	assert.Error(t, Verify([]byte("tampered"), sig, "k"))
}

func TestMultiJoinsErrors(t *testing.T) {
	var calls int
	ok := Func(func(context.Context, *protocol.StepReport) error { calls++; return nil })
	boom := errors.New("boom")
	bad := Func(func(context.Context, *protocol.StepReport) error { calls++; return boom })

	err := Multi{ok, nil, bad, ok}.Report(context.Background(), sampleReport(""))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)

	assert.NoError(t, Multi{}.Report(context.Background(), sampleReport("")))
}
