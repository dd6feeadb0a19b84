package handler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldoneme/quote-approval-service/internal/errors"
	"github.com/oldoneme/quote-approval-service/internal/metrics"
	"github.com/oldoneme/quote-approval-service/internal/repository"
	"github.com/oldoneme/quote-approval-service/internal/wecom"
)

const (
	testToken       = "callback-token"
	testEncodingKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	testCorpID      = "corp-1"
)

type fakeEventLedger struct {
	inserted []*repository.ExternalEvent
	seen     map[string]bool
	fail     bool
}

func (f *fakeEventLedger) Insert(ctx context.Context, evt *repository.ExternalEvent) error {
	if f.fail {
		return errors.New(errors.ErrCodeInternal, "ledger down")
	}
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[evt.EventID] {
		return errors.Newf(errors.ErrCodeDuplicate, "event %s already recorded", evt.EventID)
	}
	f.seen[evt.EventID] = true
	f.inserted = append(f.inserted, evt)
	return nil
}

type fakeErrLog struct {
	entries []string // "classification: message"
}

func (f *fakeErrLog) Record(ctx context.Context, classification, message, payload string) error {
	f.entries = append(f.entries, classification+": "+message)
	return nil
}

func (f *fakeErrLog) classifications() []string {
	var out []string
	for _, e := range f.entries {
		out = append(out, strings.SplitN(e, ":", 2)[0])
	}
	return out
}

type fakeApplier struct {
	applied []*wecom.ApprovalEvent
	err     error
}

func (f *fakeApplier) ApplyExternalChange(ctx context.Context, evt *wecom.ApprovalEvent) error {
	f.applied = append(f.applied, evt)
	return f.err
}

type fakeDetailFetcher struct {
	detail *wecom.ApprovalDetail
	err    error
	calls  int
}

func (f *fakeDetailFetcher) GetApprovalDetail(ctx context.Context, approvalNumber string) (*wecom.ApprovalDetail, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.detail, nil
}

type callbackFixture struct {
	handler  *CallbackHandler
	codec    *wecom.Codec
	ledger   *fakeEventLedger
	errLog   *fakeErrLog
	applier  *fakeApplier
	platform *fakeDetailFetcher
}

func newCallbackFixture(t *testing.T) *callbackFixture {
	t.Helper()
	codec, err := wecom.NewCodec(testToken, testEncodingKey, testCorpID)
	require.NoError(t, err)

	f := &callbackFixture{
		codec:    codec,
		ledger:   &fakeEventLedger{},
		errLog:   &fakeErrLog{},
		applier:  &fakeApplier{},
		platform: &fakeDetailFetcher{},
	}
	f.handler = NewCallbackHandler(codec, f.ledger, f.errLog, f.applier, f.platform, metrics.Noop{}, zerolog.Nop())
	return f
}

// signedRequest encrypts plaintext, wraps it in the platform's XML body and
// builds a correctly signed POST.
func (f *callbackFixture) signedRequest(t *testing.T, plaintext string) *http.Request {
	t.Helper()
	cipher, err := f.codec.Encrypt([]byte(plaintext))
	require.NoError(t, err)
	return f.requestFor(t, cipher)
}

func (f *callbackFixture) requestFor(t *testing.T, cipher string) *http.Request {
	t.Helper()
	body := fmt.Sprintf("<xml><Encrypt><![CDATA[%s]]></Encrypt></xml>", cipher)
	sig := f.codec.Signature("1700000000", "nonce1", cipher)
	target := fmt.Sprintf("/callback/approval?msg_signature=%s&timestamp=1700000000&nonce=nonce1", sig)
	return httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
}

func approvalXML(spNo, thirdNo string, status int) string {
	return fmt.Sprintf(
		"<xml><Event><![CDATA[sys_approval_change]]></Event><ApprovalInfo><SpNo>%s</SpNo><ThirdNo>%s</ThirdNo><SpStatus>%d</SpStatus></ApprovalInfo></xml>",
		spNo, thirdNo, status)
}

func TestVerifyEchoesDecryptedChallenge(t *testing.T) {
	f := newCallbackFixture(t)

	cipher, err := f.codec.Encrypt([]byte("echo-challenge-7391"))
	require.NoError(t, err)
	sig := f.codec.Signature("1700000000", "n1", cipher)

	target := fmt.Sprintf("/callback/verify?msg_signature=%s&timestamp=1700000000&nonce=n1&echostr=%s",
		sig, url.QueryEscape(cipher))
	rec := httptest.NewRecorder()
	f.handler.Verify(rec, httptest.NewRequest(http.MethodGet, target, nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "echo-challenge-7391", rec.Body.String())
	assert.Empty(t, f.errLog.entries)
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	f := newCallbackFixture(t)

	cipher, err := f.codec.Encrypt([]byte("challenge"))
	require.NoError(t, err)

	target := fmt.Sprintf("/callback/verify?msg_signature=wrong&timestamp=1700000000&nonce=n1&echostr=%s",
		url.QueryEscape(cipher))
	rec := httptest.NewRecorder()
	f.handler.Verify(rec, httptest.NewRequest(http.MethodGet, target, nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, []string{repository.ErrClassSignature}, f.errLog.classifications())
}

func TestApprovalAppliesVerifiedEvent(t *testing.T) {
	f := newCallbackFixture(t)

	rec := httptest.NewRecorder()
	f.handler.Approval(rec, f.signedRequest(t, approvalXML("SP100", "q1", 2)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", rec.Body.String())

	require.Len(t, f.applier.applied, 1)
	evt := f.applier.applied[0]
	assert.Equal(t, "SP100", evt.ApprovalNumber)
	assert.Equal(t, "q1", evt.CorrelationID)
	assert.Equal(t, 2, evt.RawStatus)

	require.Len(t, f.ledger.inserted, 1)
	assert.Equal(t, "SP100:q1:2", f.ledger.inserted[0].EventID, "synthesized event id")
	assert.Empty(t, f.errLog.entries)
}

func TestApprovalRedeliveryAcksWithoutReapplying(t *testing.T) {
	f := newCallbackFixture(t)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		f.handler.Approval(rec, f.signedRequest(t, approvalXML("SP100", "q1", 2)))
		assert.Equal(t, "success", rec.Body.String())
	}

	assert.Len(t, f.applier.applied, 1, "only the first delivery reaches the engine")
	assert.Len(t, f.ledger.inserted, 1)
}

func TestApprovalRejectsBadSignatureWithoutDecrypting(t *testing.T) {
	f := newCallbackFixture(t)

	cipher, err := f.codec.Encrypt([]byte(approvalXML("SP100", "q1", 2)))
	require.NoError(t, err)
	body := fmt.Sprintf("<xml><Encrypt>%s</Encrypt></xml>", cipher)
	target := "/callback/approval?msg_signature=forged&timestamp=1700000000&nonce=n1"

	rec := httptest.NewRecorder()
	f.handler.Approval(rec, httptest.NewRequest(http.MethodPost, target, strings.NewReader(body)))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, []string{repository.ErrClassSignature}, f.errLog.classifications())
	assert.Contains(t, f.errLog.entries[0], string(errors.ErrCodeUnauthenticated),
		"ledger entry keeps the error code")
	assert.Empty(t, f.applier.applied)
	assert.Empty(t, f.ledger.inserted, "nothing persisted before authentication")
}

func TestApprovalRejectsTamperedCiphertext(t *testing.T) {
	f := newCallbackFixture(t)

	// Sign garbage correctly: the signature passes, decryption must not.
	rec := httptest.NewRecorder()
	f.handler.Approval(rec, f.requestFor(t, "bm90LXJlYWwtY2lwaGVydGV4dC1ibG9iAAAAAAAAAAA="))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, []string{repository.ErrClassDecrypt}, f.errLog.classifications())
	assert.Contains(t, f.errLog.entries[0], string(errors.ErrCodeBadCipher))
	assert.Empty(t, f.applier.applied)
}

func TestApprovalAcksUnparseablePlaintext(t *testing.T) {
	f := newCallbackFixture(t)

	rec := httptest.NewRecorder()
	f.handler.Approval(rec, f.signedRequest(t, "<xml><Unrelated>stuff</Unrelated></xml>"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", rec.Body.String(), "redelivery would not help, so stop the retries")
	assert.Equal(t, []string{repository.ErrClassParse}, f.errLog.classifications())
	assert.Empty(t, f.applier.applied)
	assert.Empty(t, f.ledger.inserted)
}

func TestApprovalResolvesUnknownStatusViaDetailFetch(t *testing.T) {
	f := newCallbackFixture(t)
	f.platform.detail = &wecom.ApprovalDetail{ApprovalNumber: "SP100", CorrelationID: "q1", RawStatus: 3}

	rec := httptest.NewRecorder()
	f.handler.Approval(rec, f.signedRequest(t, approvalXML("SP100", "q1", 9)))

	assert.Equal(t, "success", rec.Body.String())
	assert.Equal(t, 1, f.platform.calls)
	require.Len(t, f.applier.applied, 1)
	assert.Equal(t, 3, f.applier.applied[0].RawStatus, "status replaced by the authoritative detail")
	assert.Empty(t, f.errLog.entries)
}

func TestApprovalLedgersUnresolvableStatus(t *testing.T) {
	f := newCallbackFixture(t)
	f.platform.err = errors.New(errors.ErrCodeUnavailable, "platform down")

	rec := httptest.NewRecorder()
	f.handler.Approval(rec, f.signedRequest(t, approvalXML("SP100", "q1", 9)))

	assert.Equal(t, "success", rec.Body.String())
	assert.Equal(t, []string{repository.ErrClassUnknownStatus}, f.errLog.classifications())
	assert.Empty(t, f.applier.applied)
	assert.Len(t, f.ledger.inserted, 1, "event is still recorded for audit")
}

func TestApprovalReturns500WhenLedgerUnavailable(t *testing.T) {
	f := newCallbackFixture(t)
	f.ledger.fail = true

	rec := httptest.NewRecorder()
	f.handler.Approval(rec, f.signedRequest(t, approvalXML("SP100", "q1", 2)))

	assert.Equal(t, http.StatusInternalServerError, rec.Code, "platform must redeliver")
	assert.Empty(t, f.applier.applied)
}

func TestApprovalAcksWhenApplyFails(t *testing.T) {
	f := newCallbackFixture(t)
	f.applier.err = errors.NotFound("quote", "q-missing")

	rec := httptest.NewRecorder()
	f.handler.Approval(rec, f.signedRequest(t, approvalXML("SP999", "q-missing", 2)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", rec.Body.String(), "event is ledgered; redelivery would change nothing")
}

func TestApprovalKeepsExplicitEventID(t *testing.T) {
	f := newCallbackFixture(t)

	payload := `{"Event":"sys_approval_change","EventID":"evt-42","ApprovalInfo":{"SpNo":"SP100","ThirdNo":"q1","SpStatus":4}}`
	rec := httptest.NewRecorder()
	f.handler.Approval(rec, f.signedRequest(t, payload))

	assert.Equal(t, "success", rec.Body.String())
	require.Len(t, f.ledger.inserted, 1)
	assert.Equal(t, "evt-42", f.ledger.inserted[0].EventID)
}
