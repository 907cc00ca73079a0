package webhook

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/wxgate/internal/config"
	"github.com/mattjoyce/wxgate/internal/metrics"
	"github.com/mattjoyce/wxgate/internal/reply"
	"github.com/mattjoyce/wxgate/internal/storage"
	"github.com/mattjoyce/wxgate/internal/wechat"
)

const (
	testToken       = "test-token"
	testGreeting    = "Welcome to wechat world!"
	testUnsupported = "Only text, please."
)

var fixedNow = time.Unix(1700000000, 0)

// memJournal is an in-memory ExchangeRecorder.
type memJournal struct {
	mu        sync.Mutex
	exchanges []storage.Exchange
	err       error
}

func (m *memJournal) Record(_ context.Context, ex storage.Exchange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.exchanges = append(m.exchanges, ex)
	return nil
}

// decodedReply mirrors the reply envelope for assertions.
type decodedReply struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	Content      string   `xml:"Content"`
	FuncFlag     int      `xml:"FuncFlag"`
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T, strategy reply.Strategy, opts ...Option) *Server {
	t.Helper()
	cfg := Config{
		Listen:      "127.0.0.1:0",
		Path:        "/wechat",
		MaxBodySize: 1024,
		Unsupported: testUnsupported,
	}
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(cfg, testToken, strategy, testLogger(), opts...)
}

func signedQuery(token, timestamp, nonce string) url.Values {
	q := url.Values{}
	q.Set("timestamp", timestamp)
	q.Set("nonce", nonce)
	q.Set("signature", wechat.Sign(token, timestamp, nonce))
	return q
}

func doRequest(h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func textMessage(content string) []byte {
	return []byte("<xml>" +
		"<ToUserName><![CDATA[gh_account]]></ToUserName>" +
		"<FromUserName><![CDATA[o_user]]></FromUserName>" +
		"<CreateTime>1699999999</CreateTime>" +
		"<MsgType><![CDATA[text]]></MsgType>" +
		"<Content><![CDATA[" + content + "]]></Content>" +
		"<MsgId>1234567890123456</MsgId>" +
		"</xml>")
}

func TestHandleVerify(t *testing.T) {
	s := newTestServer(t, reply.FixedText{Text: testGreeting})
	h := s.Handler()

	q := signedQuery(testToken, "1700000000", "nonce-1")
	q.Set("echostr", "echo-me-123")

	rec := doRequest(h, http.MethodGet, "/wechat?"+q.Encode(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "echo-me-123", rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
}

func TestHandleVerify_InvalidSignature(t *testing.T) {
	h := newTestServer(t, reply.FixedText{Text: testGreeting}).Handler()

	tests := []struct {
		name  string
		query url.Values
	}{
		{
			name: "wrong token",
			query: func() url.Values {
				q := signedQuery("other-token", "1700000000", "n")
				q.Set("echostr", "e")
				return q
			}(),
		},
		{
			name: "tampered nonce",
			query: func() url.Values {
				q := signedQuery(testToken, "1700000000", "n")
				q.Set("nonce", "m")
				q.Set("echostr", "e")
				return q
			}(),
		},
		{
			name:  "missing everything",
			query: url.Values{"echostr": {"e"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(h, http.MethodGet, "/wechat?"+tt.query.Encode(), nil)
			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.NotContains(t, rec.Body.String(), "e")
		})
	}
}

func TestHandleVerify_EmptyTokenRejectsEverything(t *testing.T) {
	s := New(Config{Path: "/wechat"}, "", reply.FixedText{Text: testGreeting}, testLogger())

	q := signedQuery("", "1700000000", "n")
	q.Set("echostr", "e")
	rec := doRequest(s.Handler(), http.MethodGet, "/wechat?"+q.Encode(), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleMessage_FixedReply(t *testing.T) {
	h := newTestServer(t, reply.FixedText{Text: testGreeting}).Handler()
	q := signedQuery(testToken, "1700000000", "nonce-2")

	rec := doRequest(h, http.MethodPost, "/wechat?"+q.Encode(), textMessage("hello"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))

	var got decodedReply
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "o_user", got.ToUserName)
	assert.Equal(t, "gh_account", got.FromUserName)
	assert.Equal(t, fixedNow.Unix(), got.CreateTime)
	assert.Equal(t, "text", got.MsgType)
	assert.Equal(t, testGreeting, got.Content)
	assert.Equal(t, 0, got.FuncFlag)
	assert.Contains(t, rec.Body.String(), "<![CDATA["+testGreeting+"]]>")
}

func TestHandleMessage_Echo(t *testing.T) {
	h := newTestServer(t, reply.Echo{}).Handler()
	q := signedQuery(testToken, "1700000000", "nonce-3")

	rec := doRequest(h, http.MethodPost, "/wechat?"+q.Encode(), textMessage("  a < b & c  "))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<![CDATA[You said: a < b & c]]>")
}

func TestHandleMessage_Unsupported(t *testing.T) {
	h := newTestServer(t, reply.FixedText{Text: testGreeting}).Handler()
	q := signedQuery(testToken, "1700000000", "nonce-4")

	tests := []struct {
		name     string
		body     []byte
		wantTo   string
		wantFrom string
	}{
		{
			name: "image",
			body: []byte("<xml><ToUserName>a</ToUserName><FromUserName>u</FromUserName>" +
				"<MsgType>image</MsgType><PicUrl>http://example.com/p.jpg</PicUrl></xml>"),
			wantTo:   "u",
			wantFrom: "a",
		},
		{
			name:     "blank text",
			body:     textMessage("   "),
			wantTo:   "o_user",
			wantFrom: "gh_account",
		},
		{
			name:     "missing content",
			body:     []byte("<xml><ToUserName>a</ToUserName><FromUserName>u</FromUserName></xml>"),
			wantTo:   "u",
			wantFrom: "a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(h, http.MethodPost, "/wechat?"+q.Encode(), tt.body)
			require.Equal(t, http.StatusOK, rec.Code)

			var got decodedReply
			require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, testUnsupported, got.Content)
			assert.Equal(t, tt.wantTo, got.ToUserName)
			assert.Equal(t, tt.wantFrom, got.FromUserName)
		})
	}
}

func TestHandleMessage_NonNumericCreateTime(t *testing.T) {
	h := newTestServer(t, reply.Echo{}).Handler()
	q := signedQuery(testToken, "1700000000", "nonce-4b")

	body := bytes.Replace(textMessage("hello"), []byte("1699999999"), []byte("1.7e9"), 1)
	rec := doRequest(h, http.MethodPost, "/wechat?"+q.Encode(), body)
	require.Equal(t, http.StatusOK, rec.Code)

	var got decodedReply
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "You said: hello", got.Content)
	assert.Equal(t, fixedNow.Unix(), got.CreateTime)
}

func TestHandleMessage_InvalidSignature(t *testing.T) {
	h := newTestServer(t, reply.FixedText{Text: testGreeting}).Handler()
	q := signedQuery("wrong", "1700000000", "nonce-5")

	rec := doRequest(h, http.MethodPost, "/wechat?"+q.Encode(), textMessage("hello"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Body.String())
}

// failingReader fails the test if the handler reads the body.
type failingReader struct{ t *testing.T }

func (f failingReader) Read([]byte) (int, error) {
	f.t.Error("body read before signature verification")
	return 0, io.EOF
}

func TestHandleMessage_InvalidSignatureDoesNotReadBody(t *testing.T) {
	h := newTestServer(t, reply.FixedText{Text: testGreeting}).Handler()
	q := signedQuery("wrong", "1700000000", "n")

	req := httptest.NewRequest(http.MethodPost, "/wechat?"+q.Encode(), failingReader{t: t})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleMessage_EmptyBody(t *testing.T) {
	h := newTestServer(t, reply.FixedText{Text: testGreeting}).Handler()
	q := signedQuery(testToken, "1700000000", "nonce-6")

	rec := doRequest(h, http.MethodPost, "/wechat?"+q.Encode(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestHandleMessage_Malformed(t *testing.T) {
	h := newTestServer(t, reply.FixedText{Text: testGreeting}).Handler()
	q := signedQuery(testToken, "1700000000", "nonce-7")

	bodies := []string{
		"<xml><ToUserName>",
		"not xml at all",
		"   ",
		string(textMessage("hello")) + "<<<not xml",
		string(textMessage("hello")) + string(textMessage("again")),
	}
	for _, body := range bodies {
		t.Run(body, func(t *testing.T) {
			rec := doRequest(h, http.MethodPost, "/wechat?"+q.Encode(), []byte(body))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, rec.Body.String())
		})
	}
}

func TestHandleMessage_TooLarge(t *testing.T) {
	h := newTestServer(t, reply.FixedText{Text: testGreeting}).Handler()
	q := signedQuery(testToken, "1700000000", "nonce-8")

	rec := doRequest(h, http.MethodPost, "/wechat?"+q.Encode(), textMessage(strings.Repeat("x", 2048)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHandleMessage_CDATATerminatorInContent(t *testing.T) {
	h := newTestServer(t, reply.Echo{}).Handler()
	q := signedQuery(testToken, "1700000000", "nonce-9")

	// "]]>" cannot appear inside a single CDATA section, so the inbound
	// message carries it as escaped text.
	body := []byte("<xml><ToUserName>a</ToUserName><FromUserName>u</FromUserName>" +
		"<MsgType>text</MsgType><Content>x ]]&gt; y</Content></xml>")
	rec := doRequest(h, http.MethodPost, "/wechat?"+q.Encode(), body)
	require.Equal(t, http.StatusOK, rec.Code)

	var got decodedReply
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "You said: x ]]> y", got.Content)
}

func TestHandleMessage_RecordsJournal(t *testing.T) {
	j := &memJournal{}
	h := newTestServer(t, reply.Echo{}, WithJournal(j)).Handler()
	q := signedQuery(testToken, "1700000000", "nonce-10")

	rec := doRequest(h, http.MethodPost, "/wechat?"+q.Encode(), textMessage("hi"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(h, http.MethodPost, "/wechat?"+q.Encode(), []byte("<xml><MsgType>image</MsgType><FromUserName>u</FromUserName></xml>"))
	require.Equal(t, http.StatusOK, rec.Code)

	// Rejected and empty requests are not journaled.
	doRequest(h, http.MethodPost, "/wechat?"+q.Encode(), nil)
	doRequest(h, http.MethodPost, "/wechat", textMessage("hi"))

	require.Len(t, j.exchanges, 2)
	first := j.exchanges[0]
	assert.Equal(t, "o_user", first.FromUser)
	assert.Equal(t, "gh_account", first.ToUser)
	assert.Equal(t, "1234567890123456", first.MsgID)
	assert.Equal(t, "hi", first.Content)
	assert.Equal(t, "You said: hi", first.Reply)
	assert.Equal(t, "echo", first.Strategy)
	assert.Equal(t, ExchangeComposed, first.Outcome)
	assert.True(t, fixedNow.Equal(first.ReceivedAt))

	second := j.exchanges[1]
	assert.Equal(t, ExchangeUnsupported, second.Strategy)
	assert.Equal(t, ExchangeUnsupported, second.Outcome)
	assert.Equal(t, testUnsupported, second.Reply)
}

func TestHandleMessage_JournalFailureKeepsReply(t *testing.T) {
	j := &memJournal{err: errors.New("disk full")}
	h := newTestServer(t, reply.FixedText{Text: testGreeting}, WithJournal(j)).Handler()
	q := signedQuery(testToken, "1700000000", "nonce-11")

	rec := doRequest(h, http.MethodPost, "/wechat?"+q.Encode(), textMessage("hi"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), testGreeting)
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t, reply.FixedText{Text: testGreeting}).Handler()

	rec := doRequest(h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	h := newTestServer(t, reply.FixedText{Text: testGreeting}, WithMetrics(m)).Handler()

	ok := signedQuery(testToken, "1700000000", "n")
	doRequest(h, http.MethodPost, "/wechat?"+ok.Encode(), textMessage("hi"))
	doRequest(h, http.MethodPost, "/wechat?"+signedQuery("bad", "1", "n").Encode(), textMessage("hi"))

	rec := doRequest(h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `wxgate_requests_total{kind="message",outcome="replied"} 1`)
	assert.Contains(t, body, `wxgate_requests_total{kind="message",outcome="forbidden"} 1`)
	assert.Contains(t, body, `wxgate_replies_total{strategy="fixed"} 1`)
}

func TestMetricsEndpoint_DisabledWithoutMetrics(t *testing.T) {
	h := newTestServer(t, reply.FixedText{Text: testGreeting}).Handler()

	rec := doRequest(h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownMethodOnPath(t *testing.T) {
	h := newTestServer(t, reply.FixedText{Text: testGreeting}).Handler()

	rec := doRequest(h, http.MethodPut, "/wechat", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestFromGlobalConfig(t *testing.T) {
	global := config.Defaults()
	global.Server.MaxBodySize = "64KB"
	global.Server.Path = "/cb"
	global.Reply.Unsupported = "nope"

	cfg, err := FromGlobalConfig(global)
	require.NoError(t, err)
	assert.Equal(t, int64(64*1024), cfg.MaxBodySize)
	assert.Equal(t, "/cb", cfg.Path)
	assert.Equal(t, ":8000", cfg.Listen)
	assert.Equal(t, "nope", cfg.Unsupported)

	global.Server.MaxBodySize = "lots"
	_, err = FromGlobalConfig(global)
	assert.Error(t, err)

	_, err = FromGlobalConfig(nil)
	assert.Error(t, err)
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultPath, cfg.Path)
	assert.Equal(t, int64(config.DefaultMaxBodySize), cfg.MaxBodySize)
	assert.Equal(t, DefaultReadTimeout, cfg.ReadTimeout)
	assert.Equal(t, DefaultWriteTimeout, cfg.WriteTimeout)
	assert.Equal(t, config.DefaultUnsupported, cfg.Unsupported)

	size, err := config.ParseSize("")
	require.NoError(t, err)
	assert.Equal(t, size, cfg.MaxBodySize)
}

func TestStartShutsDownOnCancel(t *testing.T) {
	s := newTestServer(t, reply.FixedText{Text: testGreeting})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(6 * time.Second):
		t.Fatal("server did not shut down")
	}
}
