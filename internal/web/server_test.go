package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raine/gemini-image-analyzer/internal/analysis"
	"github.com/raine/gemini-image-analyzer/internal/imagestore"
	"github.com/raine/gemini-image-analyzer/internal/llm"
	"github.com/raine/gemini-image-analyzer/internal/session"
)

var pngData = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01")

type stubAnalyzer struct {
	mu      sync.Mutex
	prompts []string
	text    string
	err     error
}

func (a *stubAnalyzer) AnalyzeImage(ctx context.Context, imageData []byte, mimeType, prompt string) (*llm.AnalysisResult, error) {
	a.mu.Lock()
	a.prompts = append(a.prompts, prompt)
	text, err := a.text, a.err
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &llm.AnalysisResult{Text: text, Model: "stub"}, nil
}

func (a *stubAnalyzer) Prompts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.prompts...)
}

type testEnv struct {
	ts       *httptest.Server
	client   *http.Client
	sessions *session.Manager
	previews *imagestore.PreviewRegistry
}

func newTestEnv(t *testing.T, analyzer llm.Analyzer) *testEnv {
	t.Helper()
	previews := imagestore.NewPreviewRegistry()
	sessions := session.NewManager(session.Options{Analyzer: analyzer, Previews: previews}, time.Hour)
	ts := httptest.NewServer(NewRouter(Options{Sessions: sessions, Previews: previews}))
	t.Cleanup(func() {
		ts.Close()
		sessions.CloseAll()
	})
	return &testEnv{ts: ts, client: newClient(t), sessions: sessions, previews: previews}
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar, Timeout: 5 * time.Second}
}

func (e *testEnv) upload(t *testing.T, name string, data []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", name)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := e.client.Post(e.ts.URL+"/api/image", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) analyze(t *testing.T, prompt string) *http.Response {
	t.Helper()
	payload, err := json.Marshal(analyzeRequest{Prompt: prompt})
	require.NoError(t, err)
	resp, err := e.client.Post(e.ts.URL+"/api/analyze", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) state(t *testing.T) stateResponse {
	t.Helper()
	resp, err := e.client.Get(e.ts.URL + "/api/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st stateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return st
}

func (e *testEnv) waitSettled(t *testing.T) stateResponse {
	t.Helper()
	var st stateResponse
	require.Eventually(t, func() bool {
		st = e.state(t)
		return st.Status != analysis.StatusAnalyzing
	}, 5*time.Second, 10*time.Millisecond)
	return st
}

func getBody(t *testing.T, client *http.Client, url string) (int, string) {
	t.Helper()
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestSessionCookieIssuedOnce(t *testing.T) {
	env := newTestEnv(t, &stubAnalyzer{})

	resp := env.upload(t, "tiny.png", pngData)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)

	resp = env.upload(t, "other.png", pngData)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Cookies(), "known session must not get a new cookie")

	stateResp, err := env.client.Get(env.ts.URL + "/api/state")
	require.NoError(t, err)
	stateResp.Body.Close()
	assert.Empty(t, stateResp.Cookies())
	assert.Equal(t, 1, env.sessions.Len())
}

func TestCookielessReadsCreateNoSession(t *testing.T) {
	env := newTestEnv(t, &stubAnalyzer{})

	paths := []string{"/", "/api/state", "/preview/unknown"}
	for i := 0; i < 5; i++ {
		for _, path := range paths {
			// A fresh client each time, like a crawler without a cookie jar
			resp, err := http.Get(env.ts.URL + path)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Empty(t, resp.Cookies(), path)
		}
	}

	req, err := http.NewRequest(http.MethodDelete, env.ts.URL+"/api/image", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, http.StatusConflict, env.analyze(t, "").StatusCode)
	assert.Equal(t, 0, env.sessions.Len())
}

func TestInitialStateIsIdle(t *testing.T) {
	env := newTestEnv(t, &stubAnalyzer{})

	st := env.state(t)
	assert.Equal(t, analysis.StatusIdle, st.Status)
	assert.Nil(t, st.Image)
}

func TestUploadAndAnalyze(t *testing.T) {
	analyzer := &stubAnalyzer{text: "A small test image."}
	env := newTestEnv(t, analyzer)

	resp := env.upload(t, "tiny.png", pngData)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st stateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.NotNil(t, st.Image)
	assert.Equal(t, "tiny.png", st.Image.Name)
	assert.Equal(t, "image/png", st.Image.MIMEType)
	assert.Equal(t, len(pngData), st.Image.Size)

	resp = env.analyze(t, "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	st = env.waitSettled(t)
	assert.Equal(t, analysis.StatusSuccess, st.Status)
	assert.Equal(t, "A small test image.", st.Data)
	assert.Equal(t, []string{""}, analyzer.Prompts())
}

func TestAnalyzeForwardsPrompt(t *testing.T) {
	analyzer := &stubAnalyzer{text: "3 people"}
	env := newTestEnv(t, analyzer)

	require.Equal(t, http.StatusOK, env.upload(t, "tiny.png", pngData).StatusCode)
	require.Equal(t, http.StatusAccepted, env.analyze(t, "Count the people").StatusCode)
	env.waitSettled(t)

	assert.Equal(t, []string{"Count the people"}, analyzer.Prompts())
	assert.Equal(t, "Count the people", env.state(t).Prompt)
}

func TestAnalyzeFailureShowsMessage(t *testing.T) {
	env := newTestEnv(t, &stubAnalyzer{err: errors.New("quota exceeded")})

	require.Equal(t, http.StatusOK, env.upload(t, "tiny.png", pngData).StatusCode)
	require.Equal(t, http.StatusAccepted, env.analyze(t, "").StatusCode)

	st := env.waitSettled(t)
	assert.Equal(t, analysis.StatusError, st.Status)
	assert.Equal(t, "quota exceeded", st.Message)
}

func TestAnalyzeWithoutImage(t *testing.T) {
	analyzer := &stubAnalyzer{text: "unused"}
	env := newTestEnv(t, analyzer)

	resp := env.analyze(t, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, session.ErrNoImage.Error(), body["error"])

	assert.Equal(t, analysis.StatusIdle, env.state(t).Status)
	assert.Empty(t, analyzer.Prompts())
}

func TestAnalyzeOversizedFormBody(t *testing.T) {
	analyzer := &stubAnalyzer{text: "unused"}
	env := newTestEnv(t, analyzer)
	require.Equal(t, http.StatusOK, env.upload(t, "tiny.png", pngData).StatusCode)

	body := "prompt=" + strings.Repeat("a", maxAnalyzeBody+1)
	resp, err := env.client.Post(env.ts.URL+"/api/analyze", "application/x-www-form-urlencoded", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, analysis.StatusIdle, env.state(t).Status)
	assert.Empty(t, analyzer.Prompts())
}

func TestAnalyzeFormPrompt(t *testing.T) {
	analyzer := &stubAnalyzer{text: "ok"}
	env := newTestEnv(t, analyzer)
	require.Equal(t, http.StatusOK, env.upload(t, "tiny.png", pngData).StatusCode)

	resp, err := env.client.Post(env.ts.URL+"/api/analyze", "application/x-www-form-urlencoded", strings.NewReader("prompt=Read+the+sign"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	env.waitSettled(t)
	assert.Equal(t, []string{"Read the sign"}, analyzer.Prompts())
}

func TestUploadRejections(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		status int
	}{
		{name: "plain text", data: []byte("hello, this is not an image"), status: http.StatusUnsupportedMediaType},
		{name: "empty file", data: nil, status: http.StatusUnsupportedMediaType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, &stubAnalyzer{})

			require.Equal(t, http.StatusOK, env.upload(t, "tiny.png", pngData).StatusCode)
			before := env.state(t)

			resp := env.upload(t, "notes.txt", tt.data)
			assert.Equal(t, tt.status, resp.StatusCode)

			after := env.state(t)
			require.NotNil(t, after.Image, "previous selection must be kept")
			assert.Equal(t, before.Image.PreviewURL, after.Image.PreviewURL)
		})
	}
}

func TestUploadMissingFile(t *testing.T) {
	env := newTestEnv(t, &stubAnalyzer{})

	resp, err := env.client.Post(env.ts.URL+"/api/image", "application/x-www-form-urlencoded", strings.NewReader("x=1"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUploadTooLarge(t *testing.T) {
	previews := imagestore.NewPreviewRegistry()
	sessions := session.NewManager(session.Options{Analyzer: &stubAnalyzer{}, Previews: previews}, time.Hour)
	ts := httptest.NewServer(NewRouter(Options{Sessions: sessions, Previews: previews, MaxUploadBytes: 16}))
	defer ts.Close()
	defer sessions.CloseAll()

	env := &testEnv{ts: ts, client: newClient(t), sessions: sessions, previews: previews}
	resp := env.upload(t, "big.png", append(pngData, make([]byte, 64)...))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Nil(t, env.state(t).Image)
}

func TestPreviewLifecycle(t *testing.T) {
	env := newTestEnv(t, &stubAnalyzer{})

	resp := env.upload(t, "tiny.png", pngData)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	previewURL := env.state(t).Image.PreviewURL

	previewResp, err := env.client.Get(env.ts.URL + previewURL)
	require.NoError(t, err)
	data, err := io.ReadAll(previewResp.Body)
	previewResp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, previewResp.StatusCode)
	assert.Equal(t, "image/png", previewResp.Header.Get("Content-Type"))
	assert.Equal(t, pngData, data)

	// Another browser cannot read it
	status, _ := getBody(t, newClient(t), env.ts.URL+previewURL)
	assert.Equal(t, http.StatusNotFound, status)

	req, err := http.NewRequest(http.MethodDelete, env.ts.URL+"/api/image", nil)
	require.NoError(t, err)
	delResp, err := env.client.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusOK, delResp.StatusCode)

	status, _ = getBody(t, env.client, env.ts.URL+previewURL)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, 0, env.previews.Len())
}

func TestReplacingImageResetsResult(t *testing.T) {
	env := newTestEnv(t, &stubAnalyzer{text: "first"})

	require.Equal(t, http.StatusOK, env.upload(t, "a.png", pngData).StatusCode)
	first := env.state(t).Image.PreviewURL
	require.Equal(t, http.StatusAccepted, env.analyze(t, "").StatusCode)
	require.Equal(t, analysis.StatusSuccess, env.waitSettled(t).Status)

	require.Equal(t, http.StatusOK, env.upload(t, "b.png", pngData).StatusCode)
	st := env.state(t)
	assert.Equal(t, analysis.StatusIdle, st.Status)
	assert.Empty(t, st.Data)
	assert.NotEqual(t, first, st.Image.PreviewURL)
	assert.Equal(t, 1, env.previews.Len())
}

func TestIndexPage(t *testing.T) {
	env := newTestEnv(t, &stubAnalyzer{text: "**Cat** on a <mat>\n\nSecond line"})

	status, body := getBody(t, env.client, env.ts.URL+"/")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `id="analyze" type="button" disabled`)

	require.Equal(t, http.StatusOK, env.upload(t, "tiny.png", pngData).StatusCode)
	_, body = getBody(t, env.client, env.ts.URL+"/")
	assert.NotContains(t, body, `id="analyze" type="button" disabled`)
	assert.Contains(t, body, env.state(t).Image.PreviewURL)

	require.Equal(t, http.StatusAccepted, env.analyze(t, "").StatusCode)
	env.waitSettled(t)

	_, body = getBody(t, env.client, env.ts.URL+"/")
	assert.Contains(t, body, "<p><strong>Cat</strong> on a &lt;mat&gt;</p>")
	assert.Contains(t, body, "<p>Second line</p>")
}

// gateAnalyzer blocks until release is closed or the call is cancelled.
type gateAnalyzer struct {
	release chan struct{}
}

func (a gateAnalyzer) AnalyzeImage(ctx context.Context, imageData []byte, mimeType, prompt string) (*llm.AnalysisResult, error) {
	select {
	case <-a.release:
		return &llm.AnalysisResult{Text: "done"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestIndexPageLocksInputsWhileAnalyzing(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, gateAnalyzer{release: release})

	require.Equal(t, http.StatusOK, env.upload(t, "tiny.png", pngData).StatusCode)
	_, body := getBody(t, env.client, env.ts.URL+"/")
	assert.Contains(t, body, `<div id="dropzone">`)
	assert.Contains(t, body, `class="hidden">`)
	assert.NotContains(t, body, `<textarea id="prompt" placeholder="Describe this image in detail." disabled>`)

	require.Equal(t, http.StatusAccepted, env.analyze(t, "").StatusCode)
	_, body = getBody(t, env.client, env.ts.URL+"/")
	assert.Contains(t, body, `<div id="dropzone" class="busy" aria-disabled="true">`)
	assert.Contains(t, body, `<input id="file" type="file" accept="image/*" class="hidden" disabled>`)
	assert.Contains(t, body, `<textarea id="prompt" placeholder="Describe this image in detail." disabled>`)
	assert.Contains(t, body, `id="analyze" type="button" disabled`)

	close(release)
	require.Equal(t, analysis.StatusSuccess, env.waitSettled(t).Status)
	_, body = getBody(t, env.client, env.ts.URL+"/")
	assert.Contains(t, body, `<div id="dropzone">`)
	assert.NotContains(t, body, `accept="image/*" class="hidden" disabled>`)
}

func TestFormatResult(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []template.HTML
	}{
		{name: "plain", in: "A dog.", want: []template.HTML{"A dog."}},
		{name: "bold spans", in: "**Color:** red and **Size:** big", want: []template.HTML{"<strong>Color:</strong> red and <strong>Size:</strong> big"}},
		{name: "lines become paragraphs", in: "one\n\ntwo\n", want: []template.HTML{"one", "two"}},
		{name: "unclosed marker", in: "**not bold", want: []template.HTML{"**not bold"}},
		{name: "escapes html", in: "**<b>x</b>**", want: []template.HTML{"<strong>&lt;b&gt;x&lt;/b&gt;</strong>"}},
		{name: "empty", in: "", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatResult(tt.in))
		})
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	env := newTestEnv(t, &stubAnalyzer{})

	status, body := getBody(t, env.client, env.ts.URL+"/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body)

	env.state(t)
	status, body = getBody(t, env.client, env.ts.URL+"/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "analyzer_http_requests_total")
	assert.Contains(t, body, `path="/api/state"`)
	assert.Contains(t, body, "analyzer_sessions_live")
}

func TestCORSAllowList(t *testing.T) {
	previews := imagestore.NewPreviewRegistry()
	sessions := session.NewManager(session.Options{Analyzer: &stubAnalyzer{}, Previews: previews}, time.Hour)
	defer sessions.CloseAll()
	handler := NewRouter(Options{Sessions: sessions, Previews: previews, CORSOrigins: []string{"https://app.example.com"}})

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	req = httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
