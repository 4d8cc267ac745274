// Package httpx builds and drives the HTTP/HTTPS leg of a download:
// request construction (Range, cookies, POST body, proxy auth),
// redirect following with same-host credential carry, and HTTP Digest
// authentication. Grounded on the teacher's concurrent/worker.go
// (Range header, User-Agent, status handling) and
// internal/utils/filename.go (Content-Disposition via
// github.com/vfaronov/httpheader, magic sniffing via
// github.com/h2non/filetype).
package httpx

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	engineerrors "github.com/surge-downloader/surge/internal/engine/errors"
	"github.com/surge-downloader/surge/internal/engine/types"
	"github.com/vfaronov/httpheader"
)

// RequestSpec describes one outbound HTTP request's customization,
// independent of the connection/transport it rides over.
type RequestSpec struct {
	Method   string
	URL      string
	RangeLo  int64
	RangeHi  int64 // inclusive; -1 means open-ended
	Headers  map[string]string
	Cookies  string
	PostData []byte
	UserAgent string
}

// BuildRequest constructs an *http.Request from spec, setting the
// Range header (when RangeLo is non-negative; open-ended when RangeHi
// is negative), User-Agent,
// cookies, and any caller-supplied headers.
func BuildRequest(spec RequestSpec) (*http.Request, error) {
	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(spec.PostData) > 0 {
		body = bytes.NewReader(spec.PostData)
	}

	req, err := http.NewRequest(method, spec.URL, body)
	if err != nil {
		return nil, engineerrors.New(engineerrors.KindFatal, err)
	}

	ua := spec.UserAgent
	if ua == "" {
		ua = (*types.RuntimeConfig)(nil).GetUserAgent()
	}
	req.Header.Set("User-Agent", ua)

	if spec.RangeLo >= 0 {
		if spec.RangeHi >= 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", spec.RangeLo, spec.RangeHi))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", spec.RangeLo))
		}
	}
	if spec.Cookies != "" {
		req.Header.Set("Cookie", spec.Cookies)
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

// ClassifyStatus maps an HTTP status code to the engine's error
// taxonomy for non-2xx responses; ok reports whether the status
// should be treated as success (200 or 206).
func ClassifyStatus(status int) (err *engineerrors.EngineError, ok bool) {
	switch {
	case status == http.StatusOK || status == http.StatusPartialContent:
		return nil, true
	case status == http.StatusTooManyRequests:
		return engineerrors.WithStatus(engineerrors.KindTransient, status, fmt.Errorf("rate limited")), false
	case status == http.StatusUnauthorized || status == http.StatusProxyAuthRequired:
		return engineerrors.WithStatus(engineerrors.KindAuth, status, fmt.Errorf("authentication required")), false
	case status >= 500:
		return engineerrors.WithStatus(engineerrors.KindTransient, status, fmt.Errorf("server error")), false
	case status >= 400:
		return engineerrors.WithStatus(engineerrors.KindProtocol, status, fmt.Errorf("client error")), false
	default:
		return engineerrors.WithStatus(engineerrors.KindProtocol, status, fmt.Errorf("unexpected status")), false
	}
}

// SameHost reports whether a redirect target shares a host with the
// original request, the gate for carrying Authorization/Cookie headers
// across a redirect per spec.md §6.
func SameHost(original, redirect *url.URL) bool {
	return strings.EqualFold(original.Hostname(), redirect.Hostname())
}

// CarryCredentials copies Authorization and Cookie headers from prev
// onto next, only when next targets the same host as prev.
func CarryCredentials(prev *http.Request, next *http.Request) {
	if !SameHost(prev.URL, next.URL) {
		return
	}
	if auth := prev.Header.Get("Authorization"); auth != "" {
		next.Header.Set("Authorization", auth)
	}
	if cookie := prev.Header.Get("Cookie"); cookie != "" {
		next.Header.Set("Cookie", cookie)
	}
}

// ParseContentDisposition extracts a suggested filename from a
// response's Content-Disposition header, if present.
func ParseContentDisposition(resp *http.Response) string {
	cd, _, err := httpheader.ContentDisposition(resp.Header)
	if err != nil {
		return ""
	}
	if name, ok := cd.Params["filename"]; ok {
		return name
	}
	return ""
}

// RetryWithDigest answers a single 401/407 Digest challenge on resp by
// re-issuing req with an Authorization (or Proxy-Authorization) header
// computed from username/password, per spec.md §7's "only one digest
// retry per Connection" rule — callers must not loop this. ok reports
// whether a retry was actually attempted; it's false (with a nil
// error) when there's no credentials, no Digest challenge, or the
// original body couldn't be drained cleanly enough to reuse the
// connection, in which case the caller should fall back to treating
// the original response as terminal.
func RetryWithDigest(client *http.Client, req *http.Request, resp *http.Response, username, password string) (retried *http.Response, ok bool, err error) {
	if username == "" && password == "" {
		return nil, false, nil
	}

	challengeHeader := "WWW-Authenticate"
	authHeader := "Authorization"
	if resp.StatusCode == http.StatusProxyAuthRequired {
		challengeHeader = "Proxy-Authenticate"
		authHeader = "Proxy-Authorization"
	}

	challenge := resp.Header.Get(challengeHeader)
	if !strings.HasPrefix(challenge, "Digest ") {
		return nil, false, nil
	}
	if !DrainAndClose(resp) {
		return nil, false, nil
	}

	da, err := NewDigestAuth(username, password, challenge)
	if err != nil {
		return nil, false, nil
	}

	retryReq := req.Clone(req.Context())
	retryReq.Header.Set(authHeader, da.Authorization(retryReq.Method, retryReq.URL.RequestURI()))
	if retryReq.Body == nil && req.GetBody != nil {
		body, berr := req.GetBody()
		if berr == nil {
			retryReq.Body = body
		}
	}

	newResp, err := client.Do(retryReq)
	if err != nil {
		return nil, true, err
	}
	return newResp, true, nil
}

// DrainAndClose reads resp.Body to EOF and closes it, reporting
// whether the body was fully consumed without error — the condition
// spec.md §9's 407 keep-alive-reuse heuristic requires before a
// connection may be reused for the Digest-retried request.
func DrainAndClose(resp *http.Response) bool {
	defer resp.Body.Close()
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return false
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return false
	}
	return true
}

// DigestAuth computes an HTTP Digest Authorization header value per
// RFC 2617's MD5 qop=auth algorithm, for the single retry spec.md §7
// allows after a 401/407 WWW/Proxy-Authenticate challenge.
type DigestAuth struct {
	Username string
	Password string
	Realm    string
	Nonce    string
	Opaque   string
	Qop      string
	Algorithm string
	nc       int
}

// NewDigestAuth parses a WWW-Authenticate (or Proxy-Authenticate)
// Digest challenge header value into a DigestAuth ready to answer it.
func NewDigestAuth(username, password, challenge string) (*DigestAuth, error) {
	params := parseDigestParams(challenge)
	d := &DigestAuth{
		Username:  username,
		Password:  password,
		Realm:     params["realm"],
		Nonce:     params["nonce"],
		Opaque:    params["opaque"],
		Qop:       firstQop(params["qop"]),
		Algorithm: params["algorithm"],
	}
	if d.Nonce == "" {
		return nil, fmt.Errorf("digest challenge missing nonce")
	}
	return d, nil
}

func firstQop(qop string) string {
	parts := strings.Split(qop, ",")
	if len(parts) == 0 {
		return ""
	}
	return strings.TrimSpace(parts[0])
}

func parseDigestParams(challenge string) map[string]string {
	challenge = strings.TrimPrefix(strings.TrimSpace(challenge), "Digest ")
	out := make(map[string]string)
	for _, field := range splitDigestFields(challenge) {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		out[key] = val
	}
	return out
}

// splitDigestFields splits a comma-separated Digest field list while
// respecting quoted commas (e.g. inside a domain="/a,/b" param).
func splitDigestFields(s string) []string {
	var fields []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case ',':
			if inQuotes {
				cur.WriteRune(r)
			} else {
				fields = append(fields, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return fmt.Sprintf("%x", sum)
}

// Authorization computes the Authorization header value for method and
// uri (the request-target), incrementing the internal nonce-count.
func (d *DigestAuth) Authorization(method, uri string) string {
	d.nc++
	cnonce := md5Hex(fmt.Sprintf("%s:%d", d.Nonce, d.nc))[:16]
	nc := fmt.Sprintf("%08x", d.nc)

	ha1 := md5Hex(fmt.Sprintf("%s:%s:%s", d.Username, d.Realm, d.Password))
	ha2 := md5Hex(fmt.Sprintf("%s:%s", method, uri))

	var response string
	if d.Qop != "" {
		response = md5Hex(fmt.Sprintf("%s:%s:%s:%s:%s:%s", ha1, d.Nonce, nc, cnonce, d.Qop, ha2))
	} else {
		response = md5Hex(fmt.Sprintf("%s:%s:%s", ha1, d.Nonce, ha2))
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		d.Username, d.Realm, d.Nonce, uri, response)
	if d.Opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, d.Opaque)
	}
	if d.Qop != "" {
		fmt.Fprintf(&b, `, qop=%s, nc=%s, cnonce="%s"`, d.Qop, nc, cnonce)
	}
	return b.String()
}
