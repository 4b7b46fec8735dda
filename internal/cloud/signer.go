package cloud

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

const signMethod = "HMAC-SHA256"

// Signer produces the vendor HMAC signature for a cloud API call.
type Signer struct {
	ClientID string
	Secret   string
}

type SignRequest struct {
	Token     string
	Method    string
	Path      string
	Query     map[string]string
	Body      any
	Timestamp int64
}

// SignedRequest carries everything needed to issue the signed call.
type SignedRequest struct {
	T           string
	ClientID    string
	Sign        string
	AccessToken string
	// Path is the canonical path+query; it must be used as the request URL.
	Path string
	// Body holds the exact bytes that were hashed.
	Body []byte
}

// Header returns the vendor signing headers.
func (s SignedRequest) Header() http.Header {
	h := http.Header{}
	h.Set("client_id", s.ClientID)
	h.Set("sign", s.Sign)
	h.Set("t", s.T)
	h.Set("sign_method", signMethod)
	if s.AccessToken != "" {
		h.Set("access_token", s.AccessToken)
	}
	return h
}

func (s Signer) Sign(req SignRequest) (SignedRequest, error) {
	body, err := encodeBody(req.Body)
	if err != nil {
		return SignedRequest{}, &SigningError{Err: err}
	}
	path := CanonicalPath(req.Path, req.Query)
	sum := sha256.Sum256(body)
	stringToSign := strings.ToUpper(req.Method) + "\n" + hex.EncodeToString(sum[:]) + "\n" + "" + "\n" + path

	ts := strconv.FormatInt(req.Timestamp, 10)
	mac := hmac.New(sha256.New, []byte(s.Secret))
	mac.Write([]byte(s.ClientID + req.Token + ts + stringToSign))

	return SignedRequest{
		T:           ts,
		ClientID:    s.ClientID,
		Sign:        strings.ToUpper(hex.EncodeToString(mac.Sum(nil))),
		AccessToken: req.Token,
		Path:        path,
		Body:        body,
	}, nil
}

// CanonicalPath merges the query embedded in rawPath with extra (extra wins),
// and re-serializes it decoded and sorted by key.
func CanonicalPath(rawPath string, extra map[string]string) string {
	path, rawQuery, _ := strings.Cut(rawPath, "?")
	params := map[string]string{}
	if rawQuery != "" {
		for _, pair := range strings.Split(rawQuery, "&") {
			if pair == "" {
				continue
			}
			k, v, _ := strings.Cut(pair, "=")
			k = unescape(k)
			if _, seen := params[k]; seen {
				continue
			}
			params[k] = unescape(v)
		}
	}
	for k, v := range extra {
		params[k] = v
	}
	if len(params) == 0 {
		return path
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return path + "?" + strings.Join(parts, "&")
}

func unescape(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

func encodeBody(v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return []byte{}, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		return json.Marshal(v)
	}
}
