package rewrite

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"hf-proxy-go/internal/model"
	"hf-proxy-go/internal/proxyurl"
)

// ErrBodyParse is returned when a JSON body does not have the expected shape.
var ErrBodyParse = errors.New("unexpected response body")

// HeaderCasURL carries the chunk service base URL next to a token response.
const HeaderCasURL = "X-Xet-Cas-Url"

// Token rewrites a xet read-token response: casUrl in the body and the
// X-Xet-Cas-Url header both become the same cas-xet proxy URL. All other
// bytes of the body are kept.
func Token(resp *model.ProxyResponse, hostname string) error {
	body, err := readAll(resp)
	if err != nil {
		return err
	}
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("%w: token response is not valid JSON", ErrBodyParse)
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return fmt.Errorf("%w: token response is not an object", ErrBodyParse)
	}
	cas := root.Get("casUrl")
	if cas.Type != gjson.String {
		return fmt.Errorf("%w: token response has no casUrl", ErrBodyParse)
	}

	proxied := proxyurl.Encode(cas.String(), proxyurl.Manifest, hostname)
	body, err = sjson.SetBytes(body, "casUrl", proxied)
	if err != nil {
		return fmt.Errorf("%w: set casUrl: %w", ErrBodyParse, err)
	}

	setJSONBody(resp, body)
	resp.Header.Set(HeaderCasURL, proxied)
	return nil
}

// Manifest rewrites every fetch_info url of a chunk-reconstruction response
// into an hf-proxy URL. Numbers, terms and key order are not touched. It
// returns the number of rewritten URLs.
func Manifest(resp *model.ProxyResponse, hostname string) (int, error) {
	body, err := readAll(resp)
	if err != nil {
		return 0, err
	}
	if !gjson.ValidBytes(body) {
		return 0, fmt.Errorf("%w: reconstruction response is not valid JSON", ErrBodyParse)
	}
	fetchInfo := gjson.GetBytes(body, "fetch_info")
	if !fetchInfo.IsObject() {
		return 0, fmt.Errorf("%w: reconstruction response has no fetch_info object", ErrBodyParse)
	}

	type edit struct{ path, value string }
	var (
		edits    []edit
		shapeErr error
	)
	fetchInfo.ForEach(func(hash, entries gjson.Result) bool {
		if !entries.IsArray() {
			shapeErr = fmt.Errorf("%w: fetch_info[%s] is not an array", ErrBodyParse, hash.String())
			return false
		}
		for i, entry := range entries.Array() {
			u := entry.Get("url")
			if !entry.IsObject() || u.Type != gjson.String {
				shapeErr = fmt.Errorf("%w: fetch_info[%s][%d] has no url", ErrBodyParse, hash.String(), i)
				return false
			}
			edits = append(edits, edit{
				path:  "fetch_info." + escapePathKey(hash.String()) + "." + strconv.Itoa(i) + ".url",
				value: proxyurl.Encode(u.String(), proxyurl.Generic, hostname),
			})
		}
		return true
	})
	if shapeErr != nil {
		return 0, shapeErr
	}

	for _, e := range edits {
		if body, err = sjson.SetBytes(body, e.path, e.value); err != nil {
			return 0, fmt.Errorf("%w: set %s: %w", ErrBodyParse, e.path, err)
		}
	}

	setJSONBody(resp, body)
	return len(edits), nil
}

// readAll drains and closes the upstream body.
func readAll(resp *model.ProxyResponse) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	return body, nil
}

// setJSONBody replaces the response body. The upstream Content-Length no
// longer applies and is dropped.
func setJSONBody(resp *model.ProxyResponse, body []byte) {
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Del("Content-Length")
	resp.Header.Set("Content-Type", "application/json")
}

// pathEscaper escapes the characters sjson treats as path syntax.
var pathEscaper = strings.NewReplacer(
	`\`, `\\`,
	`.`, `\.`,
	`*`, `\*`,
	`?`, `\?`,
	`|`, `\|`,
	`#`, `\#`,
	`@`, `\@`,
)

func escapePathKey(key string) string {
	return pathEscaper.Replace(key)
}
