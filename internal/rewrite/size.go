package rewrite

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"hf-proxy-go/internal/model"
)

// HeaderLinkedSize is the size header transformers/huggingface_hub read when
// Content-Length is hidden by transfer encoding.
const HeaderLinkedSize = "X-Linked-Size"

// Size makes sure X-Linked-Size is set. The value comes from Content-Length,
// then the transport's known length, then from reading at most maxProbe bytes
// of the body. A body longer than maxProbe keeps streaming without the header.
// It reports whether the header was added.
func Size(resp *model.ProxyResponse, maxProbe int64) (bool, error) {
	if resp.Header.Get(HeaderLinkedSize) != "" {
		return false, nil
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		resp.Header.Set(HeaderLinkedSize, cl)
		return true, nil
	}
	if resp.ContentLength >= 0 {
		resp.Header.Set(HeaderLinkedSize, strconv.FormatInt(resp.ContentLength, 10))
		return true, nil
	}

	orig := resp.Body
	head, err := io.ReadAll(io.LimitReader(orig, maxProbe+1))
	if err != nil {
		_ = orig.Close()
		return false, fmt.Errorf("read upstream body: %w", err)
	}
	if int64(len(head)) > maxProbe {
		resp.Body = &joinedBody{Reader: io.MultiReader(bytes.NewReader(head), orig), closer: orig}
		return false, nil
	}

	_ = orig.Close()
	resp.Body = io.NopCloser(bytes.NewReader(head))
	resp.ContentLength = int64(len(head))
	resp.Header.Set(HeaderLinkedSize, strconv.Itoa(len(head)))
	return true, nil
}

// joinedBody replays a probed prefix before the rest of the upstream stream.
type joinedBody struct {
	io.Reader
	closer io.Closer
}

func (b *joinedBody) Close() error { return b.closer.Close() }
