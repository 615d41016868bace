package service

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/andybalholm/brotli"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"rewrite-proxy-go/internal/metrics"
	"rewrite-proxy-go/internal/model"
	"rewrite-proxy-go/internal/rewrite"
)

// RewriteError reports a body that could not be rewritten. The proxy
// recovers from it by relaying the original bytes.
type RewriteError struct {
	Stage string // "charset", "decompress", "decode", "encode", "compress"
	Err   error
}

func (e *RewriteError) Error() string {
	return fmt.Sprintf("rewrite body (%s): %v", e.Stage, e.Err)
}

func (e *RewriteError) Unwrap() error { return e.Err }

// rewriteBody replaces upstream references in resp's body with the
// client-visible host. In buffered mode the original body is fully read and
// closed; a read failure is returned and the body is already closed.
func (s *ProxyService) rewriteBody(resp *model.UpstreamResponse, clientHost string) error {
	kind := metrics.NormalizeContentKind(resp.Header.Get("Content-Type"))
	substitute := "//" + clientHost + "/"

	coding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if !supportedCoding(coding) {
		s.logger.Debug("skipping body rewrite for unsupported content-encoding", "encoding", coding)
		s.recordRewrite(kind, metrics.RewriteSkipped)
		return nil
	}

	enc, charsetErr := charsetEncoding(resp.Header.Get("Content-Type"))

	if s.pc.StreamRewrite && isIdentity(coding) {
		if charsetErr != nil {
			s.logger.Warn("relaying body unrewritten", "err", charsetErr)
			s.recordRewrite(kind, metrics.RewriteFallback)
			return nil
		}
		resp.Body = newStreamBody(resp.Body, enc, s.rewriteTarget, substitute)
		resp.ContentLength = -1
		s.recordRewrite(kind, metrics.RewriteStreamed)
		return nil
	}

	raw, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return fmt.Errorf("read upstream body: %w", err)
	}

	out := raw
	switch {
	case charsetErr != nil:
		s.logger.Warn("relaying body unrewritten", "err", charsetErr)
		s.recordRewrite(kind, metrics.RewriteFallback)
	default:
		rewritten, changed, err := rewriteBytes(raw, coding, enc, s.rewriteTarget, substitute)
		switch {
		case err != nil:
			s.logger.Warn("relaying body unrewritten", "err", err)
			s.recordRewrite(kind, metrics.RewriteFallback)
		case changed:
			out = rewritten
			s.recordRewrite(kind, metrics.RewriteChanged)
		default:
			s.recordRewrite(kind, metrics.RewriteUnchanged)
		}
	}

	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.ContentLength = int64(len(out))
	return nil
}

func (s *ProxyService) recordRewrite(kind, result string) {
	if s.metrics != nil {
		s.metrics.BodyRewrites.WithLabelValues(kind, result).Inc()
	}
}

// rewriteBytes undoes the content-coding and charset of raw, replaces target
// with substitute and re-applies both. When nothing matched, raw is returned
// untouched.
func rewriteBytes(raw []byte, coding string, enc encoding.Encoding, target, substitute string) ([]byte, bool, error) {
	plain, err := decompress(raw, coding)
	if err != nil {
		return nil, false, &RewriteError{Stage: "decompress", Err: err}
	}

	text := plain
	if enc != nil {
		if text, err = enc.NewDecoder().Bytes(plain); err != nil {
			return nil, false, &RewriteError{Stage: "decode", Err: err}
		}
	}

	replaced, changed := rewrite.Replace(string(text), target, substitute)
	if !changed {
		return raw, false, nil
	}

	out := []byte(replaced)
	if enc != nil {
		if out, err = enc.NewEncoder().Bytes(out); err != nil {
			return nil, false, &RewriteError{Stage: "encode", Err: err}
		}
	}
	if out, err = compress(out, coding); err != nil {
		return nil, false, &RewriteError{Stage: "compress", Err: err}
	}
	return out, true, nil
}

// charsetEncoding resolves the charset parameter of a Content-Type. It
// returns nil for UTF-8, which is also the default, so bytes are scanned as
// they are.
func charsetEncoding(contentType string) (encoding.Encoding, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, nil
	}
	name := strings.TrimSpace(params["charset"])
	if name == "" {
		return nil, nil
	}

	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, &RewriteError{Stage: "charset", Err: fmt.Errorf("charset %q: %w", name, err)}
	}
	if canonical, _ := htmlindex.Name(enc); canonical == "utf-8" {
		return nil, nil
	}
	return enc, nil
}

func isIdentity(coding string) bool {
	return coding == "" || coding == "identity"
}

func supportedCoding(coding string) bool {
	switch coding {
	case "", "identity", "gzip", "x-gzip", "br":
		return true
	}
	return false
}

func decompress(raw []byte, coding string) ([]byte, error) {
	switch coding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer func() { _ = zr.Close() }()
		return io.ReadAll(zr)
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(raw)))
	}
	return raw, nil
}

func compress(plain []byte, coding string) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser

	switch coding {
	case "gzip", "x-gzip":
		w = gzip.NewWriter(&buf)
	case "br":
		w = brotli.NewWriter(&buf)
	default:
		return plain, nil
	}

	if _, err := w.Write(plain); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// streamBody rewrites the upstream body as it is read.
type streamBody struct {
	io.Reader
	io.Closer
}

func newStreamBody(body io.ReadCloser, enc encoding.Encoding, target, substitute string) io.ReadCloser {
	var t transform.Transformer = rewrite.NewRewriter([]byte(target), []byte(substitute))
	if enc != nil {
		t = transform.Chain(enc.NewDecoder(), t, enc.NewEncoder())
	}
	return streamBody{Reader: transform.NewReader(body, t), Closer: body}
}
