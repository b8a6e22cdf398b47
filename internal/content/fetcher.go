package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/roach88/scenesync/internal/streamable"
)

// Fetcher retrieves raw content.
type Fetcher interface {
	FetchBytes(ctx context.Context, url string) ([]byte, error)
}

// FetchJSON fetches url and decodes it into T.
func FetchJSON[T any](ctx context.Context, f Fetcher, url string) (T, error) {
	var v T
	data, err := f.FetchBytes(ctx, url)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", url, err)
	}
	return v, nil
}

// MaxContentSize bounds a single fetched body.
const MaxContentSize = 64 << 20

// HTTPFetcher fetches from an HTTP origin. Relative URLs resolve against
// BaseURL.
type HTTPFetcher struct {
	Client  *http.Client
	BaseURL string
}

// FetchBytes implements Fetcher.
func (f *HTTPFetcher) FetchBytes(ctx context.Context, rawURL string) ([]byte, error) {
	target, err := f.resolve(rawURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &NotFoundError{URL: target}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{URL: target, Status: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxContentSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	if len(data) > MaxContentSize {
		return nil, fmt.Errorf("fetch %s: body exceeds %d bytes", target, MaxContentSize)
	}
	return data, nil
}

func (f *HTTPFetcher) resolve(rawURL string) (string, error) {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if ref.IsAbs() || f.BaseURL == "" {
		return ref.String(), nil
	}
	base, err := url.Parse(strings.TrimSuffix(f.BaseURL, "/") + "/")
	if err != nil {
		return "", fmt.Errorf("parse base url %q: %w", f.BaseURL, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// DirFetcher serves content from a local directory. URLs are treated as
// slash-separated paths below the directory and cannot escape it.
type DirFetcher struct {
	Dir string
}

// FetchBytes implements Fetcher.
func (f *DirFetcher) FetchBytes(ctx context.Context, rawURL string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := localName(rawURL)
	if name == "" {
		return nil, &NotFoundError{URL: rawURL}
	}

	root, err := os.OpenRoot(f.Dir)
	if err != nil {
		return nil, fmt.Errorf("open content dir: %w", err)
	}
	defer root.Close()

	file, err := root.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotFoundError{URL: rawURL}
		}
		return nil, fmt.Errorf("open %s: %w", rawURL, err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxContentSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	if len(data) > MaxContentSize {
		return nil, fmt.Errorf("read %s: file exceeds %d bytes", rawURL, MaxContentSize)
	}
	return data, nil
}

// localName maps a URL to a relative file name. Absolute URLs keep only
// their path.
func localName(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.IsAbs() {
		p = u.Path
	}
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "." {
		return ""
	}
	return p
}

// MultiFetcher consults the local source first, then the remote one, as
// permitted by a SourceMask.
type MultiFetcher struct {
	Local  Fetcher
	Remote Fetcher
}

// FetchBytes implements Fetcher with every source permitted.
func (m *MultiFetcher) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	return m.FetchFrom(ctx, url, streamable.SourceAll)
}

// FetchFrom fetches url from the sources allowed by mask. A local miss
// falls through to the remote source.
func (m *MultiFetcher) FetchFrom(ctx context.Context, url string, mask streamable.SourceMask) ([]byte, error) {
	if mask == 0 {
		mask = streamable.SourceAll
	}
	tried := false
	var lastErr error
	if m.Local != nil && mask.Has(streamable.SourceLocal) {
		tried = true
		data, err := m.Local.FetchBytes(ctx, url)
		if err == nil {
			return data, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}
		lastErr = err
	}
	if m.Remote != nil && mask.Has(streamable.SourceRemote) {
		return m.Remote.FetchBytes(ctx, url)
	}
	if !tried {
		return nil, fmt.Errorf("fetch %s from %s: %w", url, mask, ErrNoSource)
	}
	return nil, lastErr
}

// Restrict returns a Fetcher that only consults the sources in mask.
func (m *MultiFetcher) Restrict(mask streamable.SourceMask) Fetcher {
	return maskedFetcher{m: m, mask: mask}
}

type maskedFetcher struct {
	m    *MultiFetcher
	mask streamable.SourceMask
}

func (f maskedFetcher) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	return f.m.FetchFrom(ctx, url, f.mask)
}

// BytesLoader adapts a MultiFetcher to a streamable pipeline.
func BytesLoader(m *MultiFetcher) streamable.LoadFunc[[]byte] {
	return func(ctx context.Context, in streamable.Intention) ([]byte, error) {
		return m.FetchFrom(ctx, in.URL, in.Sources)
	}
}
