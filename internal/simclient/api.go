package simclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const sessionHeader = "X-Session-ID"

// buildPaths lists the URLs to try for one resource: the versioned route
// first, then the unversioned one for older backends.
func buildPaths(baseURL string, apiVersion string, parts ...string) []string {
	baseURL = strings.TrimRight(baseURL, "/")
	apiVersion = strings.Trim(apiVersion, "/")
	if baseURL == "" || len(parts) == 0 {
		return nil
	}
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, "/")
		if part == "" {
			return nil
		}
		segments = append(segments, url.PathEscape(part))
	}
	tail := strings.Join(segments, "/")

	paths := make([]string, 0, 2)
	if apiVersion != "" {
		paths = append(paths, baseURL+"/api/"+apiVersion+"/"+tail)
	}
	paths = append(paths, baseURL+"/api/"+tail)
	return paths
}

var errMissingPath = errors.New("simclient: missing path")

// doRequest walks paths until one answers with something other than 404.
// A transport error is only returned when no path produced a response.
func (s *Session) doRequest(ctx context.Context, method string, paths []string, payload []byte) (int, []byte, error) {
	if len(paths) == 0 {
		return 0, nil, errMissingPath
	}
	var (
		lastErr  error
		notFound []byte
		seen404  bool
	)
	for _, path := range paths {
		var body io.Reader
		if len(payload) > 0 {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, path, body)
		if err != nil {
			lastErr = err
			continue
		}
		if len(payload) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set(sessionHeader, s.ID)
		resp, err := s.client.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, nil, ctxErr
			}
			lastErr = err
			continue
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			return resp.StatusCode, bytes.TrimSpace(respBody), nil
		}
		seen404 = true
		notFound = bytes.TrimSpace(respBody)
	}
	if seen404 {
		return http.StatusNotFound, notFound, nil
	}
	return 0, nil, lastErr
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
