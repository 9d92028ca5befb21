package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"
)

// httpManagerLoader implements transport.ConfigLoader against the
// cluster-manager REST endpoint, fetching the terse bucket config
// document this module's bucketconfig.Parse understands. It is the one
// concrete network implementation this repo carries, scoped to this
// diagnostic CLI — pkg/transport itself stays a pure interface so hosts
// embedding the module supply their own.
type httpManagerLoader struct {
	client *http.Client
}

func newHTTPManagerLoader(timeout time.Duration, insecureSkipVerify bool) *httpManagerLoader {
	return &httpManagerLoader{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: insecureSkipVerify},
			},
		},
	}
}

func (l *httpManagerLoader) Load(ctx context.Context, host string, port uint16, bucket string) ([]byte, error) {
	scheme := "http"
	if port == 18091 {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s:%d/pools/default/b/%s", scheme, host, port, bucket)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building config request to %s: %w", host, err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching config from %s: %w", host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching config from %s: status %d", host, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading config body from %s: %w", host, err)
	}
	return body, nil
}

// unsupportedKVLoader always fails, forcing Provider.loadFromSeed to fall
// back to the HTTP manager loader. This probe never speaks the key-value
// binary protocol.
type unsupportedKVLoader struct{}

func (unsupportedKVLoader) Load(ctx context.Context, host string, port uint16, bucket string) ([]byte, error) {
	return nil, fmt.Errorf("key-value config loading is not implemented by this probe")
}
