package rendezvous

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// HTTPStore is a Store backed by a remote Server.
type HTTPStore struct {
	base   string
	client *http.Client
	poll   time.Duration
}

// NewHTTPStore talks to the server at baseURL (for example http://10.0.0.1:29500).
func NewHTTPStore(baseURL string, client *http.Client) *HTTPStore {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPStore{
		base:   strings.TrimRight(baseURL, "/"),
		client: client,
		poll:   5 * time.Second,
	}
}

func (s *HTTPStore) keyURL(key string) string {
	return s.base + "/v1/kv/" + url.PathEscape(key)
}

func (s *HTTPStore) Set(ctx context.Context, key string, value []byte) error {
	body, err := json.Marshal(Entry{Key: key, Value: value})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.keyURL(key), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "rendezvous set %s", key)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("rendezvous set %s: %s", key, readError(resp))
	}
	return nil
}

// Get long-polls the server until the key appears or ctx ends.
func (s *HTTPStore) Get(ctx context.Context, key string) ([]byte, error) {
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.keyURL(key)+"?wait="+s.poll.String(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.Wrapf(err, "rendezvous get %s", key)
		}
		switch resp.StatusCode {
		case http.StatusOK:
			var entry Entry
			err := decodeJSON(resp.Body, &entry)
			resp.Body.Close()
			if err != nil {
				return nil, errors.Wrapf(err, "rendezvous get %s", key)
			}
			return entry.Value, nil
		case http.StatusNotFound:
			resp.Body.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		default:
			msg := readError(resp)
			resp.Body.Close()
			return nil, errors.Errorf("rendezvous get %s: %s", key, msg)
		}
	}
}

func decodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "decode json")
	}
	return nil
}

func readError(resp *http.Response) string {
	var body errorBody
	if err := decodeJSON(resp.Body, &body); err != nil || body.Error == "" {
		return resp.Status
	}
	return resp.Status + ": " + body.Error
}
