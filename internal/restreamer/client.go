package restreamer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dbvideostriketeam/wubloader/pkg/httpclient"
)

// Client talks to another node's restreamer: listings for the
// backfiller, streamed cuts for the cutter.
type Client struct {
	base string
	http *httpclient.Client
}

// NewClient creates a client for the restreamer at base, e.g.
// "http://node2:8080". hc may be nil.
func NewClient(base string, hc *httpclient.Client) *Client {
	if hc == nil {
		hc = httpclient.NewWithDefaults()
	}
	return &Client{base: strings.TrimSuffix(base, "/"), http: hc}
}

// Base returns the base URL this client talks to.
func (c *Client) Base() string { return c.base }

func (c *Client) url(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.base + "/" + strings.Join(escaped, "/")
}

func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	body, err := c.http.GetBytes(ctx, u)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s: %w", u, err)
	}
	return nil
}

// Channels lists the channels the peer archives.
func (c *Client) Channels(ctx context.Context) ([]string, error) {
	var resp struct {
		Channels []string `json:"channels"`
	}
	if err := c.getJSON(ctx, c.url("files"), &resp); err != nil {
		return nil, err
	}
	return resp.Channels, nil
}

// Qualities lists the qualities the peer archives for a channel.
func (c *Client) Qualities(ctx context.Context, channel string) ([]string, error) {
	var resp struct {
		Qualities []string `json:"qualities"`
	}
	if err := c.getJSON(ctx, c.url("files", channel), &resp); err != nil {
		return nil, err
	}
	return resp.Qualities, nil
}

// Hours lists the hour buckets the peer has for a channel and quality.
func (c *Client) Hours(ctx context.Context, channel, quality string) ([]string, error) {
	var resp struct {
		Hours []string `json:"hours"`
	}
	if err := c.getJSON(ctx, c.url("files", channel, quality), &resp); err != nil {
		return nil, err
	}
	return resp.Hours, nil
}

// SegmentNames lists the segment filenames in one hour bucket. A
// missing hour is an empty list.
func (c *Client) SegmentNames(ctx context.Context, channel, quality, hour string) ([]string, error) {
	var resp struct {
		Segments []SegmentInfo `json:"segments"`
	}
	if err := c.getJSON(ctx, c.url("files", channel, quality, hour), &resp); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(resp.Segments))
	for _, seg := range resp.Segments {
		names = append(names, seg.Name)
	}
	return names, nil
}

// GetSegment opens a streamed download of one segment file. The caller
// must close the returned body.
func (c *Client) GetSegment(ctx context.Context, channel, quality, hour, name string) (io.ReadCloser, error) {
	resp, err := c.http.Get(ctx, c.url("segments", channel, quality, hour, name))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetching segment %s/%s/%s/%s: status %d", channel, quality, hour, name, resp.StatusCode)
	}
	return resp.Body, nil
}

// Frame fetches a single PNG frame at the given instant.
func (c *Client) Frame(ctx context.Context, channel, quality string, at time.Time) ([]byte, error) {
	u := fmt.Sprintf("%s/frame/%s/%s.png?timestamp=%s",
		c.base, url.PathEscape(channel), url.PathEscape(quality),
		url.QueryEscape(at.UTC().Format(time.RFC3339Nano)))
	return c.http.GetBytes(ctx, u)
}

// ExtraFiles lists the relative paths present in a shared auxiliary
// directory on the peer.
func (c *Client) ExtraFiles(ctx context.Context, dir string) ([]string, error) {
	var resp struct {
		Files []string `json:"files"`
	}
	if err := c.getJSON(ctx, c.url("extras", dir), &resp); err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// GetExtraFile opens a streamed download of one auxiliary file.
func (c *Client) GetExtraFile(ctx context.Context, dir, rel string) (io.ReadCloser, error) {
	u := c.url("extras", dir) + "/" + rel
	resp, err := c.http.Get(ctx, u)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetching %s/%s: status %d", dir, rel, resp.StatusCode)
	}
	return resp.Body, nil
}

// CutRequest is the body of a POST cut against a peer restreamer. It
// mirrors the fields an event row carries.
type CutRequest = cutBody

// StatusError is a non-200 response from a peer restreamer, carrying
// the status code so callers can tell a refused request from a server
// failure.
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Reason)
}

// Cut starts a cut on the peer and returns the streamed result. A 4xx
// response is returned as an error carrying the server's reason.
func (c *Client) Cut(ctx context.Context, channel, quality string, cr CutRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(cr)
	if err != nil {
		return nil, fmt.Errorf("encoding cut request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("cut", channel, quality), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		reason, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("cut refused: %w", &StatusError{
			Code:   resp.StatusCode,
			Reason: strings.TrimSpace(string(reason)),
		})
	}
	return resp.Body, nil
}
