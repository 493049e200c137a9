package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/dbvideostriketeam/wubloader/internal/config"
	"github.com/dbvideostriketeam/wubloader/pkg/httpclient"
)

// httpBackend uploads to a generic video host:
//
//	POST {url}/videos            multipart: metadata JSON + video bytes
//	GET  {url}/videos/{id}       -> {"state": "...", "link": "..."}
//	PUT  {url}/videos/{id}/metadata
//	PUT  {url}/videos/{id}/thumbnail
//
// The upload itself streams through an io.Pipe and is never retried; a
// broken upload surfaces as an error and the cutter's own retry policy
// decides what happens next. The small JSON calls go through the
// retrying client.
type httpBackend struct {
	base           string
	token          string
	needsTranscode bool
	stream         *http.Client
	api            *httpclient.Client
	logger         *slog.Logger
}

func newHTTPBackend(lc config.LocationConfig, logger *slog.Logger) (*httpBackend, error) {
	if lc.URL == "" {
		return nil, fmt.Errorf("http backend requires url")
	}
	api := httpclient.NewWithDefaults()
	if lc.Token != "" {
		api.SetAuthToken(lc.Token)
	}
	return &httpBackend{
		base:           strings.TrimSuffix(lc.URL, "/"),
		token:          lc.Token,
		needsTranscode: lc.NeedsTranscode,
		// No client timeout: uploads run as long as the video is big.
		stream: &http.Client{},
		api:    api,
		logger: logger,
	}, nil
}

func (b *httpBackend) Capabilities() Capabilities {
	return Capabilities{
		NeedsTranscode: b.needsTranscode,
		EditMetadata:   true,
		SetThumbnail:   true,
	}
}

type httpUpload struct {
	pw       *io.PipeWriter
	form     *multipart.Writer
	part     io.Writer
	result   chan uploadResult
	finished bool
}

type uploadResult struct {
	videoID string
	link    string
	err     error
}

func (b *httpBackend) Begin(ctx context.Context, meta Metadata) (Upload, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+"/videos", pr)
	if err != nil {
		pw.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	result := make(chan uploadResult, 1)
	go func() {
		resp, err := b.stream.Do(req)
		if err != nil {
			pr.CloseWithError(err)
			result <- uploadResult{err: fmt.Errorf("uploading: %w", err)}
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			reason, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			pr.CloseWithError(fmt.Errorf("upload rejected"))
			result <- uploadResult{err: fmt.Errorf("upload rejected: status %d: %s",
				resp.StatusCode, strings.TrimSpace(string(reason)))}
			return
		}
		var body struct {
			ID   string `json:"id"`
			Link string `json:"link"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			result <- uploadResult{err: fmt.Errorf("decoding upload response: %w", err)}
			return
		}
		result <- uploadResult{videoID: body.ID, link: body.Link}
	}()

	metaPart, err := form.CreateFormField("metadata")
	if err != nil {
		pw.CloseWithError(err)
		return nil, err
	}
	if _, err := metaPart.Write(metaJSON); err != nil {
		pw.CloseWithError(err)
		return nil, err
	}
	videoPart, err := form.CreateFormFile("video", "video"+extensionFor(meta.ContentType))
	if err != nil {
		pw.CloseWithError(err)
		return nil, err
	}

	return &httpUpload{pw: pw, form: form, part: videoPart, result: result}, nil
}

func (u *httpUpload) Write(p []byte) (int, error) {
	return u.part.Write(p)
}

func (u *httpUpload) Commit(ctx context.Context) (string, string, error) {
	if u.finished {
		return "", "", fmt.Errorf("upload already finished")
	}
	u.finished = true

	// A refused upload closes the pipe from the response side, which
	// also fails these closes; the server's reason wins over the
	// resulting pipe error.
	closeErr := u.form.Close()
	if closeErr != nil {
		u.pw.CloseWithError(closeErr)
	} else {
		closeErr = u.pw.Close()
	}

	select {
	case res := <-u.result:
		if res.err != nil {
			return "", "", res.err
		}
		if closeErr != nil {
			return "", "", fmt.Errorf("finishing upload: %w", closeErr)
		}
		return res.videoID, res.link, nil
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

func (u *httpUpload) Abort() {
	if u.finished {
		return
	}
	u.finished = true
	u.pw.CloseWithError(fmt.Errorf("upload aborted"))
	<-u.result
}

func (b *httpBackend) QueryStatus(ctx context.Context, videoID string) (Status, string, error) {
	body, err := b.api.GetBytes(ctx, b.base+"/videos/"+videoID)
	if err != nil {
		return "", "", err
	}
	var resp struct {
		State string `json:"state"`
		Link  string `json:"link"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", fmt.Errorf("decoding status: %w", err)
	}
	switch Status(resp.State) {
	case StatusTranscoding, StatusDone, StatusFailed:
		return Status(resp.State), resp.Link, nil
	}
	return "", "", fmt.Errorf("unknown video state %q", resp.State)
}

func (b *httpBackend) putJSON(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.api.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("status %d from %s", resp.StatusCode, url)
	}
	return nil
}

func (b *httpBackend) ModifyMetadata(ctx context.Context, videoID string, meta Metadata) error {
	return b.putJSON(ctx, b.base+"/videos/"+videoID+"/metadata", meta)
}

func (b *httpBackend) SetThumbnail(ctx context.Context, videoID string, image []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.base+"/videos/"+videoID+"/thumbnail", bytes.NewReader(image))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "image/png")
	resp, err := b.api.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("status %d setting thumbnail", resp.StatusCode)
	}
	return nil
}
