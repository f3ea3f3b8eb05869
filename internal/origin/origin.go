// Package origin is the client the job pipeline uses for the two GETs the
// transcode lifecycle needs against the upstream media server: metadata,
// then a streamed file download. Both are authenticated by an opaque
// token appended as a query parameter; TLS verification is configurable
// (defaulting to off, since self-signed origins are the common case, see
// DESIGN.md Open Question 2).
//
// The metadata response is decoded into a fully-typed record with every
// optional field explicit instead of dynamic JSON chain-access: a missing
// part key becomes a precise OriginError, not a null-chain bug.
package origin

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/clearreel/transcode-worker/pkg/models"
)

// Metadata is the subset of the origin's metadata response the pipeline
// needs.
type Metadata struct {
	PartKey    string
	DurationMS int64
}

// Client talks to the upstream media server.
type Client struct {
	httpClient *http.Client
}

// New builds a Client. insecureSkipVerify controls TLS verification
// against the origin; it defaults on since self-signed origins are the
// common case, but is exposed as a switch (see DESIGN.md Open Question 2).
func New(insecureSkipVerify bool) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 0, // streaming download must not be bounded by a fixed timeout
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: insecureSkipVerify},
			},
		},
	}
}

// metadataResponse mirrors the origin's JSON shape with every optional
// hop made explicit, instead of reading Media[0].Part[0].key dynamically.
type metadataResponse struct {
	MediaContainer struct {
		Metadata []struct {
			Duration int64 `json:"duration"`
			Media    []struct {
				Part []struct {
					Key string `json:"key"`
				} `json:"Part"`
			} `json:"Media"`
		} `json:"Metadata"`
	} `json:"MediaContainer"`
}

// FetchMetadata gets the origin's metadata for ratingKey. A response
// decoding successfully but missing a part key yields a Metadata with an
// empty PartKey (DurationMS is still filled in when the metadata item is
// present); the caller (internal/pipeline) is responsible for turning
// that into the "metadata_incomplete" terminal failure, since an empty
// part key is a legitimate, not-erroneous, shape to decode.
func (c *Client) FetchMetadata(ctx context.Context, creds models.OriginCredentials, ratingKey string) (Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	u := fmt.Sprintf("%s/library/metadata/%s?token=%s",
		creds.OriginBaseURL, ratingKey, url.QueryEscape(creds.OriginToken))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Metadata{}, &Error{Op: "metadata", Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Metadata{}, &Error{Op: "metadata", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Metadata{}, &Error{Op: "metadata", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var raw metadataResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Metadata{}, &Error{Op: "metadata", Err: fmt.Errorf("decode: %w", err)}
	}

	if len(raw.MediaContainer.Metadata) == 0 {
		return Metadata{}, nil
	}
	item := raw.MediaContainer.Metadata[0]
	if len(item.Media) == 0 || len(item.Media[0].Part) == 0 {
		return Metadata{DurationMS: item.Duration}, nil
	}

	return Metadata{
		PartKey:    item.Media[0].Part[0].Key,
		DurationMS: item.Duration,
	}, nil
}

// Download streams partKey from the origin to destPath.
func (c *Client) Download(ctx context.Context, creds models.OriginCredentials, partKey, destPath string) error {
	u := fmt.Sprintf("%s%s?download=1&token=%s",
		creds.OriginBaseURL, partKey, url.QueryEscape(creds.OriginToken))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &Error{Op: "download", Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Op: "download", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &Error{Op: "download", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	f, err := os.Create(destPath)
	if err != nil {
		return &Error{Op: "download", Err: fmt.Errorf("create %s: %w", destPath, err)}
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return &Error{Op: "download", Err: fmt.Errorf("stream to %s: %w", destPath, err)}
	}
	return nil
}

// pingTimeout bounds the metadata GET only; download has no fixed
// deadline since it streams whatever size the origin reports.
const pingTimeout = 30 * time.Second
