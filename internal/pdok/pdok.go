// Package pdok talks to the PDOK BGT custom download API: submit an
// extract request for a polygon, poll until the provider has prepared
// the archive, then stream it to disk.
package pdok

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"

	"github.com/geonl/bgtlabel/internal/observability"
	"github.com/geonl/bgtlabel/internal/progress"
)

const (
	DefaultBaseURL = "https://api.pdok.nl"
	customPath     = "/lv/bgt/download/v1_0/full/custom"

	FormatCityGML  = "citygml"
	FormatGMLLight = "gmllight"
	FormatStufGeo  = "stufgeo"
)

// DefaultFeatureTypes is the full BGT feature type catalogue, requested
// when the caller does not narrow the extract.
var DefaultFeatureTypes = []string{
	"bak",
	"begroeidterreindeel",
	"bord",
	"buurt",
	"functioneelgebied",
	"gebouwinstallatie",
	"installatie",
	"kast",
	"kunstwerkdeel",
	"mast",
	"onbegroeidterreindeel",
	"ondersteunendwaterdeel",
	"ondersteunendwegdeel",
	"ongeclassificeerdobject",
	"openbareruimte",
	"openbareruimtelabel",
	"overbruggingsdeel",
	"overigbouwwerk",
	"overigescheiding",
	"paal",
	"pand",
	"plaatsbepalingspunt",
	"put",
	"scheiding",
	"sensor",
	"spoor",
	"stadsdeel",
	"straatmeubilair",
	"tunneldeel",
	"vegetatieobject",
	"waterdeel",
	"waterinrichtingselement",
	"waterschap",
	"wegdeel",
	"weginrichtingselement",
	"wijk",
}

// Handle identifies a submitted extract request and where to poll for
// its status.
type Handle struct {
	RequestID string
	StatusURL string
}

type Client struct {
	BaseURL      string
	HTTPClient   *http.Client
	Logger       *slog.Logger
	Sink         progress.Sink
	PollInterval time.Duration
	ChunkSize    int
}

func NewClient(httpClient *http.Client, logger *slog.Logger, sink progress.Sink) *Client {
	if sink == nil {
		sink = progress.Nop()
	}
	return &Client{
		BaseURL:      DefaultBaseURL,
		HTTPClient:   httpClient,
		Logger:       logger,
		Sink:         sink,
		PollInterval: 200 * time.Millisecond,
		ChunkSize:    32 * 1024,
	}
}

type fetchRequest struct {
	FeatureTypes []string `json:"featuretypes"`
	Format       string   `json:"format"`
	GeoFilter    string   `json:"geofilter"`
}

type link struct {
	Href string `json:"href"`
}

type fetchResponse struct {
	DownloadRequestID string `json:"downloadRequestId"`
	Links             struct {
		Status link `json:"status"`
	} `json:"_links"`
}

type statusResponse struct {
	Progress float64 `json:"progress"`
	Links    struct {
		Download link `json:"download"`
	} `json:"_links"`
}

// Fetch submits an extract request for the polygon and returns the
// handle to poll. The provider answers 202 Accepted on success.
func (c *Client) Fetch(ctx context.Context, geoFilter orb.Polygon, featureTypes []string, format string) (Handle, error) {
	if len(featureTypes) == 0 {
		featureTypes = DefaultFeatureTypes
	}
	if format == "" {
		format = FormatCityGML
	}
	body, err := json.Marshal(fetchRequest{
		FeatureTypes: featureTypes,
		Format:       format,
		GeoFilter:    wkt.MarshalString(geoFilter),
	})
	if err != nil {
		return Handle{}, fmt.Errorf("encode extract request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+customPath, bytes.NewReader(body))
	if err != nil {
		return Handle{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Handle{}, fmt.Errorf("submit extract request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	observability.ObserveUpstreamLatency("pdok", time.Since(start).Seconds())

	if resp.StatusCode != http.StatusAccepted {
		return Handle{}, statusError("submit extract request", resp)
	}
	var fr fetchResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return Handle{}, fmt.Errorf("decode extract response: %w", err)
	}
	if fr.DownloadRequestID == "" || fr.Links.Status.Href == "" {
		return Handle{}, errors.New("extract response missing request id or status link")
	}
	c.Logger.Debug("extract request accepted", "request_id", fr.DownloadRequestID)
	return Handle{
		RequestID: fr.DownloadRequestID,
		StatusURL: c.BaseURL + fr.Links.Status.Href,
	}, nil
}

// Download submits an extract for geoFilter and streams the finished
// archive to dst. Nothing is written to dst until the provider reports
// the archive ready (201), so a failed preparation leaves no partial
// file behind.
func (c *Client) Download(ctx context.Context, geoFilter orb.Polygon, dst string, featureTypes []string, format string) error {
	handle, err := c.Fetch(ctx, geoFilter, featureTypes, format)
	if err != nil {
		return err
	}

	downloadURL, err := c.awaitReady(ctx, handle)
	if err != nil {
		return err
	}
	return c.stream(ctx, downloadURL, dst)
}

// awaitReady polls the status endpoint until the provider answers 201
// Created, then returns the absolute download URL.
func (c *Client) awaitReady(ctx context.Context, handle Handle) (string, error) {
	task := c.Sink.StartTask("prepare "+handle.RequestID, 100)
	defer task.Done()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, handle.StatusURL, nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("poll extract status: %w", err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			var st statusResponse
			err := json.NewDecoder(resp.Body).Decode(&st)
			_ = resp.Body.Close()
			if err != nil {
				return "", fmt.Errorf("decode extract status: %w", err)
			}
			task.Set(st.Progress)
		case http.StatusCreated:
			var st statusResponse
			err := json.NewDecoder(resp.Body).Decode(&st)
			_ = resp.Body.Close()
			if err != nil {
				return "", fmt.Errorf("decode extract status: %w", err)
			}
			if st.Links.Download.Href == "" {
				return "", errors.New("extract ready but no download link")
			}
			task.Set(100)
			return c.BaseURL + st.Links.Download.Href, nil
		default:
			err := statusError("poll extract status", resp)
			_ = resp.Body.Close()
			return "", err
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.PollInterval):
		}
	}
}

func (c *Client) stream(ctx context.Context, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("download archive: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return statusError("download archive", resp)
	}

	total := resp.ContentLength
	if total < 0 {
		c.Logger.Warn("archive content length unknown", "url", url)
		total = progress.Indeterminate
	}
	task := c.Sink.StartTask("download "+dst, total)
	defer task.Done()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}

	buf := make([]byte, c.ChunkSize)
	var written int64
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				_ = out.Close()
				return fmt.Errorf("write %s: %w", dst, werr)
			}
			written += int64(n)
			task.Advance(int64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = out.Close()
			return fmt.Errorf("download archive: %w", rerr)
		}
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	observability.AddDownloadBytes(written)
	c.Logger.Info("archive downloaded", "path", dst, "bytes", written)
	return nil
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s: unexpected status %s: %s", op, resp.Status, bytes.TrimSpace(body))
}
