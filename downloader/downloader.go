// Package downloader saves a remote media file to disk in sequential byte
// ranges, resuming from a partial ".tmp" file when one exists.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ytget/teraproxy/client"
	"github.com/ytget/teraproxy/internal/logger"
)

const (
	defaultChunkSizeBytes = 4 << 20  // 4MB
	temporaryFileSuffix   = ".tmp"   // suffix for temp download
	copyBufferSizeBytes   = 32 << 10 // 32KB

	headerRange         = "Range"
	headerContentRange  = "Content-Range"
	headerContentLength = "Content-Length"
	headerAccept        = "Accept"
	headerAcceptEnc     = "Accept-Encoding"
)

// ErrEmptyDownload is returned when the origin delivered no bytes.
var ErrEmptyDownload = errors.New("empty download: 0 bytes written")

// Progress holds information about download progress.
type Progress struct {
	TotalSize      int64
	DownloadedSize int64
	Percent        float64
}

// Downloader fetches media with chunked range requests and optional rate
// limiting. Each chunk is requested exactly once; a failed chunk aborts the
// download and leaves the temporary file for a later resume.
type Downloader struct {
	Client       *client.Client
	ProgressFunc func(Progress)

	chunkSize    int64
	rateLimitBps int64
	log          *logger.ComponentLogger
}

// New creates a new downloader instance with sane defaults.
// If c is nil, a client without an overall timeout is used. rateLimitBps=0
// disables limiting.
func New(c *client.Client, progressFunc func(Progress), rateLimitBps int64) *Downloader {
	if c == nil {
		c = client.NewWith(client.Config{Timeout: -1})
	}
	if rateLimitBps < 0 {
		rateLimitBps = 0
	}
	return &Downloader{
		Client:       c,
		ProgressFunc: progressFunc,
		chunkSize:    defaultChunkSizeBytes,
		rateLimitBps: rateLimitBps,
		log:          logger.WithComponent(logger.ComponentDownloader),
	}
}

// WithChunkSize overrides the range size; non-positive values are ignored.
func (d *Downloader) WithChunkSize(n int64) *Downloader {
	if n > 0 {
		d.chunkSize = n
	}
	return d
}

// WithLogger replaces the component logger.
func (d *Downloader) WithLogger(l *logger.Logger) *Downloader {
	if l != nil {
		d.log = l.WithComponent(logger.ComponentDownloader)
	}
	return d
}

func (d *Downloader) newRequest(ctx context.Context, method, urlStr, rangeVal string) (*http.Request, error) {
	req, err := d.Client.NewRequest(ctx, method, urlStr)
	if err != nil {
		return nil, err
	}
	req.Header.Set(headerAccept, "*/*")
	req.Header.Set(headerAcceptEnc, "identity")
	if rangeVal != "" {
		req.Header.Set(headerRange, rangeVal)
	}
	return req, nil
}

// totalFromHeaders reads the full size from Content-Range ("bytes 0-0/1234")
// or, failing that, from Content-Length of a non-partial answer.
func totalFromHeaders(resp *http.Response) (int64, bool) {
	if cr := resp.Header.Get(headerContentRange); cr != "" {
		if i := strings.LastIndexByte(cr, '/'); i >= 0 {
			if v, err := strconv.ParseInt(strings.TrimSpace(cr[i+1:]), 10, 64); err == nil {
				return v, true
			}
		}
	}
	if resp.StatusCode == http.StatusOK {
		if v, err := strconv.ParseInt(resp.Header.Get(headerContentLength), 10, 64); err == nil && v >= 0 {
			return v, true
		}
	}
	return 0, false
}

// detectTotalSize probes the origin with a one-byte range request.
func (d *Downloader) detectTotalSize(ctx context.Context, urlStr string) (int64, error) {
	req, err := d.newRequest(ctx, http.MethodGet, urlStr, "bytes=0-0")
	if err != nil {
		return 0, err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("probe: HTTP status %d", resp.StatusCode)
	}
	if v, ok := totalFromHeaders(resp); ok {
		return v, nil
	}
	return 0, errors.New("cannot determine total size")
}

// sleepForRate enforces simple rate limit based on bytes written in this step.
func (d *Downloader) sleepForRate(ctx context.Context, written int64) error {
	if d.rateLimitBps <= 0 || written <= 0 {
		return nil
	}
	dur := time.Duration(int64(time.Second) * written / d.rateLimitBps)
	if dur <= 0 {
		return nil
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Download saves urlStr to outputPath and returns the number of bytes in the
// final file. Data is written to outputPath+".tmp" and renamed on success.
func (d *Downloader) Download(ctx context.Context, urlStr string, outputPath string) (int64, error) {
	tmpPath := outputPath + temporaryFileSuffix
	outFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open temp file: %w", err)
	}
	defer func() { _ = outFile.Close() }()

	info, err := outFile.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat temp file: %w", err)
	}
	downloaded := info.Size()

	totalSize, err := d.detectTotalSize(ctx, urlStr)
	if err != nil {
		d.log.Warn("total size unknown, downloading in one request", logger.Fields{"error": err.Error()})
		totalSize = 0
	}
	if totalSize > 0 && downloaded > totalSize {
		d.log.Warn("temp file larger than remote, restarting", logger.Fields{"path": tmpPath})
		downloaded = 0
	}
	if _, err := outFile.Seek(downloaded, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek temp file: %w", err)
	}
	if err := outFile.Truncate(downloaded); err != nil {
		return 0, fmt.Errorf("truncate temp file: %w", err)
	}
	d.log.Info("download started", logger.Fields{"path": outputPath, "resume_from": downloaded, "total": totalSize})

	if totalSize == 0 {
		// Unknown size: fetch everything in one pass.
		if _, err := outFile.Seek(0, io.SeekStart); err != nil {
			return 0, err
		}
		if err := outFile.Truncate(0); err != nil {
			return 0, err
		}
		downloaded, err = d.fetchRange(ctx, urlStr, "", outFile, 0, 0)
		if err != nil {
			return downloaded, err
		}
	}

	for totalSize > 0 && downloaded < totalSize {
		end := downloaded + d.chunkSize - 1
		if end >= totalSize {
			end = totalSize - 1
		}
		rangeVal := fmt.Sprintf("bytes=%d-%d", downloaded, end)
		downloaded, err = d.fetchRange(ctx, urlStr, rangeVal, outFile, downloaded, totalSize)
		if err != nil {
			return downloaded, err
		}
	}

	if err := outFile.Close(); err != nil {
		return downloaded, fmt.Errorf("close temp file: %w", err)
	}
	if downloaded == 0 {
		_ = os.Remove(tmpPath)
		return 0, ErrEmptyDownload
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return downloaded, fmt.Errorf("rename temp file: %w", err)
	}
	d.log.Info("download complete", logger.Fields{"path": outputPath, "bytes": downloaded})
	return downloaded, nil
}

// fetchRange requests one range and appends it to out, returning the new
// downloaded offset. An origin that ignores Range and answers 200 restarts
// the file from zero.
func (d *Downloader) fetchRange(ctx context.Context, urlStr, rangeVal string, out *os.File, downloaded, totalSize int64) (int64, error) {
	req, err := d.newRequest(ctx, http.MethodGet, urlStr, rangeVal)
	if err != nil {
		return downloaded, err
	}
	d.log.Debug("requesting range", logger.Fields{"range": rangeVal})
	resp, err := d.Client.Do(req)
	if err != nil {
		return downloaded, fmt.Errorf("download chunk failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return downloaded, fmt.Errorf("download chunk failed: HTTP status %d", resp.StatusCode)
	}
	if rangeVal != "" && resp.StatusCode == http.StatusOK && downloaded > 0 {
		d.log.Warn("origin ignored range request, restarting", nil)
		if _, err := out.Seek(0, io.SeekStart); err != nil {
			return 0, err
		}
		if err := out.Truncate(0); err != nil {
			return 0, err
		}
		downloaded = 0
	}

	buf := make([]byte, copyBufferSizeBytes)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return downloaded, fmt.Errorf("write chunk: %w", werr)
			}
			downloaded += int64(n)
			d.report(downloaded, totalSize)
			if err := d.sleepForRate(ctx, int64(n)); err != nil {
				return downloaded, err
			}
		}
		if rerr == io.EOF {
			return downloaded, nil
		}
		if rerr != nil {
			return downloaded, fmt.Errorf("read response body: %w", rerr)
		}
	}
}

func (d *Downloader) report(downloaded, total int64) {
	if d.ProgressFunc == nil {
		return
	}
	p := Progress{TotalSize: total, DownloadedSize: downloaded}
	if total > 0 {
		p.Percent = float64(downloaded) / float64(total) * 100
	}
	d.ProgressFunc(p)
}
