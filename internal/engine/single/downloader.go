// Package single implements the fallback downloader for servers that
// don't support byte ranges: one connection, no resume. Adapted from
// the teacher's later revision (other_examples'
// internal/engine/single/downloader.go), rewired to dial through
// internal/engine/protocol/socks for SOCKS4/4a (the original only
// wired SOCKS5 via x/net/proxy) and through protocol/ftpx for non-HTTP
// schemes.
package single

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	engineerrors "github.com/surge-downloader/surge/internal/engine/errors"
	"github.com/surge-downloader/surge/internal/engine/protocol/ftpx"
	"github.com/surge-downloader/surge/internal/engine/protocol/httpx"
	"github.com/surge-downloader/surge/internal/engine/protocol/socks"
	"github.com/surge-downloader/surge/internal/engine/types"
	"github.com/surge-downloader/surge/internal/utils"
)

// Downloader fetches a URL over a single connection, used when the
// origin server didn't advertise Range support.
type Downloader struct {
	Client     *http.Client
	ProgressChan chan<- any
	ID         string
	State      *types.ProgressState
	Runtime    *types.RuntimeConfig
	Headers    map[string]string
	Username   string // Digest-auth credentials, if any
	Password   string
}

// New builds a Downloader whose http.Client routes through the
// runtime's configured proxy (if any) and TLS settings.
func New(id string, progressCh chan<- any, state *types.ProgressState, runtime *types.RuntimeConfig) *Downloader {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: runtime.SkipTLSVerification},
	}

	if runtime != nil && runtime.ProxyURL != "" {
		applyProxy(transport, runtime.ProxyURL)
	}

	return &Downloader{
		Client:       &http.Client{Transport: transport},
		ProgressChan: progressCh,
		ID:           id,
		State:        state,
		Runtime:      runtime,
	}
}

func applyProxy(transport *http.Transport, proxyURL string) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		utils.Debug("single: invalid proxy URL %q: %v", proxyURL, err)
		return
	}

	switch {
	case strings.HasPrefix(u.Scheme, "socks5"):
		var username, password string
		if u.User != nil {
			username = u.User.Username()
			password, _ = u.User.Password()
		}
		d := &socks.Dialer{ProxyAddr: u.Host, Version: socks.V5, Username: username, Password: password}
		transport.DialContext = d.DialContext

	case u.Scheme == "socks4" || u.Scheme == "socks4a":
		version := socks.V4
		if u.Scheme == "socks4a" {
			version = socks.V4a
		}
		d := &socks.Dialer{ProxyAddr: u.Host, Version: version}
		transport.DialContext = d.DialContext

	default:
		transport.Proxy = http.ProxyURL(u)
	}
}

// Download fetches rawurl into destPath's staging path (suffixed
// .surge) and renames it into place on success. The server doesn't
// support Range, so a cancelled context means starting over from
// scratch on the next attempt — there is no partial-byte resume here.
func (d *Downloader) Download(ctx context.Context, rawurl, destPath string, fileSize int64, filename string) error {
	if ftpx.IsScheme(rawurl) {
		return d.downloadFTP(ctx, rawurl, destPath)
	}

	req, err := httpx.BuildRequest(httpx.RequestSpec{
		URL:       rawurl,
		Headers:   d.Headers,
		UserAgent: d.Runtime.GetUserAgent(),
		RangeLo:   -1,
	})
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)

	resp, err := d.Client.Do(req)
	if err != nil {
		return engineerrors.New(engineerrors.KindTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		engErr, _ := httpx.ClassifyStatus(resp.StatusCode)
		if engErr.Kind == engineerrors.KindAuth && (d.Username != "" || d.Password != "") {
			retried, didRetry, rerr := httpx.RetryWithDigest(d.Client, req, resp, d.Username, d.Password)
			if didRetry {
				if rerr != nil {
					return engineerrors.New(engineerrors.KindTransient, rerr)
				}
				resp = retried
				defer resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					reclassified, _ := httpx.ClassifyStatus(resp.StatusCode)
					return reclassified
				}
			} else {
				return engErr
			}
		} else {
			return engErr
		}
	}

	stagingPath := destPath + ".surge"
	outFile, err := os.Create(stagingPath)
	if err != nil {
		return engineerrors.New(engineerrors.KindFileIO, err)
	}

	buf := make([]byte, d.Runtime.GetWorkerBufferSize())
	var written int64
	for {
		select {
		case <-ctx.Done():
			outFile.Close()
			return types.ErrPaused
		default:
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := writeAll(outFile, buf[:n]); writeErr != nil {
				outFile.Close()
				return engineerrors.New(engineerrors.KindFileIO, writeErr)
			}
			written += int64(n)
			if d.State != nil {
				d.State.Downloaded.Add(int64(n))
				d.State.Touch()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			outFile.Close()
			return engineerrors.New(engineerrors.KindTransient, readErr)
		}
	}

	if err := outFile.Sync(); err != nil {
		outFile.Close()
		return engineerrors.New(engineerrors.KindFileIO, err)
	}
	if err := outFile.Close(); err != nil {
		return engineerrors.New(engineerrors.KindFileIO, err)
	}

	if err := os.Rename(stagingPath, destPath); err != nil {
		if copyErr := copyFile(stagingPath, destPath); copyErr != nil {
			return engineerrors.New(engineerrors.KindFileIO, fmt.Errorf("rename and copy fallback both failed: %w", copyErr))
		}
		os.Remove(stagingPath)
	}

	return nil
}

// downloadFTP dials the control connection, RETRs from offset 0, and
// streams the data connection into destPath's staging path the same
// way the HTTP path does. No mid-transfer resume: a pause starts the
// next attempt over from byte 0, same as the no-Range HTTP case above.
func (d *Downloader) downloadFTP(ctx context.Context, rawurl, destPath string) error {
	cfg, remotePath, err := ftpx.ParseURL(rawurl)
	if err != nil {
		return err
	}

	conn, err := ftpx.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer ftpx.Quit(conn)

	resp, err := ftpx.RetrFrom(conn, remotePath, 0)
	if err != nil {
		return err
	}
	defer resp.Close()

	stagingPath := destPath + ".surge"
	outFile, err := os.Create(stagingPath)
	if err != nil {
		return engineerrors.New(engineerrors.KindFileIO, err)
	}

	buf := make([]byte, d.Runtime.GetWorkerBufferSize())
	for {
		select {
		case <-ctx.Done():
			outFile.Close()
			return types.ErrPaused
		default:
		}

		n, readErr := resp.Read(buf)
		if n > 0 {
			if _, writeErr := writeAll(outFile, buf[:n]); writeErr != nil {
				outFile.Close()
				return engineerrors.New(engineerrors.KindFileIO, writeErr)
			}
			if d.State != nil {
				d.State.Downloaded.Add(int64(n))
				d.State.Touch()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			outFile.Close()
			return engineerrors.New(engineerrors.KindTransient, readErr)
		}
	}

	if err := outFile.Sync(); err != nil {
		outFile.Close()
		return engineerrors.New(engineerrors.KindFileIO, err)
	}
	if err := outFile.Close(); err != nil {
		return engineerrors.New(engineerrors.KindFileIO, err)
	}

	if err := os.Rename(stagingPath, destPath); err != nil {
		if copyErr := copyFile(stagingPath, destPath); copyErr != nil {
			return engineerrors.New(engineerrors.KindFileIO, fmt.Errorf("rename and copy fallback both failed: %w", copyErr))
		}
		os.Remove(stagingPath)
	}

	return nil
}

func writeAll(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Write(buf[total:])
		total += n
		if err != nil {
			if err == io.ErrShortWrite {
				continue
			}
			return total, err
		}
	}
	return total, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
