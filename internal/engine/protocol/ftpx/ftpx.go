// Package ftpx wraps github.com/jlaffaye/ftp for the engine's FTP/
// FTPS/FTPES control and data connections. Grounded on
// nabbar-golib/ftpclient/config.go's dial-option assembly, in
// particular its ForceTLS split between libftp.DialWithExplicitTLS
// (FTPES: plain connect, then AUTH TLS upgrade) and
// libftp.DialWithTLS (FTPS: implicit TLS from the first byte).
package ftpx

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	libftp "github.com/jlaffaye/ftp"
	engineerrors "github.com/surge-downloader/surge/internal/engine/errors"
)

// TLSMode selects how (or whether) TLS is layered onto the control
// connection.
type TLSMode int

const (
	TLSNone TLSMode = iota
	TLSImplicit        // FTPS: TLS from the very first byte
	TLSExplicit        // FTPES: plaintext connect, then AUTH TLS
)

// Config is the connection recipe for one FTP server.
type Config struct {
	Host     string // host:port
	Login    string
	Password string

	TLSMode   TLSMode
	TLSConfig *tls.Config

	ConnTimeout time.Duration

	DisableEPSV bool
	DisableMLSD bool
}

// Dial connects and authenticates against cfg.Host, returning a ready
// *libftp.ServerConn. Mirrors nabbar-golib/ftpclient.New's dial-option
// assembly.
func Dial(ctx context.Context, cfg Config) (*libftp.ServerConn, error) {
	opts := []libftp.DialOption{
		libftp.DialWithContext(ctx),
	}

	if cfg.ConnTimeout > 0 {
		opts = append(opts, libftp.DialWithTimeout(cfg.ConnTimeout))
	}
	if cfg.DisableEPSV {
		opts = append(opts, libftp.DialWithDisabledEPSV(true))
	}
	if cfg.DisableMLSD {
		opts = append(opts, libftp.DialWithDisabledMLSD(true))
	}

	switch cfg.TLSMode {
	case TLSImplicit:
		opts = append(opts, libftp.DialWithTLS(cfg.TLSConfig))
	case TLSExplicit:
		opts = append(opts, libftp.DialWithExplicitTLS(cfg.TLSConfig))
	}

	conn, err := libftp.Dial(cfg.Host, opts...)
	if err != nil {
		return nil, engineerrors.New(engineerrors.KindTransient, fmt.Errorf("ftp dial %s: %w", cfg.Host, err))
	}

	if err := conn.Login(cfg.Login, cfg.Password); err != nil {
		conn.Quit()
		return nil, engineerrors.New(engineerrors.KindAuth, fmt.Errorf("ftp login: %w", err))
	}

	return conn, nil
}

// Size issues SIZE, wrapping jlaffaye/ftp's error into the engine's
// taxonomy.
func Size(conn *libftp.ServerConn, path string) (int64, error) {
	size, err := conn.FileSize(path)
	if err != nil {
		return 0, engineerrors.New(engineerrors.KindProtocol, fmt.Errorf("ftp size %s: %w", path, err))
	}
	return size, nil
}

// RetrFrom issues RETR with a REST offset, for resuming a partial
// download.
func RetrFrom(conn *libftp.ServerConn, path string, offset uint64) (*libftp.Response, error) {
	resp, err := conn.RetrFrom(path, offset)
	if err != nil {
		return nil, engineerrors.New(engineerrors.KindProtocol, fmt.Errorf("ftp retr %s@%d: %w", path, offset, err))
	}
	return resp, nil
}

// KeepAlive issues a NOOP, the FTP control-channel keep-alive spec.md
// §4.5 names alongside the timeout sweeper's absolute-threshold check.
func KeepAlive(conn *libftp.ServerConn) error {
	if err := conn.NoOp(); err != nil {
		return engineerrors.New(engineerrors.KindTransient, fmt.Errorf("ftp noop: %w", err))
	}
	return nil
}

// Quit closes the control connection gracefully.
func Quit(conn *libftp.ServerConn) error {
	return conn.Quit()
}

// IsScheme reports whether rawurl names one of the three schemes this
// package serves: plain ftp, implicit-TLS ftps, or explicit-TLS ftpes.
func IsScheme(rawurl string) bool {
	scheme := strings.ToLower(rawurl[:min(len(rawurl), 8)])
	return strings.HasPrefix(scheme, "ftp://") || strings.HasPrefix(scheme, "ftps://") || strings.HasPrefix(scheme, "ftpes://")
}

// ParseURL turns a ftp(s|es)://user:pass@host:port/path URL into a
// dial Config plus the remote file path RETR/SIZE expect, defaulting
// the port to 21 and the login to "anonymous" the way most FTP clients
// do when credentials are omitted.
func ParseURL(rawurl string) (Config, string, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return Config{}, "", engineerrors.New(engineerrors.KindFatal, fmt.Errorf("parse ftp url: %w", err))
	}

	cfg := Config{Login: "anonymous", Password: "anonymous"}
	switch strings.ToLower(u.Scheme) {
	case "ftp":
		cfg.TLSMode = TLSNone
	case "ftps":
		cfg.TLSMode = TLSImplicit
		cfg.TLSConfig = &tls.Config{ServerName: u.Hostname()}
	case "ftpes":
		cfg.TLSMode = TLSExplicit
		cfg.TLSConfig = &tls.Config{ServerName: u.Hostname()}
	default:
		return Config{}, "", engineerrors.New(engineerrors.KindFatal, fmt.Errorf("unsupported ftp scheme %q", u.Scheme))
	}

	if u.User != nil {
		cfg.Login = u.User.Username()
		if pass, ok := u.User.Password(); ok {
			cfg.Password = pass
		}
	}

	host := u.Host
	if u.Port() == "" {
		host = u.Hostname() + ":21"
	}
	cfg.Host = host

	path := u.Path
	if path == "" {
		path = "/"
	}
	return cfg, path, nil
}
